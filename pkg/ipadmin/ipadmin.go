// Package ipadmin exposes the operator surface over the Suspicious-IP
// Registry (spec.md §6 /api/admin/*, SPEC_FULL.md §5 ip_management.py
// supplement): listing, blocking, and unblocking IPs, gated by the static
// GATEKEEPER_ADMIN_TOKEN rather than a visitor API key (DESIGN.md:
// the source's "any authenticated key is admin" model is a latent
// authorization bug, not a feature worth carrying).
package ipadmin

import "time"

// BlockRequest is the JSON body for POST /api/admin/ips/block.
type BlockRequest struct {
	IPAddress string `json:"ip_address" validate:"required"`
	Reason    string `json:"reason"`
}

// UnblockRequest is the JSON body for POST /api/admin/ips/unblock.
type UnblockRequest struct {
	IPAddress string `json:"ip_address" validate:"required"`
}

// SuspiciousIPResponse mirrors one entry of the registry's archive.
type SuspiciousIPResponse struct {
	IPAddress      string            `json:"ip_address"`
	FirstDetected  time.Time         `json:"first_detected"`
	LastViolation  time.Time         `json:"last_violation"`
	ViolationCount int               `json:"violation_count"`
	Violations     []ViolationEntry  `json:"violations"`
	IsBlocked      bool              `json:"is_blocked"`
	BlockedAt      *time.Time        `json:"blocked_at,omitempty"`
	BlockReason    string            `json:"block_reason,omitempty"`
}

// ViolationEntry is one entry of SuspiciousIPResponse.Violations.
type ViolationEntry struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// StatsResponse is the JSON response for GET /api/admin/ip-stats.
type StatsResponse struct {
	TotalSuspiciousIPs   int `json:"total_suspicious_ips"`
	BlockedIPs           int `json:"blocked_ips"`
	ActiveSuspiciousIPs  int `json:"active_suspicious_ips"`
	RecentViolations24h  int `json:"recent_violations_24h"`
}
