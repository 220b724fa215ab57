// Package apikey provisions and manages the credentials the Credential
// Verifier checks on every request (spec.md §4.1). Unlike a tenant-scoped
// key, a gatekeeper key carries its own per-key rate limits and an
// allow-list of origins instead of roles or scopes.
package apikey

import "time"

// CreateRequest is the JSON body for POST /api/admin/keys.
type CreateRequest struct {
	UserID             string   `json:"user_id" validate:"required"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	RateLimitPerDay    int      `json:"rate_limit_per_day"`
}

// Response is the JSON response for a single API key (without the secret).
type Response struct {
	PublicID           string    `json:"public_id"`
	UserID             string    `json:"user_id"`
	IsActive           bool      `json:"is_active"`
	IsDemo             bool      `json:"is_demo"`
	AllowedOrigins     []string  `json:"allowed_origins"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	RateLimitPerDay    int       `json:"rate_limit_per_day"`
	UsageCount         int64     `json:"usage_count"`
	CreatedAt          time.Time `json:"created_at"`
}

// CreateResponse includes the raw secret key, shown only once at creation.
type CreateResponse struct {
	Response
	SecretKey string `json:"secret_key"`
}

// DailyUsageEntry is one day's usage count in a UsageResponse.
type DailyUsageEntry struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

// UsageResponse is the JSON response for GET /api/admin/keys/{id}/usage.
type UsageResponse struct {
	PublicID   string            `json:"public_id"`
	TotalUsage int64             `json:"total_usage"`
	Days       []DailyUsageEntry `json:"days"`
}

func toResponse(publicID, userID string, isActive, isDemo bool, allowedOrigins []string, rpm, rpd int, usage int64, createdAt time.Time) Response {
	if allowedOrigins == nil {
		allowedOrigins = []string{}
	}
	return Response{
		PublicID:           publicID,
		UserID:             userID,
		IsActive:           isActive,
		IsDemo:             isDemo,
		AllowedOrigins:     allowedOrigins,
		RateLimitPerMinute: rpm,
		RateLimitPerDay:    rpd,
		UsageCount:         usage,
		CreatedAt:          createdAt,
	}
}
