// Package session manages the KV-resident CheckboxSession (spec.md §3):
// the per-visitor record the adaptive router upserts on every
// /api/next-captcha call to track attempts and bot-suspicion across
// repeated visits within a single TTL window.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/palisade-labs/gatekeeper/internal/kv"
	"github.com/palisade-labs/gatekeeper/internal/model"
)

func key(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

// Store manages CheckboxSession lifecycle over a KV backend.
type Store struct {
	kv            kv.Store
	ttl           time.Duration
	botCeiling    int
}

// NewStore builds a Store whose sessions expire after ttl unless touched,
// and whose bot_attempts ceiling (after which the session hard-blocks) is
// botCeiling (spec.md §3: "bot_attempts >= 3 hard-blocks", §4.4).
func NewStore(store kv.Store, ttl time.Duration, botCeiling int) *Store {
	return &Store{kv: store, ttl: ttl, botCeiling: botCeiling}
}

// GetOrCreate looks up sessionID, creating a fresh session if it doesn't
// exist yet. A caller-supplied empty sessionID is never valid; generate
// one with a UUID before calling this.
func (s *Store) GetOrCreate(ctx context.Context, sessionID string) (model.CheckboxSession, error) {
	var sess model.CheckboxSession
	err := s.kv.GetJSON(ctx, key(sessionID), &sess)
	if err == nil {
		return sess, nil
	}
	if err != kv.ErrNotFound {
		return model.CheckboxSession{}, err
	}

	now := time.Now().UTC()
	sess = model.CheckboxSession{
		SessionID:     sessionID,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
	if err := s.kv.SetJSON(ctx, key(sessionID), sess, s.ttl); err != nil {
		return model.CheckboxSession{}, err
	}
	return sess, nil
}

// RecordAttempt increments Attempts (and BotAttempts when lowConfidence is
// true), persists the result, and hard-blocks the session once BotAttempts
// reaches the configured ceiling. A session already blocked is returned
// unchanged — §3's invariant that a blocked session is never upgraded.
func (s *Store) RecordAttempt(ctx context.Context, sessionID string, lowConfidence bool) (model.CheckboxSession, error) {
	sess, err := s.GetOrCreate(ctx, sessionID)
	if err != nil {
		return model.CheckboxSession{}, err
	}
	if sess.IsBlocked {
		return sess, nil
	}

	sess.Attempts++
	sess.LastAttemptAt = time.Now().UTC()
	if lowConfidence {
		sess.BotAttempts++
		if sess.BotAttempts >= s.botCeiling {
			sess.IsBlocked = true
		}
	}

	if err := s.kv.SetJSON(ctx, key(sessionID), sess, s.ttl); err != nil {
		return model.CheckboxSession{}, err
	}
	return sess, nil
}

// Get looks up sessionID without creating it. The second return value is
// false if no session exists (or it has expired).
func (s *Store) Get(ctx context.Context, sessionID string) (model.CheckboxSession, bool, error) {
	var sess model.CheckboxSession
	err := s.kv.GetJSON(ctx, key(sessionID), &sess)
	if err == kv.ErrNotFound {
		return model.CheckboxSession{}, false, nil
	}
	if err != nil {
		return model.CheckboxSession{}, false, err
	}
	return sess, true, nil
}
