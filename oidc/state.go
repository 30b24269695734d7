package oidckit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// randB64 returns n random bytes, URL-safe base64 encoded. Used for state
// tokens (32 bytes of entropy by default).
func randB64(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// StateData is what callers persist against an in-flight state token
// between the redirect out and the callback in. The adapter itself never
// stores state; this is the shape the bundled HTTP glue and caches agree
// on.
type StateData struct {
	// LinkUserID marks a link flow: the callback attaches the provider key
	// to this user instead of signing a user in.
	LinkUserID string `json:"link_user_id,omitempty"`

	// ReturnTo is an optional post-login destination captured at login
	// time.
	ReturnTo string `json:"return_to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StateCache persists StateData across the authorization redirect
// round-trip. Entries are single-use: the callback handler deletes on
// first read. Implementations: storage/memory and storage/redis.
type StateCache interface {
	Put(ctx context.Context, state string, data StateData, ttl time.Duration) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}
