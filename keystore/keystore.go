// Package keystore defines the user/key model the rest of the kit is built
// against: users identified by an opaque id, and keys that bind a
// (provider, provider user id) pair to exactly one user. Implementations
// live under storage/.
package keystore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors stores must return so callers can branch with errors.Is
// instead of matching message text.
var (
	ErrKeyNotFound  = errors.New("key_not_found")
	ErrKeyExists    = errors.New("key_exists")
	ErrUserNotFound = errors.New("user_not_found")
)

// KeyID is the stable external identity of a key: a provider discriminator
// plus the provider's durable id for the user (an OIDC subject, an email
// address, a wallet address).
type KeyID struct {
	ProviderID     string
	ProviderUserID string
}

// User is a local account. Attributes carries host-defined profile fields;
// the kit never interprets them beyond passing them through.
type User struct {
	ID         string
	Attributes map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// Key attaches a KeyID to a local user. PasswordHash is set only for
// password-bearing keys; provider keys carry nil.
type Key struct {
	KeyID
	UserID       string
	PasswordHash *string
	CreatedAt    time.Time
}

// CreateUserParams describes a new user and its initial identity key.
type CreateUserParams struct {
	Key        KeyID
	Attributes map[string]any
}

// KeyParams describes a key to attach to an existing user. Password, when
// non-nil, is hashed by the store before it is persisted.
type KeyParams struct {
	KeyID
	Password *string
}

// Store is the persistence boundary the OIDC adapter and the HTTP glue
// consume.
type Store interface {
	// GetKeyUser returns the user owning the given key, or ErrKeyNotFound
	// when no such key exists.
	GetKeyUser(ctx context.Context, key KeyID) (*User, error)

	// CreateUser creates a user together with its initial key, atomically.
	// Returns ErrKeyExists when the key is already taken.
	CreateUser(ctx context.Context, params CreateUserParams) (*User, error)

	// CreateKey attaches an additional key to an existing user. Returns
	// ErrKeyExists when the key is already taken and ErrUserNotFound when
	// the user does not exist.
	CreateKey(ctx context.Context, userID string, params KeyParams) (*Key, error)
}
