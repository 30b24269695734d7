package oidckit

import (
	"context"

	"github.com/zitadel/oidc/v2/pkg/oidc"

	"github.com/open-rails/keykit/keystore"
)

// Session is the outcome of a validated callback: the provider identity
// discovered from user-info, the local user already linked to it (if any),
// and two deferred store operations bound to that identity. The caller
// inspects ExistingUser and then either signs that user in, creates a new
// one with CreateUser, or attaches the key to another user with CreateKey.
type Session struct {
	// ExistingUser is the user owning the (oidc, sub) key, or nil when the
	// store reported the key as not found.
	ExistingUser *keystore.User

	// ProviderUser is the raw user-info record returned by the provider.
	ProviderUser *oidc.UserInfo

	// Tokens carries the code-exchange result: access token, refresh token
	// when granted, and the verified ID token.
	Tokens *oidc.Tokens[*oidc.IDTokenClaims]

	key   keystore.KeyID
	store keystore.Store
}

// Key returns the provider identity captured by this callback.
func (s *Session) Key() keystore.KeyID { return s.key }

// Subject returns the provider's durable user id (the user-info sub).
func (s *Session) Subject() string { return s.key.ProviderUserID }

// CreateUser creates a local user whose identity key is the captured
// (oidc, sub) pair, with the given host-defined attributes.
func (s *Session) CreateUser(ctx context.Context, attributes map[string]any) (*keystore.User, error) {
	return s.store.CreateUser(ctx, keystore.CreateUserParams{Key: s.key, Attributes: attributes})
}

// CreateKey attaches the captured (oidc, sub) pair to an existing local
// user, with no password.
func (s *Session) CreateKey(ctx context.Context, userID string) (*keystore.Key, error) {
	return s.store.CreateKey(ctx, userID, keystore.KeyParams{KeyID: s.key})
}
