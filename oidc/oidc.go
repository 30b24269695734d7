// Package oidckit implements OpenID Connect sign-in on top of a
// keystore-backed user/key model. Provider discovery, the authorization-code
// exchange, and ID-token verification are delegated to the zitadel/oidc
// relying-party client; this package translates the results onto the host
// store: look up the user owning the (oidc, subject) key, or hand the caller
// deferred create operations bound to that identity.
package oidckit

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderID is the provider discriminator stored with every key this
// integration creates or looks up.
const ProviderID = "oidc"

// DefaultScopes is requested when Config.Scopes is empty.
var DefaultScopes = []string{"oidc", "email", "profile"}

// ErrNotInitialized is returned by GetAuthorizationURL and ValidateCallback
// when Init has not completed successfully.
var ErrNotInitialized = errors.New("oidc_adapter_not_initialized")

// Config holds the relying-party settings for a single identity provider.
// The adapter copies what it keeps, so mutating a Config after New has no
// effect on the adapter.
type Config struct {
	Issuer       string // discovery base URL, e.g. https://accounts.google.com
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Scopes defaults to DefaultScopes when empty.
	Scopes []string

	// ResponseTypes defaults to ["code"]. The relying party only implements
	// the authorization-code flow, so any other value is rejected by New.
	ResponseTypes []string

	// ExtraAuthParams are appended to every authorization URL
	// (e.g., access_type=offline for Google refresh tokens).
	ExtraAuthParams map[string]string

	// ExtraTokenParams are appended to the token-endpoint exchange.
	ExtraTokenParams map[string]string

	// HTTPClient, if set, is used for discovery, token, and user-info
	// requests (e.g., to trust a private CA).
	HTTPClient *http.Client
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("oidckit: Issuer is required (e.g., https://accounts.google.com)")
	}
	if c.ClientID == "" {
		return fmt.Errorf("oidckit: ClientID is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("oidckit: RedirectURI is required")
	}
	for _, rt := range c.ResponseTypes {
		if rt != "code" {
			return fmt.Errorf("oidckit: unsupported response type %q (only \"code\")", rt)
		}
	}
	return nil
}

func copyStrMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
