// Package authhttp mounts the OIDC sign-in flow over net/http: a browser
// login redirect, the provider callback, and a JSON link-start endpoint for
// attaching a provider key to an already signed-in user. It is reference
// glue around oidckit; hosts with their own routing can wire the adapter
// directly instead.
package authhttp

import (
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/open-rails/keykit/keystore"
	oidckit "github.com/open-rails/keykit/oidc"
	memorystore "github.com/open-rails/keykit/storage/memory"
)

// DefaultStateTTL bounds how long a login may sit between the redirect out
// and the callback in.
const DefaultStateTTL = 15 * time.Minute

// LoginResult is what a completed callback resolved to. Exactly one of
// Created and Linked is true for a first-time subject; both are false when
// an existing user simply signed in.
type LoginResult struct {
	User    *keystore.User
	Session *oidckit.Session
	Created bool
	Linked  bool
	// ReturnTo is the sanitized post-login destination captured at login
	// time, empty when none was given.
	ReturnTo string
}

// FinishFunc completes a login: issue a session, set a cookie, redirect.
// The default implementation redirects to ReturnTo when present and writes
// a JSON summary otherwise.
type FinishFunc func(w http.ResponseWriter, r *http.Request, res *LoginResult)

// Service wires an initialized adapter, the host store, and a state cache
// into mountable handlers.
type Service struct {
	adapter     *oidckit.Adapter
	store       keystore.Store
	states      oidckit.StateCache
	stateTTL    time.Duration
	finish      FinishFunc
	linkKeyfunc jwt.Keyfunc
}

// NewService defaults to an in-memory state cache for dev/single-instance
// use; multi-instance deployments install the Redis cache via
// WithStateCache so the callback can land on any instance.
func NewService(adapter *oidckit.Adapter, store keystore.Store) *Service {
	return &Service{
		adapter:  adapter,
		store:    store,
		states:   memorystore.NewStateCache(DefaultStateTTL),
		stateTTL: DefaultStateTTL,
		finish:   defaultFinish,
	}
}

func (s *Service) WithStateCache(c oidckit.StateCache) *Service {
	if c != nil {
		s.states = c
	}
	return s
}

func (s *Service) WithStateTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.stateTTL = ttl
	}
	return s
}

// WithFinish installs the host's completion hook.
func (s *Service) WithFinish(fn FinishFunc) *Service {
	if fn != nil {
		s.finish = fn
	}
	return s
}

// WithLinkKeyfunc enables POST /auth/oidc/link/start. The keyfunc verifies
// the host-issued bearer token whose sub claim names the user to link; see
// JWKSKeyfunc for hosts that publish their keys over HTTP.
func (s *Service) WithLinkKeyfunc(fn jwt.Keyfunc) *Service {
	s.linkKeyfunc = fn
	return s
}

// APIHandler returns the mux serving the OIDC routes. Mount it so the
// callback path matches the redirect URI the adapter was configured with.
func (s *Service) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /auth/oidc/login", http.HandlerFunc(s.handleOIDCLoginGET))
	mux.Handle("GET /auth/oidc/callback", http.HandlerFunc(s.handleOIDCCallbackGET))
	mux.Handle("POST /auth/oidc/link/start", http.HandlerFunc(s.handleOIDCLinkStartPOST))
	return mux
}

func defaultFinish(w http.ResponseWriter, r *http.Request, res *LoginResult) {
	if res.ReturnTo != "" {
		http.Redirect(w, r, res.ReturnTo, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": res.User.ID,
		"created": res.Created,
		"linked":  res.Linked,
	})
}
