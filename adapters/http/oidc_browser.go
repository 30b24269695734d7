package authhttp

import (
	"errors"
	"net/http"
	"strings"
	"time"

	oidc "github.com/zitadel/oidc/v2/pkg/oidc"

	"github.com/open-rails/keykit/keystore"
	oidckit "github.com/open-rails/keykit/oidc"
)

// GET /auth/oidc/login?return_to=/app
//
// Generates a fresh state, parks it in the state cache, and redirects the
// browser to the provider's authorization endpoint.
func (s *Service) handleOIDCLoginGET(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.adapter.GetAuthorizationURL()
	if err != nil {
		if errors.Is(err, oidckit.ErrNotInitialized) {
			serverErr(w, "oidc_not_ready")
			return
		}
		serverErr(w, "oidc_begin_failed")
		return
	}
	state, _ := authURL.State()
	sd := oidckit.StateData{
		ReturnTo:  safeReturnTo(r.URL.Query().Get("return_to")),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.states.Put(r.Context(), state, sd, s.stateTTL); err != nil {
		serverErr(w, "state_store_failed")
		return
	}
	http.Redirect(w, r, authURL.URL(), http.StatusFound)
}

// GET /auth/oidc/callback?code=...&state=...
//
// Consumes the state (single use), exchanges the code, and resolves the
// subject against the host store: sign in, link, or register.
func (s *Service) handleOIDCCallbackGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if provErr := q.Get("error"); provErr != "" {
		badRequest(w, provErr)
		return
	}
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		badRequest(w, "invalid_request")
		return
	}

	sd, ok, err := s.states.Get(r.Context(), state)
	_ = s.states.Del(r.Context(), state)
	if err != nil || !ok {
		badRequest(w, "invalid_state")
		return
	}

	sess, err := s.adapter.ValidateCallback(r.Context(), code)
	if err != nil {
		unauthorized(w, "oidc_exchange_failed")
		return
	}

	res := &LoginResult{Session: sess, ReturnTo: sd.ReturnTo}
	switch {
	case sd.LinkUserID != "":
		user, errCode := s.linkSession(r, sess, sd.LinkUserID)
		if errCode != "" {
			sendErr(w, linkStatus(errCode), errCode)
			return
		}
		res.User = user
		res.Linked = true

	case sess.ExistingUser != nil:
		res.User = sess.ExistingUser

	default:
		user, err := sess.CreateUser(r.Context(), userAttributes(sess.ProviderUser))
		if err != nil {
			// Lost a race with a concurrent first login for the same
			// subject; the key now exists, so sign that user in.
			if errors.Is(err, keystore.ErrKeyExists) {
				if existing, lookupErr := s.store.GetKeyUser(r.Context(), sess.Key()); lookupErr == nil {
					res.User = existing
					break
				}
			}
			serverErr(w, "user_creation_failed")
			return
		}
		res.User = user
		res.Created = true
	}

	s.finish(w, r, res)
}

// linkSession attaches the session's provider key to userID. Returns the
// linked user, or an error code for the HTTP response.
func (s *Service) linkSession(r *http.Request, sess *oidckit.Session, userID string) (*keystore.User, string) {
	if sess.ExistingUser != nil {
		if sess.ExistingUser.ID != userID {
			return nil, "provider_key_in_use"
		}
		// Already linked to this user; treat as success.
		return sess.ExistingUser, ""
	}
	if _, err := sess.CreateKey(r.Context(), userID); err != nil {
		switch {
		case errors.Is(err, keystore.ErrUserNotFound):
			return nil, "unknown_user"
		case errors.Is(err, keystore.ErrKeyExists):
			return nil, "provider_key_in_use"
		default:
			return nil, "link_failed"
		}
	}
	user, err := s.store.GetKeyUser(r.Context(), sess.Key())
	if err != nil {
		return nil, "link_failed"
	}
	return user, ""
}

func linkStatus(code string) int {
	switch code {
	case "provider_key_in_use":
		return http.StatusConflict
	case "unknown_user":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// userAttributes maps provider userinfo onto host attributes for
// first-time registration. Empty claims are dropped rather than stored.
func userAttributes(info *oidc.UserInfo) map[string]any {
	attrs := map[string]any{}
	if info == nil {
		return attrs
	}
	if info.UserInfoEmail.Email != "" {
		attrs["email"] = info.UserInfoEmail.Email
		attrs["email_verified"] = bool(info.UserInfoEmail.EmailVerified)
	}
	if info.Name != "" {
		attrs["name"] = info.Name
	}
	if info.PreferredUsername != "" {
		attrs["preferred_username"] = info.PreferredUsername
	}
	return attrs
}

// safeReturnTo keeps only local, absolute paths so the callback can never
// redirect off-site.
func safeReturnTo(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return ""
	}
	if strings.Contains(p, "\\") {
		return ""
	}
	return p
}
