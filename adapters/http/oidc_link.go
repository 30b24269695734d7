package authhttp

import (
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	oidckit "github.com/open-rails/keykit/oidc"
)

// POST /auth/oidc/link/start
//
// Begins linking an OIDC key to the signed-in user named by the bearer
// token's sub claim. Responds with the authorization URL; the browser
// completes the flow through the normal callback.
func (s *Service) handleOIDCLinkStartPOST(w http.ResponseWriter, r *http.Request) {
	if s.linkKeyfunc == nil {
		notFound(w, "link_not_enabled")
		return
	}
	tokenStr := bearerToken(r.Header.Get("Authorization"))
	if tokenStr == "" {
		unauthorized(w, "auth_required")
		return
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, s.linkKeyfunc)
	if err != nil || tok == nil || !tok.Valid {
		unauthorized(w, "invalid_token")
		return
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		unauthorized(w, "invalid_token")
		return
	}

	var req struct {
		ReturnTo string `json:"return_to"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid_request")
			return
		}
	}

	authURL, err := s.adapter.GetAuthorizationURL()
	if err != nil {
		serverErr(w, "oidc_begin_failed")
		return
	}
	state, _ := authURL.State()
	sd := oidckit.StateData{
		LinkUserID: sub,
		ReturnTo:   safeReturnTo(req.ReturnTo),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.states.Put(r.Context(), state, sd, s.stateTTL); err != nil {
		serverErr(w, "state_store_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth_url": authURL.URL()})
}
