// Package oidctest runs a fake OpenID Connect identity provider on an
// httptest server. The kit's own tests drive full authorization-code flows
// against it, and host applications can use it the same way to test their
// sign-in wiring without a real IdP.
//
// The issuer serves discovery, authorization, token, userinfo, and JWKS
// endpoints. ID tokens are RS256-signed with a key generated per issuer;
// authorization codes and access tokens are opaque random strings.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/mr-tron/base58"
)

// Default client credentials the issuer accepts. Override with
// SetClientCreds when a test needs its own.
const (
	DefaultClientID     = "keykit-client"
	DefaultClientSecret = "keykit-secret"
)

// Issuer is the fake identity provider. All Set* knobs are safe to call
// while the server is handling requests.
type Issuer struct {
	srv  *httptest.Server
	priv *rsa.PrivateKey
	kid  string
	jwks []byte

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	subject             string
	userInfo            map[string]any
	claims              map[string]any
	expectedCode        string
	allowedRedirectURIs []string
	omitIDToken         bool
	disableUserinfo     bool
	discoveryHits       int
	codes               map[string]bool
	accessTokens        map[string]string
}

// NewIssuer generates a signing key and starts the server. Callers own the
// lifetime: defer Close.
func NewIssuer() *Issuer {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("oidctest: generate rsa key: %v", err))
	}
	i := &Issuer{
		priv:         priv,
		kid:          randToken(8),
		clientID:     DefaultClientID,
		clientSecret: DefaultClientSecret,
		subject:      "u-1",
		codes:        map[string]bool{},
		accessTokens: map[string]string{},
	}
	i.jwks = marshalJWKS(&priv.PublicKey, i.kid)
	i.srv = httptest.NewServer(i)
	return i
}

// Close shuts the server down.
func (i *Issuer) Close() { i.srv.Close() }

// URL is the issuer identifier: the discovery base URL and the iss claim of
// every token this issuer signs.
func (i *Issuer) URL() string { return i.srv.URL }

func (i *Issuer) ClientID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID
}

func (i *Issuer) ClientSecret() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientSecret
}

// SetClientCreds changes the credentials the token endpoint requires.
func (i *Issuer) SetClientCreds(id, secret string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clientID, i.clientSecret = id, secret
}

// SetSubject sets the sub claim minted into ID tokens and userinfo.
func (i *Issuer) SetSubject(sub string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subject = sub
}

// SetUserInfo sets the extra fields the userinfo endpoint returns alongside
// sub (email, name, preferred_username, ...).
func (i *Issuer) SetUserInfo(claims map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userInfo = claims
}

// SetClaims sets extra claims signed into ID tokens.
func (i *Issuer) SetClaims(claims map[string]any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.claims = claims
}

// SetExpectedCode pins the authorization code: the authorization endpoint
// issues exactly this code and the token endpoint accepts it repeatedly.
// Without it, codes are random and single-use.
func (i *Issuer) SetExpectedCode(code string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.expectedCode = code
}

// SetAllowedRedirectURIs restricts redirect_uri on the authorization and
// token endpoints. The default (none set) accepts any value.
func (i *Issuer) SetAllowedRedirectURIs(uris ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allowedRedirectURIs = uris
}

// OmitIDToken makes the token endpoint leave id_token out of its response,
// forcing the error path in relying parties.
func (i *Issuer) OmitIDToken() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.omitIDToken = true
}

// DisableUserinfo removes the userinfo endpoint from discovery and returns
// 404 from it.
func (i *Issuer) DisableUserinfo() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disableUserinfo = true
}

// CountDiscovery reports how many times the discovery document was fetched.
func (i *Issuer) CountDiscovery() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.discoveryHits
}

// SignIDToken signs an ID token for the current subject with the issuer's
// key, with the given extra claims merged in. Exposed for tests that need a
// token without running the code flow.
func (i *Issuer) SignIDToken(extra map[string]any) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.signIDTokenLocked(extra)
}

func (i *Issuer) signIDTokenLocked(extra map[string]any) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.srv.URL,
		"sub": i.subject,
		"aud": []string{i.clientID},
		"iat": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range i.claims {
		claims[k] = v
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	return tok.SignedString(i.priv)
}

// ServeHTTP implements the provider endpoints.
func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		i.discoveryHits++
		doc := map[string]any{
			"issuer":                                i.srv.URL,
			"authorization_endpoint":                i.srv.URL + "/authorize",
			"token_endpoint":                        i.srv.URL + "/oauth/token",
			"jwks_uri":                              i.srv.URL + "/.well-known/jwks.json",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		}
		if !i.disableUserinfo {
			doc["userinfo_endpoint"] = i.srv.URL + "/userinfo"
		}
		writeJSON(w, http.StatusOK, doc)

	case "/.well-known/jwks.json":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(i.jwks)

	case "/authorize":
		i.handleAuthorize(w, r)

	case "/oauth/token":
		i.handleToken(w, r)

	case "/userinfo":
		i.handleUserinfo(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (i *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}
	if !i.redirectAllowed(redirectURI) {
		http.Error(w, "redirect_uri not allowed", http.StatusBadRequest)
		return
	}
	fail := func(code string) {
		http.Redirect(w, r, redirectURI+"?"+url.Values{"error": {code}}.Encode(), http.StatusFound)
	}
	if q.Get("response_type") != "code" {
		fail("unsupported_response_type")
		return
	}
	if q.Get("client_id") != i.clientID {
		fail("unauthorized_client")
		return
	}
	if q.Get("scope") == "" {
		fail("invalid_scope")
		return
	}

	code := i.expectedCode
	if code == "" {
		code = randToken(16)
		i.codes[code] = true
	}
	v := url.Values{"code": {code}}
	if state := q.Get("state"); state != "" {
		v.Set("state", state)
	}
	http.Redirect(w, r, redirectURI+"?"+v.Encode(), http.StatusFound)
}

func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if !i.clientCredsOK(r) {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if r.FormValue("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if uri := r.FormValue("redirect_uri"); !i.redirectAllowed(uri) {
		tokenError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
		return
	}
	code := r.FormValue("code")
	switch {
	case i.expectedCode != "" && code == i.expectedCode:
	case i.codes[code]:
		delete(i.codes, code) // single use
	default:
		tokenError(w, http.StatusBadRequest, "invalid_grant", "unknown or spent authorization code")
		return
	}

	accessToken := randToken(24)
	i.accessTokens[accessToken] = i.subject

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !i.omitIDToken {
		idToken, err := i.signIDTokenLocked(nil)
		if err != nil {
			tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (i *Issuer) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if i.disableUserinfo {
		http.NotFound(w, r)
		return
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	sub, ok := i.accessTokens[tok]
	if tok == "" || !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	info := map[string]any{"sub": sub}
	for k, v := range i.userInfo {
		info[k] = v
	}
	writeJSON(w, http.StatusOK, info)
}

// clientCredsOK accepts HTTP basic auth (what oauth2 clients try first) and
// form-encoded client_id/client_secret.
func (i *Issuer) clientCredsOK(r *http.Request) bool {
	if id, secret, ok := r.BasicAuth(); ok {
		if u, err := url.QueryUnescape(id); err == nil {
			id = u
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
		return id == i.clientID && secret == i.clientSecret
	}
	return r.FormValue("client_id") == i.clientID && r.FormValue("client_secret") == i.clientSecret
}

func (i *Issuer) redirectAllowed(uri string) bool {
	if len(i.allowedRedirectURIs) == 0 {
		return uri != ""
	}
	for _, allowed := range i.allowedRedirectURIs {
		if uri == allowed {
			return true
		}
	}
	return false
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]any{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base58.Encode(b)
}

func marshalJWKS(pub *rsa.PublicKey, kid string) []byte {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		panic(fmt.Sprintf("oidctest: build jwk: %v", err))
	}
	_ = key.Set(jwk.KeyIDKey, kid)
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = key.Set(jwk.KeyUsageKey, jwk.ForSignature)
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		panic(fmt.Sprintf("oidctest: add jwk: %v", err))
	}
	b, err := json.Marshal(set)
	if err != nil {
		panic(fmt.Sprintf("oidctest: marshal jwks: %v", err))
	}
	return b
}
