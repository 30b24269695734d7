package authhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/open-rails/keykit/keystore"
	"github.com/open-rails/keykit/oidctest"
	memorystore "github.com/open-rails/keykit/storage/memory"
)

const linkSecret = "link-test-secret"

func linkKeyfunc(*jwt.Token) (any, error) { return []byte(linkSecret), nil }

func mintLinkToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(linkSecret))
	require.NoError(t, err)
	return signed
}

func startLink(t *testing.T, h http.Handler, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/auth/oidc/link/start", strings.NewReader(body))
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestLinkFlow_AttachesKeyToBearerUser(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	issuer.SetSubject("u-42")

	store := memorystore.NewKeystore()
	existing, err := store.CreateUser(context.Background(), keystore.CreateUserParams{
		Key:        keystore.KeyID{ProviderID: "email", ProviderUserID: "a@b.com"},
		Attributes: map[string]any{"name": "A"},
	})
	require.NoError(t, err)

	s := newTestService(t, issuer, store).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	w := startLink(t, h, mintLinkToken(t, existing.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AuthURL)

	code, state := driveAuthorize(t, resp.AuthURL)
	cb := doCallback(t, h, code, state)
	require.Equal(t, http.StatusOK, cb.Code)

	body := decodeFinish(t, cb)
	require.True(t, body.Linked)
	require.False(t, body.Created)
	require.Equal(t, existing.ID, body.UserID)

	linked, err := store.GetKeyUser(context.Background(), keystore.KeyID{ProviderID: "oidc", ProviderUserID: "u-42"})
	require.NoError(t, err)
	require.Equal(t, existing.ID, linked.ID)
}

func TestLinkFlow_ConflictWhenKeyOwnedElsewhere(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	issuer.SetSubject("u-42")

	store := memorystore.NewKeystore()
	_, err := store.CreateUser(context.Background(), keystore.CreateUserParams{
		Key: keystore.KeyID{ProviderID: "oidc", ProviderUserID: "u-42"},
	})
	require.NoError(t, err)
	other, err := store.CreateUser(context.Background(), keystore.CreateUserParams{
		Key: keystore.KeyID{ProviderID: "email", ProviderUserID: "b@c.com"},
	})
	require.NoError(t, err)

	s := newTestService(t, issuer, store).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	w := startLink(t, h, mintLinkToken(t, other.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	code, state := driveAuthorize(t, resp.AuthURL)
	cb := doCallback(t, h, code, state)
	require.Equal(t, http.StatusConflict, cb.Code)
	require.Contains(t, cb.Body.String(), `"error":"provider_key_in_use"`)
}

func TestLinkFlow_AlreadyLinkedToSameUserSucceeds(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	issuer.SetSubject("u-42")

	store := memorystore.NewKeystore()
	existing, err := store.CreateUser(context.Background(), keystore.CreateUserParams{
		Key: keystore.KeyID{ProviderID: "oidc", ProviderUserID: "u-42"},
	})
	require.NoError(t, err)

	s := newTestService(t, issuer, store).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	w := startLink(t, h, mintLinkToken(t, existing.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	code, state := driveAuthorize(t, resp.AuthURL)
	cb := doCallback(t, h, code, state)
	require.Equal(t, http.StatusOK, cb.Code)

	body := decodeFinish(t, cb)
	require.True(t, body.Linked)
	require.Equal(t, existing.ID, body.UserID)
}

func TestLinkFlow_UnknownUser(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()

	store := memorystore.NewKeystore()
	s := newTestService(t, issuer, store).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	w := startLink(t, h, mintLinkToken(t, "no-such-user"), "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	code, state := driveAuthorize(t, resp.AuthURL)
	cb := doCallback(t, h, code, state)
	require.Equal(t, http.StatusBadRequest, cb.Code)
	require.Contains(t, cb.Body.String(), `"error":"unknown_user"`)
}

func TestLinkStart_DisabledWithoutKeyfunc(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	s := newTestService(t, issuer, memorystore.NewKeystore())

	w := startLink(t, s.APIHandler(), mintLinkToken(t, "u"), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), `"error":"link_not_enabled"`)
}

func TestLinkStart_RejectsBadTokens(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	s := newTestService(t, issuer, memorystore.NewKeystore()).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	// No bearer token at all.
	w := startLink(t, h, "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"error":"auth_required"`)

	// Signed with the wrong key.
	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"})
	badStr, err := bad.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)
	w = startLink(t, h, badStr, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"error":"invalid_token"`)

	// Valid signature, missing sub.
	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noSubStr, err := noSub.SignedString([]byte(linkSecret))
	require.NoError(t, err)
	w = startLink(t, h, noSubStr, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), `"error":"invalid_token"`)

	// Expired.
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	expiredStr, err := expired.SignedString([]byte(linkSecret))
	require.NoError(t, err)
	w = startLink(t, h, expiredStr, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLinkStart_CarriesReturnTo(t *testing.T) {
	issuer := oidctest.NewIssuer()
	defer issuer.Close()
	store := memorystore.NewKeystore()
	existing, err := store.CreateUser(context.Background(), keystore.CreateUserParams{
		Key: keystore.KeyID{ProviderID: "email", ProviderUserID: "a@b.com"},
	})
	require.NoError(t, err)

	s := newTestService(t, issuer, store).WithLinkKeyfunc(linkKeyfunc)
	h := s.APIHandler()

	w := startLink(t, h, mintLinkToken(t, existing.ID), `{"return_to":"/settings"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		AuthURL string `json:"auth_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	code, state := driveAuthorize(t, resp.AuthURL)
	cb := doCallback(t, h, code, state)
	require.Equal(t, http.StatusFound, cb.Code)
	require.Equal(t, "/settings", cb.Header().Get("Location"))
}
