package oidckit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zitadel/oidc/v2/pkg/client/rp"

	"github.com/open-rails/keykit/keystore"
)

// Adapter binds one identity provider to one keystore. Construct with New
// (no network I/O), then call Init to run discovery, or use Discover to do
// both at once.
type Adapter struct {
	store keystore.Store
	cfg   Config

	mu      sync.Mutex
	relying rp.RelyingParty
}

// New builds an adapter around the host store. Configuration is validated
// and defaults are applied here; discovery is deferred to Init.
func New(store keystore.Store, cfg Config) (*Adapter, error) {
	if store == nil {
		return nil, fmt.Errorf("oidckit: store is required")
	}
	if len(cfg.ResponseTypes) == 0 {
		cfg.ResponseTypes = []string{"code"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	cfg.Scopes = append([]string(nil), cfg.Scopes...)
	cfg.ResponseTypes = append([]string(nil), cfg.ResponseTypes...)
	cfg.ExtraAuthParams = copyStrMap(cfg.ExtraAuthParams)
	cfg.ExtraTokenParams = copyStrMap(cfg.ExtraTokenParams)
	return &Adapter{store: store, cfg: cfg}, nil
}

// Discover is the initializing factory: New followed by Init, so the caller
// is never handed an adapter that cannot serve requests.
func Discover(ctx context.Context, store keystore.Store, cfg Config) (*Adapter, error) {
	a, err := New(store, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := a.Init(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Init runs provider discovery against the configured issuer and builds the
// relying-party handle. It is idempotent: once a handle exists it is
// returned without re-discovering, and concurrent callers serialize so a
// single discovery serves all of them. A failed attempt leaves the adapter
// uninitialized, so a later call may retry.
func (a *Adapter) Init(ctx context.Context) (rp.RelyingParty, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relying != nil {
		return a.relying, nil
	}
	var opts []rp.Option
	if a.cfg.HTTPClient != nil {
		opts = append(opts, rp.WithHTTPClient(a.cfg.HTTPClient))
	}
	relying, err := rp.NewRelyingPartyOIDC(a.cfg.Issuer, a.cfg.ClientID, a.cfg.ClientSecret, a.cfg.RedirectURI, a.cfg.Scopes, opts...)
	if err != nil {
		return nil, err
	}
	a.relying = relying
	return a.relying, nil
}

func (a *Adapter) ready() (rp.RelyingParty, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.relying == nil {
		return nil, ErrNotInitialized
	}
	return a.relying, nil
}

// AuthURLOption controls how GetAuthorizationURL treats the state
// parameter. Without options a fresh random state is generated.
type AuthURLOption func(*authURLOptions)

type authURLOptions struct {
	state    string
	explicit bool
}

// WithState embeds the given state verbatim. The empty string is the
// explicit opt-out sentinel and behaves like WithoutState.
func WithState(state string) AuthURLOption {
	return func(o *authURLOptions) { o.state, o.explicit = state, true }
}

// WithoutState suppresses the state parameter entirely, signaling that the
// caller manages its own CSRF strategy (or accepts the risk).
func WithoutState() AuthURLOption {
	return func(o *authURLOptions) { o.state, o.explicit = "", true }
}

// AuthURL is the authorization URL to redirect the end user to, with or
// without an established state value.
type AuthURL struct {
	url   string
	state string
}

// URL returns the provider's authorization endpoint URL, query included.
func (u AuthURL) URL() string { return u.url }

// State returns the state embedded in the URL. ok is false when state was
// suppressed, in which case the URL carries no state parameter.
func (u AuthURL) State() (state string, ok bool) { return u.state, u.state != "" }

// GetAuthorizationURL builds the authorization URL with response_type=code,
// the configured client id, redirect URI and space-joined scopes, plus any
// ExtraAuthParams. State handling follows the options; see WithState and
// WithoutState. Fails with ErrNotInitialized before Init.
func (a *Adapter) GetAuthorizationURL(opts ...AuthURLOption) (AuthURL, error) {
	relying, err := a.ready()
	if err != nil {
		return AuthURL{}, err
	}
	var o authURLOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := o.state
	if !o.explicit {
		state = randB64(32)
	}
	urlOpts := make([]rp.AuthURLOpt, 0, len(a.cfg.ExtraAuthParams))
	for k, v := range a.cfg.ExtraAuthParams {
		urlOpts = append(urlOpts, rp.AuthURLOpt(rp.WithURLParam(k, v)))
	}
	return AuthURL{url: rp.AuthURL(state, relying, urlOpts...), state: state}, nil
}

// ValidateCallback redeems the authorization code, fetches user-info, and
// resolves the (oidc, sub) key against the store. Comparing the returned
// state with the stored one happens before this call, on the caller's side.
// A store lookup reporting keystore.ErrKeyNotFound becomes a nil
// ExistingUser; every other failure is returned unchanged.
func (a *Adapter) ValidateCallback(ctx context.Context, code string) (*Session, error) {
	relying, err := a.ready()
	if err != nil {
		return nil, err
	}
	tokens, err := exchangeCode(ctx, relying, code, a.cfg.ExtraTokenParams)
	if err != nil {
		return nil, err
	}
	info, err := rp.Userinfo(tokens.AccessToken, tokens.TokenType, tokens.IDTokenClaims.GetSubject(), relying)
	if err != nil {
		return nil, err
	}
	key := keystore.KeyID{ProviderID: ProviderID, ProviderUserID: info.Subject}
	existing, err := a.store.GetKeyUser(ctx, key)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		existing = nil
	} else if err != nil {
		return nil, err
	}
	return &Session{
		ExistingUser: existing,
		ProviderUser: info,
		Tokens:       tokens,
		key:          key,
		store:        a.store,
	}, nil
}
