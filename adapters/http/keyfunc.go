package authhttp

import (
	"context"

	"github.com/MicahParks/keyfunc/v3"
	jwt "github.com/golang-jwt/jwt/v5"
)

// JWKSKeyfunc resolves link-token signing keys from a remote JWKS endpoint,
// refreshing in the background until ctx is canceled. Hand the result to
// WithLinkKeyfunc when the host publishes its keys over HTTP.
func JWKSKeyfunc(ctx context.Context, jwksURL string) (jwt.Keyfunc, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, err
	}
	return k.Keyfunc, nil
}
