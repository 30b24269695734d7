package oidckit

import (
	"context"
	"errors"

	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"github.com/zitadel/oidc/v2/pkg/oidc"
	"golang.org/x/oauth2"
)

// exchangeCode redeems an authorization code at the token endpoint and
// verifies the ID token that came back. The redirect URI bound to the
// relying party's OAuth2 config rides along with the exchange; the provider
// is the party that enforces it matches the authorization request. Errors
// from the exchange and from verification surface unchanged so callers see
// exactly what the protocol library reported.
func exchangeCode(ctx context.Context, relying rp.RelyingParty, code string, extraParams map[string]string) (*oidc.Tokens[*oidc.IDTokenClaims], error) {
	var opts []oauth2.AuthCodeOption
	for k, v := range extraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	oauth2Token, err := relying.OAuthConfig().Exchange(ctx, code, opts...)
	if err != nil {
		return nil, err
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("no id_token in response")
	}

	idTokenClaims, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, rawIDToken, relying.IDTokenVerifier())
	if err != nil {
		return nil, err
	}

	return &oidc.Tokens[*oidc.IDTokenClaims]{
		Token:         oauth2Token,
		IDTokenClaims: idTokenClaims,
		IDToken:       rawIDToken,
	}, nil
}
