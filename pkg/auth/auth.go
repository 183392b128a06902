// Package auth validates bearer tokens against an external identity
// provider's JWKS endpoint and exposes the resulting claims to request
// handlers. When no provider is configured the middleware falls back to
// a development identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken is returned when a token cannot be validated.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the validated token claims the API cares about.
type Claims struct {
	// Subject is the user id (sub claim) every task is keyed on.
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`

	// Custom carries provider-specific claims not extracted above.
	Custom map[string]any `json:"-"`
}

// Validator checks bearer tokens. JWKS keys are cached and refreshed in
// the background to handle provider key rotation.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewValidator registers the JWKS URL for auto-refresh and performs an
// initial fetch so misconfiguration fails at startup, not on the first
// request.
func NewValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &Validator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Validate parses the token, verifying signature, expiry, issuer, and
// audience.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	standard := map[string]bool{
		"sub": true, "email": true, "role": true,
		"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok || standard[key] {
			continue
		}
		claims.Custom[key] = pair.Value
	}

	return claims, nil
}
