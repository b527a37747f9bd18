package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Verifier checks the OIDC bearer token Pub/Sub attaches to push requests.
// JWKS keys are cached with background refresh so verification stays off the
// network on the hot path.
type Verifier struct {
	jwksURL  string
	audience string
	cache    *jwk.Cache
}

// NewVerifier builds a verifier for the given push audience. Call with the
// audience configured on the push subscription.
func NewVerifier(ctx context.Context, audience string) (*Verifier, error) {
	return newVerifier(ctx, googleJWKSURL, audience)
}

func newVerifier(ctx context.Context, jwksURL, audience string) (*Verifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}

	// Warm the cache so the first webhook does not pay the fetch.
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial jwks fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, audience: audience, cache: cache}, nil
}

// Verify validates the request's bearer token signature, expiry, issuer and
// audience.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) error {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	tok, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("parse push token: %w", err)
	}

	iss := tok.Issuer()
	if iss != "https://accounts.google.com" && iss != "accounts.google.com" {
		return fmt.Errorf("unexpected issuer %q", iss)
	}
	return nil
}
