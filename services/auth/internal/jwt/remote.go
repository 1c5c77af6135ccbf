package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// RemoteVerifier verifies asymmetric identity tokens against a provider JWKS
// document. Fetching the key set is its only network access; keys are cached
// by go-oidc and refreshed when an unknown kid appears.
//
// go-oidc checks the signature, issuer and audience. The time claims go
// through the same golang-jwt validation as Verifier, so exp and nbf honour
// the configured tolerance and nothing more.
type RemoteVerifier struct {
	verifier  *oidc.IDTokenVerifier
	validator *jwt.Validator
}

// NewRemoteVerifier creates a verifier backed by the key set at jwksURL.
// The context is used for key set fetches, so it should outlive the verifier.
func NewRemoteVerifier(ctx context.Context, cfg Config, jwksURL string, opts ...Option) (*RemoteVerifier, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if jwksURL == "" {
		return nil, errors.InvalidInput("jwks url is required")
	}
	if len(cfg.Algorithms) == 0 {
		return nil, errors.InvalidInput("at least one signing algorithm is required")
	}
	for _, alg := range cfg.Algorithms {
		if IsSymmetric(alg) {
			return nil, errors.InvalidInput(fmt.Sprintf("algorithm %s cannot be verified with a key set", alg))
		}
	}

	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
		ClientID:             cfg.Audience,
		SkipClientIDCheck:    cfg.Audience == "",
		SkipIssuerCheck:      cfg.Issuer == "",
		SupportedSigningAlgs: cfg.Algorithms,
		// go-oidc adds a fixed five minute skew to nbf; the validator below
		// applies ClockTolerance instead.
		SkipExpiryCheck: true,
	})

	validator := jwt.NewValidator(
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockTolerance),
		jwt.WithTimeFunc(o.now),
	)

	return &RemoteVerifier{verifier: verifier, validator: validator}, nil
}

// Verify checks raw against the remote key set and returns its claims.
func (v *RemoteVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	token, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		if cerr := errors.FromContext("fetching signing keys", err); cerr != nil {
			return nil, cerr
		}
		return nil, errors.TokenVerification(err)
	}

	var claims jwt.MapClaims
	if err := token.Claims(&claims); err != nil {
		return nil, errors.TokenVerification(err)
	}
	if err := v.validator.Validate(claims); err != nil {
		return nil, errors.TokenVerification(err)
	}

	return map[string]any(claims), nil
}
