// Package jwt verifies Authentiq identity tokens and returns their claims.
package jwt

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// Config holds identity token verification settings.
type Config struct {
	// Algorithms lists the accepted "alg" header values, e.g. HS256.
	Algorithms []string
	Issuer     string
	// Audience is the client id the token must be issued to.
	Audience       string
	ClockTolerance time.Duration

	// Secret verifies HMAC algorithms.
	Secret []byte
	// PublicKey verifies RSA, RSA-PSS, ECDSA and EdDSA algorithms.
	PublicKey crypto.PublicKey
}

// Option configures a Verifier.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for exp and nbf checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Verifier checks identity tokens locally with a shared secret or a
// configured public key.
type Verifier struct {
	secret    []byte
	publicKey crypto.PublicKey
	parser    *jwt.Parser
}

// NewVerifier creates a verifier. Every configured algorithm must have key
// material: the secret for HS*, the public key for the rest.
func NewVerifier(cfg Config, opts ...Option) (*Verifier, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Algorithms) == 0 {
		return nil, errors.InvalidInput("at least one signing algorithm is required")
	}
	for _, alg := range cfg.Algorithms {
		if jwt.GetSigningMethod(alg) == nil || alg == "none" {
			return nil, errors.InvalidInput(fmt.Sprintf("unsupported signing algorithm %q", alg))
		}
		if IsSymmetric(alg) && len(cfg.Secret) == 0 {
			return nil, errors.InvalidInput(fmt.Sprintf("algorithm %s requires a client secret", alg))
		}
		if !IsSymmetric(alg) && cfg.PublicKey == nil {
			return nil, errors.InvalidInput(fmt.Sprintf("algorithm %s requires a verification key", alg))
		}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockTolerance),
		jwt.WithTimeFunc(o.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	return &Verifier{
		secret:    cfg.Secret,
		publicKey: cfg.PublicKey,
		parser:    jwt.NewParser(parserOpts...),
	}, nil
}

// Verify checks the signature and registered claims of raw and returns the
// decoded payload.
func (v *Verifier) Verify(_ context.Context, raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		return nil, errors.TokenVerification(err)
	}
	if !token.Valid {
		return nil, errors.TokenVerification(jwt.ErrTokenSignatureInvalid)
	}

	return map[string]any(claims), nil
}

// KeyFingerprint returns the fingerprint of the configured public key, or
// an empty string when the verifier only holds a shared secret.
func (v *Verifier) KeyFingerprint() (string, error) {
	if v.publicKey == nil {
		return "", nil
	}
	return KeyFingerprint(v.publicKey)
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return v.secret, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		return v.publicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// IsSymmetric reports whether alg is an HMAC algorithm verified with the
// client secret.
func IsSymmetric(alg string) bool {
	return strings.HasPrefix(alg, "HS")
}
