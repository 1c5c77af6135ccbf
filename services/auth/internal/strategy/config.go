package strategy

import (
	"net/url"
	"strings"
	"time"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// Provider defaults.
const (
	DefaultAuthorizationURL = "https://connect.authentiq.io/authorize"
	DefaultTokenURL         = "https://connect.authentiq.io/token"
	DefaultUserProfileURL   = "https://connect.authentiq.io/userinfo"
	DefaultIssuer           = "https://connect.authentiq.io/"
	DefaultAlgorithm        = "HS256"

	// ScopeOpenID is required for the provider to issue an identity token.
	ScopeOpenID = "openid"
)

// Config holds the strategy configuration. It is read-only once New returns.
type Config struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	CallbackURL  string `mapstructure:"callback_url"`

	// Scope is an ordered set of permissions such as aq:name, email, phone,
	// address, aq:location and aq:push.
	Scope []string `mapstructure:"scope"`

	AuthorizationURL string `mapstructure:"authorization_url"`
	TokenURL         string `mapstructure:"token_url"`
	UserProfileURL   string `mapstructure:"user_profile_url"`

	Algorithms     []string      `mapstructure:"algorithms"`
	Issuer         string        `mapstructure:"issuer"`
	ClockTolerance time.Duration `mapstructure:"clock_tolerance"`

	// VerificationKeyPath is a PEM public key for asymmetric algorithms.
	VerificationKeyPath string `mapstructure:"verification_key_path"`
	// JWKSURL switches identity token verification to a remote key set.
	JWKSURL string `mapstructure:"jwks_url"`
}

// DefaultConfig returns a config with every provider default filled in.
func DefaultConfig() Config {
	return Config{
		Scope:            []string{ScopeOpenID},
		AuthorizationURL: DefaultAuthorizationURL,
		TokenURL:         DefaultTokenURL,
		UserProfileURL:   DefaultUserProfileURL,
		Algorithms:       []string{DefaultAlgorithm},
		Issuer:           DefaultIssuer,
	}
}

// ApplyDefaults fills unset fields with provider defaults and normalizes the
// scope list.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.AuthorizationURL == "" {
		c.AuthorizationURL = defaults.AuthorizationURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaults.TokenURL
	}
	if c.UserProfileURL == "" {
		c.UserProfileURL = defaults.UserProfileURL
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = defaults.Algorithms
	}
	if c.Issuer == "" {
		c.Issuer = defaults.Issuer
	}
	if c.ClockTolerance < 0 {
		c.ClockTolerance = 0
	}

	c.Scope = normalizeScope(c.Scope)
}

// Validate checks required fields and endpoint URLs.
func (c Config) Validate() error {
	switch {
	case c.ClientID == "":
		return errors.InvalidInput("client id is required")
	case c.ClientSecret == "":
		return errors.InvalidInput("client secret is required")
	case c.CallbackURL == "":
		return errors.InvalidInput("callback url is required")
	}

	endpoints := []struct{ name, raw string }{
		{"callback url", c.CallbackURL},
		{"authorization url", c.AuthorizationURL},
		{"token url", c.TokenURL},
		{"user profile url", c.UserProfileURL},
	}
	if c.JWKSURL != "" {
		endpoints = append(endpoints, struct{ name, raw string }{"jwks url", c.JWKSURL})
	}
	for _, ep := range endpoints {
		u, err := url.Parse(ep.raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.InvalidInput(ep.name + " must be an absolute URL").WithDetails(ep.raw)
		}
	}

	return nil
}

// normalizeScope splits space separated entries, drops duplicates while
// keeping first-seen order, and appends openid when it is missing.
func normalizeScope(scope []string) []string {
	seen := make(map[string]struct{}, len(scope)+1)
	out := make([]string, 0, len(scope)+1)

	for _, entry := range scope {
		for _, s := range strings.Fields(entry) {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	if _, ok := seen[ScopeOpenID]; !ok {
		out = append(out, ScopeOpenID)
	}
	return out
}
