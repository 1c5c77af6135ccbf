// Package strategy authenticates users against Authentiq: it exchanges an
// authorization code, obtains claims from the identity token or the user-info
// endpoint, and returns a normalized profile.
package strategy

import (
	"context"

	"github.com/carlossalguero/authentiq/services/auth/internal/jwt"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/auth/internal/profile"
	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// Name identifies the provider on every profile.
const Name = "authentiq"

// Verifier validates an identity token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, raw string) (map[string]any, error)
}

// ParamsFunc derives extra request parameters from per-request options.
type ParamsFunc func(options map[string]string) map[string]string

// Option configures a Strategy.
type Option func(*Strategy)

// WithTransport replaces the default x/oauth2 transport.
func WithTransport(t oauth.Transport) Option {
	return func(s *Strategy) {
		s.transport = t
	}
}

// WithVerifier replaces the verifier derived from the config.
func WithVerifier(v Verifier) Option {
	return func(s *Strategy) {
		s.verifier = v
	}
}

// WithObserver reports state transitions of every attempt to o.
func WithObserver(o Observer) Option {
	return func(s *Strategy) {
		s.observer = o
	}
}

// WithAuthorizationParams sets the extra parameters of the authorization
// redirect.
func WithAuthorizationParams(fn ParamsFunc) Option {
	return func(s *Strategy) {
		s.authorizationParams = fn
	}
}

// WithTokenParams sets the extra parameters of the token request.
func WithTokenParams(fn ParamsFunc) Option {
	return func(s *Strategy) {
		s.tokenParams = fn
	}
}

// Strategy is safe for concurrent use; nothing in it changes after New.
type Strategy struct {
	cfg      Config
	oauthCfg oauth.Config

	transport oauth.Transport
	verifier  Verifier
	observer  Observer
	exchanger *oauth.Exchanger
	fetcher   *oauth.UserInfoFetcher

	authorizationParams ParamsFunc
	tokenParams         ParamsFunc
}

// Result is a completed attempt: the profile and the tokens it came from.
type Result struct {
	Profile *profile.Profile
	Tokens  *oauth.TokenBundle
}

// New validates cfg, fills provider defaults, and builds a strategy.
func New(cfg Config, opts ...Option) (*Strategy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Strategy{
		cfg: cfg,
		oauthCfg: oauth.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			AuthURL:      cfg.AuthorizationURL,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scope,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.authorizationParams == nil {
		s.authorizationParams = emptyParams
	}
	if s.tokenParams == nil {
		s.tokenParams = emptyParams
	}
	if s.transport == nil {
		s.transport = oauth.NewHTTPTransport(s.oauthCfg, oauth.DefaultTransportConfig())
	}
	if s.verifier == nil {
		v, err := NewVerifier(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}

	s.exchanger = oauth.NewExchanger(s.transport)
	s.fetcher = oauth.NewUserInfoFetcher(s.transport, cfg.UserProfileURL)

	return s, nil
}

// NewVerifier builds the identity token verifier described by cfg: a remote
// key set when JWKSURL is set, otherwise the client secret and the optional
// PEM key. Audience is always the client id.
func NewVerifier(ctx context.Context, cfg Config, opts ...jwt.Option) (Verifier, error) {
	jcfg := jwt.Config{
		Algorithms:     cfg.Algorithms,
		Issuer:         cfg.Issuer,
		Audience:       cfg.ClientID,
		ClockTolerance: cfg.ClockTolerance,
		Secret:         []byte(cfg.ClientSecret),
	}

	if cfg.JWKSURL != "" {
		v, err := jwt.NewRemoteVerifier(ctx, jcfg, cfg.JWKSURL, opts...)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	if cfg.VerificationKeyPath != "" {
		key, err := jwt.LoadPublicKey(cfg.VerificationKeyPath)
		if err != nil {
			return nil, errors.Wrap(errors.CodeInvalidInput, "loading verification key", err)
		}
		jcfg.PublicKey = key
	}

	v, err := jwt.NewVerifier(jcfg, opts...)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Name returns the provider identifier.
func (s *Strategy) Name() string {
	return Name
}

// Config returns the effective configuration.
func (s *Strategy) Config() Config {
	return s.cfg
}

// AuthorizationURL returns the provider redirect for state, carrying the
// configured scopes and the authorization parameters derived from options.
func (s *Strategy) AuthorizationURL(state string, options map[string]string) string {
	return s.oauthCfg.AuthCodeURL(state, s.authorizationParams(options))
}

// Authenticate runs one attempt for code and returns the user's profile.
func (s *Strategy) Authenticate(ctx context.Context, code string, options map[string]string) (*profile.Profile, error) {
	res, err := s.AuthenticateTokens(ctx, code, options)
	if err != nil {
		return nil, err
	}
	return res.Profile, nil
}

// AuthenticateTokens is Authenticate that also returns the token bundle.
// No step is retried: authorization codes are single use.
func (s *Strategy) AuthenticateTokens(ctx context.Context, code string, options map[string]string) (*Result, error) {
	a := &attempt{ctx: ctx, state: StateStart, observer: s.observer}

	if code == "" {
		return nil, a.fail(errors.InvalidInput("authorization code is required"))
	}

	a.enter(StateExchanging)
	tokens, err := s.exchanger.Exchange(ctx, code, s.tokenParams(options))
	if err != nil {
		return nil, a.fail(err)
	}

	var claims map[string]any
	if tokens.HasIDToken() {
		// A token that fails verification is never replaced by user-info.
		a.enter(StateVerifying)
		claims, err = s.verifier.Verify(ctx, tokens.IDToken)
		if err != nil {
			return nil, a.fail(asVerificationError(err))
		}
	} else {
		a.enter(StateFetchingUserInfo)
		claims, err = s.fetcher.Fetch(ctx, tokens.AccessToken)
		if err != nil {
			return nil, a.fail(err)
		}
	}

	a.enter(StateNormalizing)
	p, err := profile.Parse(claims)
	if err != nil {
		return nil, a.fail(errors.ProfileParseFailed(err))
	}
	p.Provider = Name

	a.enter(StateDone)
	return &Result{Profile: p, Tokens: tokens}, nil
}

// asVerificationError keeps coded errors and wraps anything else returned by
// a custom verifier.
func asVerificationError(err error) error {
	var e *errors.Error
	if errors.As(err, &e) {
		return err
	}
	return errors.TokenVerification(err)
}

func emptyParams(map[string]string) map[string]string {
	return map[string]string{}
}
