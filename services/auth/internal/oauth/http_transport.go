package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/carlossalguero/authentiq/services/auth/internal/circuitbreaker"
)

// maxBodySize matches the limit x/oauth2 applies to token responses.
const maxBodySize = 1 << 20

// Config describes the OAuth 2.0 client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// OAuth2Config builds the x/oauth2 configuration. Client credentials are
// sent in the request body.
func (c Config) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the authorization redirect URL for state with params
// added to the query. Scopes are joined by a single space.
func (c Config) AuthCodeURL(state string, params map[string]string) string {
	return c.OAuth2Config().AuthCodeURL(state, authParams(params)...)
}

// TransportConfig holds HTTPTransport settings.
type TransportConfig struct {
	// Timeout bounds each provider request.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	CircuitBreaker circuitbreaker.Config `mapstructure:"circuit_breaker"`
}

// DefaultTransportConfig returns transport settings with sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:        10 * time.Second,
		RateLimit:      20,
		Burst:          10,
		CircuitBreaker: circuitbreaker.DefaultConfig(),
	}
}

// RequestObserver is told about every provider request. status is the HTTP
// status, or 0 when no response was received.
type RequestObserver func(endpoint string, status int, duration time.Duration, err error)

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the client used for provider requests.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithRequestObserver registers a callback for provider requests.
func WithRequestObserver(fn RequestObserver) TransportOption {
	return func(t *HTTPTransport) {
		t.observe = fn
	}
}

// HTTPTransport is the default Transport, built on x/oauth2. It rate limits
// outbound requests and guards each endpoint with a circuit breaker. It never
// retries.
type HTTPTransport struct {
	oauth    *oauth2.Config
	client   *http.Client
	limiter  *rate.Limiter
	breakers *circuitbreaker.Registry
	observe  RequestObserver
}

// NewHTTPTransport creates a transport for the given client registration.
func NewHTTPTransport(cfg Config, tcfg TransportConfig, opts ...TransportOption) *HTTPTransport {
	breakerCfg := tcfg.CircuitBreaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isOutage
	}

	t := &HTTPTransport{
		oauth:    cfg.OAuth2Config(),
		client:   &http.Client{Timeout: tcfg.Timeout},
		breakers: circuitbreaker.NewRegistry(breakerCfg),
	}
	if tcfg.RateLimit > 0 {
		burst := tcfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(tcfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Breakers exposes the per-endpoint circuit breakers.
func (t *HTTPTransport) Breakers() *circuitbreaker.Registry {
	return t.breakers
}

// ExchangeCode implements Transport.
func (t *HTTPTransport) ExchangeCode(ctx context.Context, code string, params map[string]string) (*TokenResponse, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	rec := &recorder{base: t.client.Transport}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: rec,
		Timeout:   t.client.Timeout,
	})

	start := time.Now()
	var (
		token *oauth2.Token
		resp  *TokenResponse
	)
	err := t.breakers.Get(EndpointToken).Execute(ctx, func(ctx context.Context) error {
		var err error
		token, err = t.oauth.Exchange(ctx, code, authParams(params)...)
		if err == nil {
			return nil
		}

		// x/oauth2 rejects 2xx bodies without an access token or with an
		// error field; the caller decides what those mean.
		if rec.status >= 200 && rec.status < 300 {
			resp = &TokenResponse{Params: parseParams(rec.body)}
			return nil
		}

		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return &HTTPError{StatusCode: re.Response.StatusCode, Body: re.Body}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("token request: %w", ctxErr)
		}
		return err
	})
	t.report(EndpointToken, rec.status, start, err)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}

	resp = &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Params:       parseParams(rec.body),
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp, nil
}

// AuthenticatedGet implements Transport.
func (t *HTTPTransport) AuthenticatedGet(ctx context.Context, url, accessToken string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(req)

	start := time.Now()
	status := 0
	var body []byte
	err = t.breakers.Get(EndpointUserInfo).Execute(ctx, func(ctx context.Context) error {
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		if status < 200 || status >= 300 {
			return &HTTPError{StatusCode: status, Body: body}
		}
		return nil
	})
	t.report(EndpointUserInfo, status, start, err)
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (t *HTTPTransport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("waiting for rate limiter: %w", ctxErr)
		}
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

func (t *HTTPTransport) report(endpoint string, status int, start time.Time, err error) {
	if t.observe != nil {
		t.observe(endpoint, status, time.Since(start), err)
	}
}

// isOutage reports whether err means the endpoint is unhealthy. Provider
// rejections (4xx) and cancellations do not count.
func isOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return true
}

// authParams converts extra parameters into options in a stable order.
func authParams(params map[string]string) []oauth2.AuthCodeOption {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]oauth2.AuthCodeOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, params[k]))
	}
	return opts
}

// recorder keeps the status and body of the last response so that bodies
// x/oauth2 refuses to turn into a token can still be reported.
type recorder struct {
	base   http.RoundTripper
	status int
	body   []byte
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	base := r.base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	r.status = resp.StatusCode
	r.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
