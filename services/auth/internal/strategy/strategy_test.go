package strategy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/shared/errors"
)

const (
	testClientID     = "client-123"
	testClientSecret = "secret-456"
)

type fakeTransport struct {
	mu sync.Mutex

	tokenResp *oauth.TokenResponse
	tokenErr  error
	userBody  []byte
	userErr   error

	exchangeCalls int
	userInfoCalls int
	gotParams     map[string]string
	gotURL        string
	gotToken      string
}

func (f *fakeTransport) ExchangeCode(_ context.Context, _ string, params map[string]string) (*oauth.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	f.gotParams = params
	return f.tokenResp, f.tokenErr
}

func (f *fakeTransport) AuthenticatedGet(_ context.Context, url, accessToken string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfoCalls++
	f.gotURL = url
	f.gotToken = accessToken
	return f.userBody, f.userErr
}

func (f *fakeTransport) userInfoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userInfoCalls
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recorder) OnTransition(_ context.Context, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) visited(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transitions {
		if strings.HasSuffix(t, "->"+s.String()) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		CallbackURL:  "https://app.example.com/auth/authentiq/callback",
		Scope:        []string{"aq:name", "email"},
	}
}

func idToken(t *testing.T, claims gojwt.MapClaims, secret string) string {
	t.Helper()
	base := gojwt.MapClaims{
		"iss": DefaultIssuer,
		"aud": testClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	raw, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, base).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func newTestStrategy(t *testing.T, ft *fakeTransport, opts ...Option) (*Strategy, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := New(testConfig(), append([]Option{WithTransport(ft), WithObserver(rec)}, opts...)...)
	require.NoError(t, err)
	return s, rec
}

func TestAuthenticate_IdentityToken(t *testing.T) {
	ft := &fakeTransport{tokenResp: &oauth.TokenResponse{
		AccessToken: "AT1",
		IDToken:     idToken(t, gojwt.MapClaims{"sub": 42, "email": "a@b.com"}, testClientSecret),
	}}
	s, rec := newTestStrategy(t, ft)

	p, err := s.Authenticate(context.Background(), "code-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "42", p.ID)
	assert.Equal(t, "a@b.com", p.Email)
	assert.Equal(t, Name, p.Provider)
	assert.Empty(t, p.Name)
	assert.Zero(t, ft.userInfoCount())
	assert.Equal(t, []string{
		"start->exchanging",
		"exchanging->verifying",
		"verifying->normalizing",
		"normalizing->done",
	}, rec.transitions)
}

func TestAuthenticate_UserInfo(t *testing.T) {
	ft := &fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT2"},
		userBody:  []byte(`{"sub":"7","name":"X"}`),
	}
	s, rec := newTestStrategy(t, ft)

	res, err := s.AuthenticateTokens(context.Background(), "code-2", nil)
	require.NoError(t, err)

	assert.Equal(t, "7", res.Profile.ID)
	assert.Equal(t, "X", res.Profile.Name)
	assert.Equal(t, Name, res.Profile.Provider)
	assert.Empty(t, res.Profile.Email)
	assert.Equal(t, "AT2", res.Tokens.AccessToken)

	assert.Equal(t, "AT2", ft.gotToken)
	assert.Equal(t, DefaultUserProfileURL, ft.gotURL)
	assert.Equal(t, []string{
		"start->exchanging",
		"exchanging->fetching_user_info",
		"fetching_user_info->normalizing",
		"normalizing->done",
	}, rec.transitions)
}

func TestAuthenticate_MissingAccessToken(t *testing.T) {
	ft := &fakeTransport{tokenResp: &oauth.TokenResponse{Params: map[string]any{}}}
	s, rec := newTestStrategy(t, ft)

	_, err := s.Authenticate(context.Background(), "code-3", nil)

	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.CodeMissingToken, e.Code)
	assert.Equal(t, "{}", e.Details)
	assert.Zero(t, ft.userInfoCount())
	assert.Equal(t, []string{"start->exchanging", "exchanging->failed"}, rec.transitions)
}

func TestAuthenticate_TamperedIdentityToken(t *testing.T) {
	raw := idToken(t, gojwt.MapClaims{"sub": "u-1"}, testClientSecret)
	tampered := raw[:len(raw)-4] + "AAAA"
	if tampered == raw {
		tampered = raw[:len(raw)-4] + "BBBB"
	}

	ft := &fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT", IDToken: tampered},
		userBody:  []byte(`{"sub":"u-1"}`),
	}
	s, rec := newTestStrategy(t, ft)

	_, err := s.Authenticate(context.Background(), "code", nil)

	assert.True(t, errors.IsCode(err, errors.CodeTokenVerification))
	assert.True(t, rec.visited(StateFailed))
	assert.False(t, rec.visited(StateFetchingUserInfo))
	assert.Zero(t, ft.userInfoCount())
}

func TestAuthenticate_ExpiredIdentityToken(t *testing.T) {
	raw := idToken(t, gojwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, testClientSecret)

	ft := &fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT", IDToken: raw},
		userBody:  []byte(`{"sub":"u-1"}`),
	}
	s, _ := newTestStrategy(t, ft)

	_, err := s.Authenticate(context.Background(), "code", nil)

	assert.True(t, errors.IsCode(err, errors.CodeTokenVerification))
	assert.ErrorIs(t, err, gojwt.ErrTokenExpired)
	assert.Zero(t, ft.userInfoCount())
}

func TestAuthenticate_ClockTolerance(t *testing.T) {
	raw := idToken(t, gojwt.MapClaims{
		"sub": "u-1",
		"exp": time.Now().Add(-10 * time.Second).Unix(),
	}, testClientSecret)

	cfg := testConfig()
	cfg.ClockTolerance = time.Minute
	s, err := New(cfg, WithTransport(&fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT", IDToken: raw},
	}))
	require.NoError(t, err)

	p, err := s.Authenticate(context.Background(), "code", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.ID)
}

func TestAuthenticate_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("empty code", func(t *testing.T) {
		ft := &fakeTransport{}
		s, rec := newTestStrategy(t, ft)

		_, err := s.Authenticate(ctx, "", nil)
		assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))
		assert.Equal(t, []string{"start->failed"}, rec.transitions)
		assert.Zero(t, ft.exchangeCalls)
	})

	t.Run("exchange failure", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		s, _ := newTestStrategy(t, &fakeTransport{tokenErr: cause})

		_, err := s.Authenticate(ctx, "code", nil)
		assert.True(t, errors.IsCode(err, errors.CodeExchangeFailed))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("user-info api error", func(t *testing.T) {
		s, rec := newTestStrategy(t, &fakeTransport{
			tokenResp: &oauth.TokenResponse{AccessToken: "AT"},
			userErr:   &oauth.HTTPError{StatusCode: 403, Body: []byte(`{"message":"scope not granted"}`)},
		})

		_, err := s.Authenticate(ctx, "code", nil)

		var e *errors.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, errors.CodeAPIError, e.Code)
		assert.Equal(t, "scope not granted", e.Message)
		assert.Equal(t, 403, e.HTTPStatusCode())
		assert.Equal(t, "fetching_user_info->failed", rec.transitions[len(rec.transitions)-1])
	})

	t.Run("user-info parse failure", func(t *testing.T) {
		s, _ := newTestStrategy(t, &fakeTransport{
			tokenResp: &oauth.TokenResponse{AccessToken: "AT"},
			userBody:  []byte(`not json`),
		})

		_, err := s.Authenticate(ctx, "code", nil)
		assert.True(t, errors.IsCode(err, errors.CodeProfileParseFailed))
	})

	t.Run("missing subject", func(t *testing.T) {
		s, rec := newTestStrategy(t, &fakeTransport{
			tokenResp: &oauth.TokenResponse{AccessToken: "AT"},
			userBody:  []byte(`{"name":"X"}`),
		})

		_, err := s.Authenticate(ctx, "code", nil)
		assert.True(t, errors.IsCode(err, errors.CodeProfileParseFailed))
		assert.Equal(t, "normalizing->failed", rec.transitions[len(rec.transitions)-1])
	})

	t.Run("custom verifier error is wrapped", func(t *testing.T) {
		verifier := verifierFunc(func(context.Context, string) (map[string]any, error) {
			return nil, fmt.Errorf("bad signature")
		})
		s, _ := newTestStrategy(t, &fakeTransport{
			tokenResp: &oauth.TokenResponse{AccessToken: "AT", IDToken: "a.b.c"},
		}, WithVerifier(verifier))

		_, err := s.Authenticate(ctx, "code", nil)
		assert.True(t, errors.IsCode(err, errors.CodeTokenVerification))
	})
}

type verifierFunc func(ctx context.Context, raw string) (map[string]any, error)

func (f verifierFunc) Verify(ctx context.Context, raw string) (map[string]any, error) {
	return f(ctx, raw)
}

func TestAuthenticate_TokenParams(t *testing.T) {
	ft := &fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT"},
		userBody:  []byte(`{"sub":"1"}`),
	}
	s, _ := newTestStrategy(t, ft, WithTokenParams(func(options map[string]string) map[string]string {
		return map[string]string{"code_verifier": options["verifier"]}
	}))

	_, err := s.Authenticate(context.Background(), "code", map[string]string{"verifier": "v-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"code_verifier": "v-1"}, ft.gotParams)

	s, _ = newTestStrategy(t, ft)
	_, err = s.Authenticate(context.Background(), "code", map[string]string{"verifier": "v-1"})
	require.NoError(t, err)
	assert.Empty(t, ft.gotParams)
}

func TestAuthenticate_Concurrent(t *testing.T) {
	ft := &fakeTransport{
		tokenResp: &oauth.TokenResponse{AccessToken: "AT"},
		userBody:  []byte(`{"sub":"1","email":"a@b.com"}`),
	}
	s, err := New(testConfig(), WithTransport(ft))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Authenticate(context.Background(), fmt.Sprintf("code-%d", i), nil)
			if err == nil && p.ID != "1" {
				err = fmt.Errorf("unexpected id %q", p.ID)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 20, ft.userInfoCount())
}

func TestAuthorizationURL(t *testing.T) {
	s, err := New(testConfig(),
		WithTransport(&fakeTransport{}),
		WithAuthorizationParams(func(options map[string]string) map[string]string {
			return map[string]string{"prompt": options["prompt"]}
		}),
	)
	require.NoError(t, err)

	u, err := url.Parse(s.AuthorizationURL("state-1", map[string]string{"prompt": "login"}))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "connect.authentiq.io", u.Host)
	assert.Equal(t, "aq:name email openid", q.Get("scope"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "login", q.Get("prompt"))
	assert.Equal(t, "authentiq", s.Name())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"missing client secret", func(c *Config) { c.ClientSecret = "" }},
		{"missing callback", func(c *Config) { c.CallbackURL = "" }},
		{"relative callback", func(c *Config) { c.CallbackURL = "/callback" }},
		{"bad token url", func(c *Config) { c.TokenURL = "connect.authentiq.io/token" }},
		{"rsa without key", func(c *Config) { c.Algorithms = []string{"RS256"} }},
		{"missing key file", func(c *Config) {
			c.Algorithms = []string{"RS256"}
			c.VerificationKeyPath = "/nonexistent/authentiq.pem"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			_, err := New(cfg, WithTransport(&fakeTransport{}))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Scope: []string{"email", "aq:name email", "", "email"}}
	cfg.ApplyDefaults()

	assert.Equal(t, []string{"email", "aq:name", "openid"}, cfg.Scope)
	assert.Equal(t, DefaultAuthorizationURL, cfg.AuthorizationURL)
	assert.Equal(t, DefaultTokenURL, cfg.TokenURL)
	assert.Equal(t, DefaultUserProfileURL, cfg.UserProfileURL)
	assert.Equal(t, []string{"HS256"}, cfg.Algorithms)
	assert.Equal(t, DefaultIssuer, cfg.Issuer)
	assert.Zero(t, cfg.ClockTolerance)

	keep := Config{Scope: []string{"openid", "phone"}, TokenURL: "https://idp.example.com/token"}
	keep.ApplyDefaults()
	assert.Equal(t, []string{"openid", "phone"}, keep.Scope)
	assert.Equal(t, "https://idp.example.com/token", keep.TokenURL)
}

func TestState(t *testing.T) {
	assert.Equal(t, "fetching_user_info", StateFetchingUserInfo.String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateNormalizing.Terminal())

	rec := &recorder{}
	a := &attempt{ctx: context.Background(), observer: rec}
	a.enter(StateExchanging)
	_ = a.fail(fmt.Errorf("boom"))
	a.enter(StateDone)
	assert.Equal(t, []string{"start->exchanging", "exchanging->failed"}, rec.transitions)
}
