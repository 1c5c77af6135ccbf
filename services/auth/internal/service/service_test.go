package service

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/carlossalguero/authentiq/services/auth/internal/circuitbreaker"
	"github.com/carlossalguero/authentiq/services/auth/internal/guard"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/auth/internal/strategy"
	apperrors "github.com/carlossalguero/authentiq/services/shared/errors"
	"github.com/carlossalguero/authentiq/services/shared/events"
	"github.com/carlossalguero/authentiq/services/shared/logger"
	"github.com/carlossalguero/authentiq/services/shared/metrics"
	"github.com/carlossalguero/authentiq/services/shared/tracing"
)

// fakeTransport serves a provider without an id token, so every login goes
// through the user-info endpoint.
type fakeTransport struct {
	exchangeErr error
	userInfo    string
	exchanges   int
}

func (f *fakeTransport) ExchangeCode(_ context.Context, code string, _ map[string]string) (*oauth.TokenResponse, error) {
	f.exchanges++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth.TokenResponse{
		AccessToken: "at-" + code,
		Params:      map[string]any{"access_token": "at-" + code},
	}, nil
}

func (f *fakeTransport) AuthenticatedGet(context.Context, string, string) ([]byte, error) {
	return []byte(f.userInfo), nil
}

type harness struct {
	svc       *Service
	transport *fakeTransport
	metrics   *metrics.Metrics
	events    *events.Recorder
	spans     *tracetest.SpanRecorder
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, withGuard bool) *harness {
	t.Helper()

	m := metrics.New(metrics.Config{})
	ft := &fakeTransport{userInfo: `{"sub":"user-1","email":"u@example.com"}`}

	strat, err := strategy.New(strategy.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		CallbackURL:  "https://app.example.com/callback",
	}, strategy.WithTransport(ft), strategy.WithObserver(NewTransitionObserver(m)))
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	var logs bytes.Buffer
	rec := &events.Recorder{}

	cfg := Config{
		Strategy: strat,
		Events:   rec,
		Metrics:  m,
		Tracer:   tracing.NewProvider(tp, "test"),
		Logger:   logger.New(logger.Config{Level: "debug", Output: &logs}),
	}
	if withGuard {
		g, err := guard.New(guard.NewMemoryStore(), guard.Config{Secret: "k"})
		require.NoError(t, err)
		cfg.Guard = g
	}

	svc, err := New(cfg)
	require.NoError(t, err)

	return &harness{svc: svc, transport: ft, metrics: m, events: rec, spans: spans, logs: &logs}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNew_RequiresStrategy(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}

func TestNew_MinimalConfig(t *testing.T) {
	ft := &fakeTransport{userInfo: `{"sub":"user-2"}`}
	strat, err := strategy.New(strategy.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		CallbackURL:  "https://app.example.com/callback",
	}, strategy.WithTransport(ft))
	require.NoError(t, err)

	svc, err := New(Config{Strategy: strat})
	require.NoError(t, err)
	require.NotNil(t, svc.tracer)

	res, err := svc.Login(context.Background(), "code-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-2", res.Profile.ID)

	_, err = svc.Login(context.Background(), "", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}

func TestService_Login_Success(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.svc.Login(context.Background(), "code-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "user-1", res.Profile.ID)
	assert.Equal(t, "authentiq", res.Profile.Provider)
	assert.Equal(t, "at-code-1", res.Tokens.AccessToken)

	reg := h.metrics.Registry()
	assert.Equal(t, 1.0, counterValue(t, reg, "authentiq_auth_attempts_total",
		map[string]string{"provider": "authentiq", "outcome": metrics.OutcomeSuccess}))
	assert.Equal(t, 1.0, counterValue(t, reg, "authentiq_auth_state_transitions_total",
		map[string]string{"from": "exchanging", "to": "fetching_user_info"}))

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventLoginSucceeded, evs[0].Type)
	assert.Equal(t, "user-1", evs[0].Data["subject"])
	assert.NotEmpty(t, evs[0].TraceID)

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "authentiq.login", ended[0].Name())
	var states []string
	for _, ev := range ended[0].Events() {
		for _, attr := range ev.Attributes {
			if attr.Key == tracing.AttrState {
				states = append(states, attr.Value.AsString())
			}
		}
	}
	assert.Equal(t, []string{"exchanging", "fetching_user_info", "normalizing", "done"}, states)

	assert.Contains(t, h.logs.String(), "authentication succeeded")
	assert.Contains(t, h.logs.String(), `"attempt_id"`)
}

func TestService_Login_ErrorsUnchanged(t *testing.T) {
	h := newHarness(t, false)
	providerErr := apperrors.ExchangeFailed(errors.New("invalid_grant"))
	h.transport.exchangeErr = providerErr

	_, err := h.svc.Login(context.Background(), "code-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeExchangeFailed))

	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "authentiq_auth_attempts_total",
		map[string]string{"outcome": "EXCHANGE_FAILED"}))

	evs := h.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.EventLoginFailed, evs[0].Type)
	assert.Equal(t, "EXCHANGE_FAILED", evs[0].Data["code"])
	assert.Contains(t, h.logs.String(), "authentication failed")
}

func TestService_Login_EmptyCode(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.svc.Login(context.Background(), "", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
	assert.Zero(t, h.transport.exchanges)
}

func TestService_Login_ReplayRejected(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Login(ctx, "code-1", nil)
	require.NoError(t, err)

	_, err = h.svc.Login(ctx, "code-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
	assert.Equal(t, 1, h.transport.exchanges)

	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "authentiq_code_replays_rejected_total", nil))
}

func TestService_Login_EventFailureDoesNotFailLogin(t *testing.T) {
	h := newHarness(t, false)
	h.events.Err = errors.New("nats down")

	_, err := h.svc.Login(context.Background(), "code-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, h.metrics.Registry(), "authentiq_events_dropped_total", nil))
	assert.Contains(t, h.logs.String(), "publishing event failed")
}

func TestService_AuthorizationURL(t *testing.T) {
	h := newHarness(t, false)

	raw, state, err := h.svc.AuthorizationURL(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, state)
	assert.NotContains(t, state, "=")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, state, u.Query().Get("state"))
	assert.Equal(t, "client", u.Query().Get("client_id"))

	_, other, err := h.svc.AuthorizationURL(nil)
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestNewRequestObserver(t *testing.T) {
	m := metrics.New(metrics.Config{})
	var logs bytes.Buffer
	observe := NewRequestObserver(m, logger.New(logger.Config{Level: "debug", Output: &logs}))

	observe(oauth.EndpointToken, 200, time.Millisecond, nil)
	observe(oauth.EndpointUserInfo, 0, time.Millisecond, errors.New("dial tcp: refused"))

	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "authentiq_provider_requests_total",
		map[string]string{"endpoint": "token", "status": "200"}))
	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "authentiq_provider_requests_total",
		map[string]string{"endpoint": "userinfo", "status": "error"}))
	assert.Equal(t, 2, strings.Count(logs.String(), "\n"))
}

func TestNewBreakerObserver(t *testing.T) {
	m := metrics.New(metrics.Config{})
	observe := NewBreakerObserver(m, nil)

	observe("token", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	observe("token", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)

	assert.Equal(t, 1.0, counterValue(t, m.Registry(), "authentiq_circuit_breaker_trips_total",
		map[string]string{"endpoint": "token"}))
}
