// Package service runs Authentiq logins with replay protection, tracing,
// metrics, logging and events around the strategy.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/carlossalguero/authentiq/services/auth/internal/circuitbreaker"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/auth/internal/strategy"
	"github.com/carlossalguero/authentiq/services/shared/errors"
	"github.com/carlossalguero/authentiq/services/shared/events"
	"github.com/carlossalguero/authentiq/services/shared/logger"
	"github.com/carlossalguero/authentiq/services/shared/metrics"
	"github.com/carlossalguero/authentiq/services/shared/tracing"
)

// Authenticator is the strategy surface the service drives.
type Authenticator interface {
	Name() string
	AuthorizationURL(state string, options map[string]string) string
	AuthenticateTokens(ctx context.Context, code string, options map[string]string) (*strategy.Result, error)
}

// CodeGuard claims authorization codes so each is used at most once.
type CodeGuard interface {
	Claim(ctx context.Context, code string) error
}

// Config holds the service dependencies. Only Strategy is required.
type Config struct {
	Strategy Authenticator
	Guard    CodeGuard
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Tracer   *tracing.Provider
	Logger   *logger.Logger
}

// Service runs logins.
type Service struct {
	strategy Authenticator
	guard    CodeGuard
	events   events.Publisher
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	log      *logger.Logger
}

// New creates a new login service.
func New(cfg Config) (*Service, error) {
	if cfg.Strategy == nil {
		return nil, errors.InvalidInput("strategy is required")
	}

	s := &Service{
		strategy: cfg.Strategy,
		guard:    cfg.Guard,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		log:      cfg.Logger,
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.tracer == nil {
		s.tracer = tracing.NewNoopProvider(cfg.Strategy.Name())
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.WithComponent("login")

	return s, nil
}

// AuthorizationURL returns the provider redirect and the state value the
// callback must carry back.
func (s *Service) AuthorizationURL(options map[string]string) (string, string, error) {
	state, err := generateState(32)
	if err != nil {
		return "", "", errors.InternalWrap("generating state", err)
	}
	return s.strategy.AuthorizationURL(state, options), state, nil
}

// Login authenticates the user behind code. Errors from the strategy are
// returned unchanged.
func (s *Service) Login(ctx context.Context, code string, options map[string]string) (*strategy.Result, error) {
	provider := s.strategy.Name()
	start := time.Now()

	ctx = logger.ContextWithAttemptID(ctx, uuid.NewString())
	ctx, span := s.tracer.StartSpan(ctx, "authentiq.login", tracing.AttrProvider.String(provider))
	defer span.End()
	if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
		ctx = logger.ContextWithTraceID(ctx, traceID)
	}

	if s.metrics != nil {
		s.metrics.AttemptsInFlight(1)
		defer s.metrics.AttemptsInFlight(-1)
	}

	res, err := s.login(ctx, code, options)
	duration := time.Since(start)

	if err != nil {
		errCode := string(errors.GetCode(err))
		tracing.SetOutcome(span, err)
		if s.metrics != nil {
			s.metrics.RecordAttempt(provider, errCode, duration)
		}
		s.log.LogAttempt(ctx, provider, "", duration, errCode, err)
		s.publish(ctx, events.EventLoginFailed, map[string]any{
			"provider": provider,
			"code":     errCode,
		})
		return nil, err
	}

	tracing.SetOutcome(span, nil)
	if s.metrics != nil {
		s.metrics.RecordAttempt(provider, metrics.OutcomeSuccess, duration)
	}
	s.log.LogAttempt(ctx, provider, res.Profile.ID, duration, "", nil)
	s.publish(ctx, events.EventLoginSucceeded, map[string]any{
		"provider": provider,
		"subject":  res.Profile.ID,
	})
	return res, nil
}

func (s *Service) login(ctx context.Context, code string, options map[string]string) (*strategy.Result, error) {
	if s.guard != nil && code != "" {
		if err := s.guard.Claim(ctx, code); err != nil {
			if errors.IsCode(err, errors.CodeConflict) && s.metrics != nil {
				s.metrics.RecordReplayRejected()
			}
			return nil, err
		}
	}
	return s.strategy.AuthenticateTokens(ctx, code, options)
}

// publish sends an event without failing the login.
func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	ev := events.NewEvent(eventType, s.strategy.Name(), data)
	ev.TraceID = tracing.TraceIDFromContext(ctx)

	if err := s.events.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		if s.metrics != nil {
			s.metrics.RecordEventDropped()
		}
		s.log.WarnContext(ctx, "publishing event failed", "event", eventType, "error", err.Error())
	}
}

// NewTransitionObserver records attempt state transitions as metrics and as
// events on the current span.
func NewTransitionObserver(m *metrics.Metrics) strategy.Observer {
	return strategy.ObserverFunc(func(ctx context.Context, from, to strategy.State) {
		if m != nil {
			m.RecordTransition(from.String(), to.String())
		}
		tracing.AddEvent(ctx, "state", tracing.AttrState.String(to.String()))
	})
}

// NewRequestObserver records provider calls as metrics and debug logs.
func NewRequestObserver(m *metrics.Metrics, log *logger.Logger) oauth.RequestObserver {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("transport")
	return func(endpoint string, status int, d time.Duration, err error) {
		if m != nil {
			m.RecordProviderRequest(endpoint, status, d)
		}
		log.LogProviderRequest(context.Background(), endpoint, status, d, err)
	}
}

// NewBreakerObserver records circuit breaker transitions.
func NewBreakerObserver(m *metrics.Metrics, log *logger.Logger) func(name string, from, to circuitbreaker.State) {
	if log == nil {
		log = logger.Nop()
	}
	return func(name string, from, to circuitbreaker.State) {
		if m != nil {
			m.SetCircuitBreakerState(name, int(to))
			if to == circuitbreaker.StateOpen {
				m.RecordCircuitBreakerTrip(name)
			}
		}
		log.Warn("circuit breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
	}
}

func generateState(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
