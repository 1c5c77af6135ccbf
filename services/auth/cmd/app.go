package main

import (
	"context"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/carlossalguero/authentiq/internal/shared/health"
	"github.com/carlossalguero/authentiq/services/auth/internal/circuitbreaker"
	"github.com/carlossalguero/authentiq/services/auth/internal/guard"
	"github.com/carlossalguero/authentiq/services/auth/internal/jwt"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/auth/internal/service"
	"github.com/carlossalguero/authentiq/services/auth/internal/strategy"
	"github.com/carlossalguero/authentiq/services/shared/cache"
	"github.com/carlossalguero/authentiq/services/shared/events"
	"github.com/carlossalguero/authentiq/services/shared/logger"
	"github.com/carlossalguero/authentiq/services/shared/metrics"
	"github.com/carlossalguero/authentiq/services/shared/tls"
	"github.com/carlossalguero/authentiq/services/shared/tracing"
)

// app holds every component built from the config.
type app struct {
	cfg       *Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	transport *oauth.HTTPTransport
	strategy  *strategy.Strategy
	service   *service.Service
	health    *health.Checker
	client    *http.Client

	cleanups []func(context.Context) error
}

// newApp wires the components. Redis and NATS are optional: when they are
// enabled but unreachable the app logs a warning and runs without them.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	logger.Init(cfg.Log)
	log := logger.Default()

	a := &app{cfg: cfg, log: log}

	tracer, tracingCleanup, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Warn("failed to initialize tracing, continuing without it", "error", err)
		tracer = tracing.NewNoopProvider(cfg.Tracing.ServiceName)
		tracingCleanup = func(context.Context) error { return nil }
	} else if cfg.Tracing.Enabled {
		log.Info("tracing initialized", "endpoint", cfg.Tracing.Endpoint)
	}
	a.cleanups = append(a.cleanups, tracingCleanup)

	a.metrics = metrics.New(cfg.Metrics)

	a.client, err = tls.NewHTTPClient(cfg.TLS, cfg.Transport.Timeout)
	if err != nil {
		return nil, err
	}

	tcfg := cfg.Transport
	tcfg.CircuitBreaker.OnStateChange = service.NewBreakerObserver(a.metrics, log)
	a.transport = oauth.NewHTTPTransport(oauthConfig(cfg.Strategy), tcfg,
		oauth.WithHTTPClient(a.client),
		oauth.WithRequestObserver(service.NewRequestObserver(a.metrics, log)),
	)

	scfg := cfg.Strategy
	scfg.ApplyDefaults()
	if err := scfg.Validate(); err != nil {
		return nil, err
	}
	verifier, err := strategy.NewVerifier(oidc.ClientContext(ctx, a.client), scfg)
	if err != nil {
		return nil, err
	}
	logVerificationKey(log, scfg, verifier)

	a.strategy, err = strategy.New(scfg,
		strategy.WithTransport(a.transport),
		strategy.WithVerifier(verifier),
		strategy.WithObserver(service.NewTransitionObserver(a.metrics)),
	)
	if err != nil {
		return nil, err
	}

	a.health = health.NewChecker(health.WithVersion(version()))
	a.health.Register("token_endpoint", health.HTTPCheck(a.client, scfg.TokenURL))
	a.health.Register("userinfo_endpoint", health.HTTPCheck(a.client, scfg.UserProfileURL))
	if scfg.JWKSURL != "" {
		a.health.Register("jwks", health.HTTPCheck(a.client, scfg.JWKSURL))
	}
	a.health.Register("circuits", health.OpenCircuitsCheck(a.openCircuits))
	a.health.Register("memory", health.MemoryCheck(512<<20))

	svcCfg := service.Config{
		Strategy: a.strategy,
		Metrics:  a.metrics,
		Tracer:   tracer,
		Logger:   log,
	}

	var redisClient *cache.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.New(cfg.Redis)
		if err != nil {
			log.Warn("failed to connect to Redis, continuing without it", "error", err)
		} else {
			log.Info("connected to Redis", "address", cfg.Redis.Address)
			a.health.Register("redis", health.PingCheck("redis", redisClient.Ping))
			a.cleanups = append(a.cleanups, func(context.Context) error { return redisClient.Close() })
		}
	}

	if cfg.Guard.Enabled {
		var store guard.Store = guard.NewMemoryStore()
		if redisClient != nil {
			store = redisClient
		}
		g, err := guard.New(store, cfg.Guard)
		if err != nil {
			return nil, err
		}
		svcCfg.Guard = g
	}

	if cfg.NATS.Enabled {
		eventsClient, err := events.New(cfg.NATS)
		if err != nil {
			log.Warn("failed to connect to NATS, continuing without events", "error", err)
		} else {
			log.Info("connected to NATS", "url", cfg.NATS.URL)
			svcCfg.Events = eventsClient
			a.health.Register("nats", health.ConnectedCheck("nats", eventsClient.IsConnected))
			a.cleanups = append(a.cleanups, func(context.Context) error { return eventsClient.Close() })
		}
	}

	a.service, err = service.New(svcCfg)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// close releases connections in reverse order of creation.
func (a *app) close(ctx context.Context) {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](ctx); err != nil {
			a.log.Warn("cleanup failed", "error", err)
		}
	}
}

func (a *app) openCircuits() []string {
	var open []string
	for _, s := range a.transport.Breakers().AllStats() {
		if s.State != circuitbreaker.StateClosed {
			open = append(open, s.Name)
		}
	}
	return open
}

func oauthConfig(cfg strategy.Config) oauth.Config {
	cfg.ApplyDefaults()
	return oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		AuthURL:      cfg.AuthorizationURL,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scope,
	}
}

// logVerificationKey logs the fingerprint of the key the verifier holds.
func logVerificationKey(log *logger.Logger, cfg strategy.Config, v strategy.Verifier) {
	local, ok := v.(*jwt.Verifier)
	if !ok {
		if cfg.JWKSURL != "" {
			log.Info("verifying identity tokens against remote key set", "jwks_url", cfg.JWKSURL)
		}
		return
	}
	fp, err := local.KeyFingerprint()
	if err != nil {
		log.Warn("failed to fingerprint verification key", "path", cfg.VerificationKeyPath, "error", err)
		return
	}
	if fp == "" {
		return
	}
	log.Info("loaded verification key", "path", cfg.VerificationKeyPath, "fingerprint", fp)
}
