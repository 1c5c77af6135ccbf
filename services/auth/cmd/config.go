package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/carlossalguero/authentiq/services/auth/internal/guard"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/auth/internal/strategy"
	"github.com/carlossalguero/authentiq/services/shared/cache"
	"github.com/carlossalguero/authentiq/services/shared/events"
	"github.com/carlossalguero/authentiq/services/shared/logger"
	"github.com/carlossalguero/authentiq/services/shared/metrics"
	"github.com/carlossalguero/authentiq/services/shared/tls"
	"github.com/carlossalguero/authentiq/services/shared/tracing"
)

// envPrefix is the prefix of every environment override, e.g.
// AUTHENTIQ_STRATEGY_CLIENT_ID.
const envPrefix = "AUTHENTIQ"

// Config holds the CLI configuration.
type Config struct {
	Strategy  strategy.Config       `mapstructure:"strategy"`
	Transport oauth.TransportConfig `mapstructure:"transport"`
	TLS       tls.Config            `mapstructure:"tls"`
	Guard     guard.Config          `mapstructure:"guard"`
	Redis     cache.Config          `mapstructure:"redis"`
	NATS      events.Config         `mapstructure:"nats"`
	Tracing   tracing.Config        `mapstructure:"tracing"`
	Metrics   metrics.Config        `mapstructure:"metrics"`
	Log       logger.Config         `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.client_id", "")
	v.SetDefault("strategy.client_secret", "")
	v.SetDefault("strategy.callback_url", "")
	v.SetDefault("strategy.scope", []string{strategy.ScopeOpenID})
	v.SetDefault("strategy.authorization_url", strategy.DefaultAuthorizationURL)
	v.SetDefault("strategy.token_url", strategy.DefaultTokenURL)
	v.SetDefault("strategy.user_profile_url", strategy.DefaultUserProfileURL)
	v.SetDefault("strategy.algorithms", []string{strategy.DefaultAlgorithm})
	v.SetDefault("strategy.issuer", strategy.DefaultIssuer)
	v.SetDefault("strategy.clock_tolerance", "0s")
	v.SetDefault("strategy.verification_key_path", "")
	v.SetDefault("strategy.jwks_url", "")

	v.SetDefault("transport.timeout", "10s")
	v.SetDefault("transport.rate_limit", 20)
	v.SetDefault("transport.burst", 10)
	v.SetDefault("transport.circuit_breaker.failure_threshold", 5)
	v.SetDefault("transport.circuit_breaker.success_threshold", 1)
	v.SetDefault("transport.circuit_breaker.timeout", "30s")
	v.SetDefault("transport.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.min_version", "1.2")
	v.SetDefault("tls.insecure_skip_verify", false)

	v.SetDefault("guard.enabled", false)
	v.SetDefault("guard.ttl", guard.DefaultTTL.String())
	v.SetDefault("guard.secret", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.key_prefix", "authentiq:")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "authentiq")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.drain_timeout", "30s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "authentiq")
	v.SetDefault("tracing.service_version", version())
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("metrics.namespace", "authentiq")
	v.SetDefault("metrics.subsystem", "")
	v.SetDefault("metrics.runtime", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service_name", "authentiq")
	v.SetDefault("log.environment", "development")
}

// loadConfig reads defaults, then the config file, then AUTHENTIQ_*
// environment variables. An explicit path must exist; otherwise a missing
// authentiq.yaml is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("authentiq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/authentiq")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
