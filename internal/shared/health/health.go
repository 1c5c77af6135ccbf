// Package health provides health checks for the provider endpoints and the
// backing services a login depends on.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusUp indicates the component is healthy.
	StatusUp Status = "up"
	// StatusDown indicates the component is unhealthy.
	StatusDown Status = "down"
	// StatusDegraded indicates the component is partially healthy.
	StatusDegraded Status = "degraded"
)

// Check represents a health check function.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency_ms"`
}

// Response represents the overall health response.
type Response struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Names returns the component names in sorted order.
func (r Response) Names() []string {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checker manages health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	timeout time.Duration
}

// Option is a functional option for configuring the Checker.
type Option func(*Checker)

// WithVersion sets the service version.
func WithVersion(version string) Option {
	return func(c *Checker) {
		c.version = version
	}
}

// WithTimeout sets the timeout for individual health checks.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// NewChecker creates a new health checker.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register adds a health check for a component.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs all health checks concurrently and returns the overall health.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	response := Response{
		Status:     StatusUp,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	if len(checks) == 0 {
		return response
	}

	type result struct {
		name   string
		health ComponentHealth
	}

	var wg sync.WaitGroup
	results := make(chan result, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			health := check(checkCtx)
			health.Latency = time.Since(start)

			results <- result{name, health}
		}(name, check)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		response.Components[r.name] = r.health

		switch r.health.Status {
		case StatusDown:
			response.Status = StatusDown
		case StatusDegraded:
			if response.Status != StatusDown {
				response.Status = StatusDegraded
			}
		}
	}

	return response
}

// IsHealthy returns true if all components are healthy.
func (c *Checker) IsHealthy(ctx context.Context) bool {
	return c.Check(ctx).Status == StatusUp
}

// Handler returns an http.Handler for the health endpoint.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health/live", "/livez":
			c.handleLiveness(w)
		case "/health/ready", "/readyz":
			c.handleHealth(r.Context(), w, true)
		default:
			c.handleHealth(r.Context(), w, false)
		}
	})
}

func (c *Checker) handleHealth(ctx context.Context, w http.ResponseWriter, detailed bool) {
	response := c.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if !detailed {
		response.Components = nil
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (c *Checker) handleLiveness(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(Response{
		Status:    StatusUp,
		Timestamp: time.Now().UTC(),
		Version:   c.version,
	})
}

// Common health check implementations

// HTTPCheck reports whether a provider endpoint answers. Any response below
// 500 counts as up: token and user-info endpoints reject bare GETs.
func HTTPCheck(client *http.Client, url string) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ComponentHealth {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return down("invalid endpoint url", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return down("endpoint unreachable", err)
		}
		resp.Body.Close()

		details := map[string]any{"status_code": resp.StatusCode}
		if resp.StatusCode >= http.StatusInternalServerError {
			return ComponentHealth{
				Status:  StatusDown,
				Message: "endpoint returned server error",
				Details: details,
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: "endpoint reachable",
			Details: details,
		}
	}
}

// PingCheck creates a health check from a ping function, such as a Redis
// client's.
func PingCheck(component string, ping func(context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return down(component+" connection failed", err)
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: component + " connection healthy",
		}
	}
}

// ConnectedCheck creates a health check from a connection state, such as a
// NATS client's.
func ConnectedCheck(component string, connected func() bool) Check {
	return func(_ context.Context) ComponentHealth {
		if !connected() {
			return ComponentHealth{
				Status:  StatusDown,
				Message: component + " not connected",
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: component + " connected",
		}
	}
}

// OpenCircuitsCheck reports degraded while any provider endpoint's circuit
// is not closed.
func OpenCircuitsCheck(open func() []string) Check {
	return func(_ context.Context) ComponentHealth {
		names := open()
		if len(names) > 0 {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "circuit open",
				Details: map[string]any{"endpoints": names},
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: "all circuits closed",
		}
	}
}

// MemoryCheck creates a health check for heap usage.
func MemoryCheck(maxBytes uint64) Check {
	return func(_ context.Context) ComponentHealth {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		if m.Alloc > maxBytes {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "high memory usage",
				Details: map[string]any{
					"allocated_bytes": m.Alloc,
					"max_bytes":       maxBytes,
				},
			}
		}
		return ComponentHealth{
			Status:  StatusUp,
			Message: "memory usage normal",
			Details: map[string]any{
				"allocated_bytes": m.Alloc,
			},
		}
	}
}

func down(message string, err error) ComponentHealth {
	return ComponentHealth{
		Status:  StatusDown,
		Message: message,
		Details: map[string]any{"error": err.Error()},
	}
}
