// Package guard rejects authorization codes that are presented more than once.
package guard

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/carlossalguero/authentiq/services/shared/errors"
)

// DefaultTTL covers the lifetime providers give authorization codes.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "code:"

// Store records keys that may only be set once.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Expiry reports how long key has left.
	Expiry(ctx context.Context, key string) (time.Duration, error)
}

// Config holds guard configuration.
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	// Secret keys the code fingerprint. Up to 64 bytes are used.
	Secret string `mapstructure:"secret"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, TTL: DefaultTTL}
}

// Guard claims authorization codes in a Store. Codes are stored as keyed
// BLAKE2b fingerprints, never in the clear.
type Guard struct {
	store Store
	key   []byte
	ttl   time.Duration
}

// New creates a Guard.
func New(store Store, cfg Config) (*Guard, error) {
	if store == nil {
		return nil, errors.InvalidInput("guard store is required")
	}
	key := []byte(cfg.Secret)
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	// Validate the key once; Fingerprint relies on it.
	if _, err := blake2b.New256(key); err != nil {
		return nil, errors.Wrap(errors.CodeInvalidInput, "invalid guard secret", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, key: key, ttl: ttl}, nil
}

// Fingerprint returns the hex-encoded keyed digest of code.
func (g *Guard) Fingerprint(code string) string {
	h, _ := blake2b.New256(g.key)
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

// Claim marks code as used. It returns a CONFLICT error when the code was
// already claimed within the TTL; when the store can tell, the error details
// carry how long the code stays blocked.
func (g *Guard) Claim(ctx context.Context, code string) error {
	key := keyPrefix + g.Fingerprint(code)
	ok, err := g.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), g.ttl)
	if err != nil {
		if ctxErr := errors.FromContext("code claim interrupted", ctx.Err()); ctxErr != nil {
			return ctxErr
		}
		return errors.Wrap(errors.CodeUnavailable, "replay guard unavailable", err)
	}
	if ok {
		return nil
	}

	conflict := errors.Conflict("authorization code already used")
	if left, err := g.store.Expiry(ctx, key); err == nil && left > 0 {
		conflict = conflict.WithDetails(map[string]any{"blocked_for": left.Round(time.Second).String()})
	}
	return conflict
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetNX stores key unless a live entry exists. Expired entries are swept on
// each call.
func (m *MemoryStore) SetNX(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, k)
		}
	}

	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	return true, nil
}

// Expiry returns the time left on key. Absent and expired keys report 0.
func (m *MemoryStore) Expiry(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := m.entries[key].Sub(m.now())
	if left < 0 {
		left = 0
	}
	return left, nil
}
