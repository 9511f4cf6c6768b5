// Package snapcache caches ledger states for read paths (track and query).
// Writers never read through it; commits publish their new states with Put.
package snapcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/cargo-custody/internal/ledger"
	"github.com/animus-labs/cargo-custody/internal/platform/env"
)

// Cache stores the newest known state per key. Put never replaces a state
// with an older version.
type Cache interface {
	Get(ctx context.Context, key string) (ledger.State, bool, error)
	Put(ctx context.Context, states ...ledger.State) error
	Invalidate(ctx context.Context, keys ...string) error
}

const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Backend   string
	TTL       time.Duration
	RedisAddr string
	RedisDB   int
	KeyPrefix string
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("CUSTODY_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	db, err := env.Int("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Backend:   strings.ToLower(env.String("CUSTODY_CACHE_BACKEND", BackendMemory)),
		TTL:       ttl,
		RedisAddr: env.String("REDIS_ADDR", ""),
		RedisDB:   db,
		KeyPrefix: env.String("CUSTODY_CACHE_PREFIX", "custody:state:"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("REDIS_ADDR is required when CUSTODY_CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CUSTODY_CACHE_BACKEND must be one of none|memory|redis, got %q", c.Backend)
	}
	if c.TTL < 0 {
		return errors.New("CUSTODY_CACHE_TTL must be >= 0")
	}
	return nil
}

// Open builds the configured cache. The caller closes the returned closer.
func Open(ctx context.Context, cfg Config) (Cache, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case BackendNone:
		return Nop{}, noop, nil
	case BackendMemory:
		return NewMemory(cfg.TTL), noop, nil
	case BackendRedis:
		r, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

type Nop struct{}

func (Nop) Get(context.Context, string) (ledger.State, bool, error) { return ledger.State{}, false, nil }
func (Nop) Put(context.Context, ...ledger.State) error { return nil }
func (Nop) Invalidate(context.Context, ...string) error { return nil }

type memoryEntry struct {
	state   ledger.State
	expires time.Time
}

type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory returns an in-process cache; ttl <= 0 keeps entries until
// invalidated.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (ledger.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return ledger.State{}, false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return ledger.State{}, false, nil
	}
	return e.state.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, states ...ledger.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range states {
		if cur, ok := m.entries[st.Key]; ok && cur.state.Version > st.Version {
			continue
		}
		e := memoryEntry{state: st.Clone()}
		if m.ttl > 0 {
			e.expires = m.now().Add(m.ttl)
		}
		m.entries[st.Key] = e
	}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}
