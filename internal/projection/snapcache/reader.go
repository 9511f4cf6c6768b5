package snapcache

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// Reader serves committed states, consulting the cache first and collapsing
// concurrent misses for the same key into one store read.
type Reader struct {
	store  ledger.Store
	cache  Cache
	logger *slog.Logger
	group  singleflight.Group
}

func NewReader(store ledger.Store, cache Cache, logger *slog.Logger) *Reader {
	if cache == nil {
		cache = Nop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{store: store, cache: cache, logger: logger}
}

func (r *Reader) Current(ctx context.Context, key string) (ledger.State, error) {
	st, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("snapshot cache get failed", "entity_key", key, "error", err)
	}
	if ok {
		return st, nil
	}

	// The shared read outlives any single caller; each caller still stops
	// waiting when its own context ends.
	fillCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		st, err := r.store.Current(fillCtx, key)
		if err != nil {
			return ledger.State{}, err
		}
		if err := r.cache.Put(fillCtx, st); err != nil {
			r.logger.Warn("snapshot cache put failed", "entity_key", key, "error", err)
		}
		return st, nil
	})
	select {
	case <-ctx.Done():
		return ledger.State{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ledger.State{}, res.Err
		}
		return res.Val.(ledger.State).Clone(), nil
	}
}

// Publish records freshly committed states.
func (r *Reader) Publish(ctx context.Context, states []ledger.State) {
	if len(states) == 0 {
		return
	}
	if err := r.cache.Put(ctx, states...); err != nil {
		keys := make([]string, 0, len(states))
		for _, st := range states {
			keys = append(keys, st.Key)
		}
		r.logger.Warn("snapshot cache publish failed; invalidating", "keys", keys, "error", err)
		if err := r.cache.Invalidate(ctx, keys...); err != nil {
			r.logger.Error("snapshot cache invalidate failed", "keys", keys, "error", err)
		}
	}
}
