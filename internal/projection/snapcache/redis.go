package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/animus-labs/cargo-custody/internal/ledger"
)

// putIfNewer stores ARGV[1] unless the cached state has a higher version.
var putIfNewer = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded.version and tonumber(decoded.version) > tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

type Redis struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.RedisAddr,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, ttl: cfg.TTL, prefix: cfg.KeyPrefix}, nil
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// Ping is used as a readiness check.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (ledger.State, bool, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var st ledger.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return ledger.State{}, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return st, true, nil
}

func (r *Redis) Put(ctx context.Context, states ...ledger.State) error {
	for _, st := range states {
		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode cached %s: %w", st.Key, err)
		}
		if err := putIfNewer.Run(ctx, r.rdb, []string{r.prefix + st.Key}, raw, st.Version, r.ttl.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("redis put %s: %w", st.Key, err)
		}
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.prefix + key
	}
	if err := r.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
