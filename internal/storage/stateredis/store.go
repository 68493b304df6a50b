// Package stateredis implements the state tier on Redis: cursors,
// leases, job records, archive marks, run summaries, and the query
// cache all live here as small independent keys.
package stateredis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pointlake/pointlake/internal/config"
	"github.com/pointlake/pointlake/internal/storage"
)

// casScript is the atomic compare-and-swap. ARGV: expect-absent flag
// ("1"/"0"), expected old value, new value, TTL in milliseconds (0 for
// none). Returns 1 when the swap happened.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[2] then return 0 end
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// Store is the Redis state store. It implements storage.StateStore.
type Store struct {
	rdb     *redis.Client
	timeout time.Duration
}

// Open connects and verifies the connection.
func Open(cfg config.StateConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})

	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping state store: %w", err)
	}
	return &Store{rdb: rdb, timeout: timeout}, nil
}

// Close releases the client.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("state key %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state key %s: %w", key, err)
	}
	return raw, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put state key %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes value only while the stored value equals old;
// old == nil requires the key to be absent. One script call, so two
// workers racing for a lease cannot both win.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	expectAbsent := "0"
	if old == nil {
		expectAbsent = "1"
		old = []byte{}
	}
	if ttl < 0 {
		ttl = 0
	}
	res, err := casScript.Run(ctx, s.rdb, []string{key}, expectAbsent, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to CAS state key %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete state key %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan state keys %s*: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping reports connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
