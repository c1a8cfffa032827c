package confidence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "routegate:stats"

// RedisStore shares counters between replicas. Each key is a hash with
// fields "s" (successes) and "t" (total); an index set lists the keys.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to addr, which is either host:port or a redis:// URL.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: c, prefix: defaultRedisPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(c redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: c, prefix: prefix}
}

func parseRedisAddr(addr string) (*redis.UniversalOptions, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis stats store requires an address")
	}
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	o, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redis.UniversalOptions{
		Addrs:     []string{o.Addr},
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}, nil
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) hashKey(member string) string {
	return s.prefix + ":" + member
}

// Increment implements Store. Both fields move in one MULTI/EXEC so a
// reader never sees successes above total.
func (s *RedisStore) Increment(ctx context.Context, k Key, success bool) error {
	member := keyString(k)
	hk := s.hashKey(member)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.indexKey(), member)
		if success {
			pipe.HIncrBy(ctx, hk, "s", 1)
		}
		pipe.HIncrBy(ctx, hk, "t", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis increment %s: %w", member, err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (map[Key]Stats, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load index: %w", err)
	}

	out := make(map[Key]Stats, len(members))
	for _, member := range members {
		k, ok := parseKeyString(member)
		if !ok {
			continue
		}
		fields, err := s.client.HGetAll(ctx, s.hashKey(member)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load %s: %w", member, err)
		}
		succ, err := counterField(fields, "s")
		if err != nil {
			return nil, fmt.Errorf("redis load %s: %w", member, err)
		}
		total, err := counterField(fields, "t")
		if err != nil {
			return nil, fmt.Errorf("redis load %s: %w", member, err)
		}
		out[k] = Stats{Successes: succ, Total: total}
	}
	return out, nil
}

// counterField reads one hash counter. A missing field is zero: successes
// are only written once a call succeeds.
func counterField(fields map[string]string, name string) (uint64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", name, err)
	}
	return n, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context) error {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, s.hashKey(m))
	}
	keys = append(keys, s.indexKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
