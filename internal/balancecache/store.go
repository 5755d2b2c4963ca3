package balancecache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps entries in process. Reads take no lock.
type MemoryStore struct {
	entries sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context, address string) (Entry, bool, error) {
	v, ok := m.entries.Load(address)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	m.entries.Store(e.Address, e)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, address string) error {
	m.entries.Delete(address)
	return nil
}

const redisKeyPrefix = "computepay:balance:"

// RedisStore shares entries between instances. Retention bounds how long an
// entry survives as a stale fallback; it is not the freshness TTL.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *RedisStore) Load(ctx context.Context, address string) (Entry, bool, error) {
	data, err := s.client.HGetAll(ctx, redisKeyPrefix+address).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(data) == 0 {
		return Entry{}, false, nil
	}
	balance, err := strconv.ParseInt(data["balance"], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode cached balance: %w", err)
	}
	fetched, err := strconv.ParseInt(data["fetched_at"], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode cached timestamp: %w", err)
	}
	return Entry{Address: address, Balance: balance, FetchedAt: time.Unix(0, fetched).UTC()}, true, nil
}

func (s *RedisStore) Save(ctx context.Context, e Entry) error {
	key := redisKeyPrefix + e.Address
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "balance", e.Balance, "fetched_at", e.FetchedAt.UnixNano())
		p.Expire(ctx, key, s.retention)
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, address string) error {
	return s.client.Del(ctx, redisKeyPrefix+address).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
