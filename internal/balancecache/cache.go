// Package balancecache memoizes network balances with a TTL, retries live fetches,
// and falls back to the last known value when the network is unreachable.
package balancecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/metrics"
	"computepay/internal/retry"
)

const DefaultTTL = 30 * time.Second

// Entry is the last successful fetch for an address.
type Entry struct {
	Address   string
	Balance   int64
	FetchedAt time.Time
}

// Reading is what callers get back. Fresh readings are younger than the TTL or
// were fetched just now; stale ones are only served after a failed live fetch.
type Reading struct {
	Address string
	Balance int64
	Fresh   bool
	Age     time.Duration
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, address string) (Entry, bool, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, address string) error
}

// Fetcher is the slice of ledgernet.Client the cache reads through.
type Fetcher interface {
	GetBalance(ctx context.Context, identity string) (int64, error)
}

type Options struct {
	TTL     time.Duration
	Policy  retry.Policy
	Clock   clock.Clock
	Store   Store
	Logger  *logger.Logger
	Metrics *metrics.Registry
}

type Cache struct {
	fetch   Fetcher
	store   Store
	ttl     time.Duration
	policy  retry.Policy
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Registry
}

func New(fetch Fetcher, opts Options) *Cache {
	c := &Cache{
		fetch:   fetch,
		store:   opts.Store,
		ttl:     opts.TTL,
		policy:  opts.Policy,
		clock:   opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.policy.Attempts == 0 && len(c.policy.Backoff) == 0 {
		c.policy = retry.Default()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	return c
}

// Get returns the balance of address, fetching it live when the cached entry is
// missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, address string) (Reading, error) {
	prior, ok, err := c.store.Load(ctx, address)
	if err != nil {
		c.log.Warn("balance cache load failed", "address", address, "error", err)
		ok = false
	}
	if ok {
		if age := c.clock.Since(prior.FetchedAt); age < c.ttl {
			c.metrics.IncCacheLookup("hit")
			return Reading{Address: address, Balance: prior.Balance, Fresh: true, Age: age}, nil
		}
	}

	balance, err := c.fetchLive(ctx, address)
	if err == nil {
		entry := Entry{Address: address, Balance: balance, FetchedAt: c.clock.Now()}
		if saveErr := c.store.Save(ctx, entry); saveErr != nil {
			c.log.Warn("balance cache save failed", "address", address, "error", saveErr)
		}
		c.metrics.IncCacheLookup("miss")
		return Reading{Address: address, Balance: balance, Fresh: true}, nil
	}

	if ok {
		age := c.clock.Since(prior.FetchedAt)
		c.metrics.IncCacheLookup("stale")
		c.log.Warn("serving stale balance", "address", address, "age", age, "error", err)
		return Reading{Address: address, Balance: prior.Balance, Fresh: false, Age: age}, nil
	}

	c.metrics.IncCacheLookup("error")
	if errors.Is(err, ledgernet.ErrNetwork) {
		return Reading{}, fmt.Errorf("balance %s: %w", address, err)
	}
	return Reading{}, fmt.Errorf("%w: balance %s: %w", ledgernet.ErrNetwork, address, err)
}

func (c *Cache) fetchLive(ctx context.Context, address string) (int64, error) {
	policy := c.policy
	policy.OnRetry = func(attempt int, err error) {
		c.metrics.IncRetry("balance")
		c.log.Debug("balance fetch failed", "address", address, "attempt", attempt, "error", err)
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (int64, error) {
		return c.fetch.GetBalance(ctx, address)
	})
}

// Invalidate drops the entry so the next Get goes to the network.
func (c *Cache) Invalidate(ctx context.Context, address string) error {
	if err := c.store.Delete(ctx, address); err != nil {
		return fmt.Errorf("invalidate %s: %w", address, err)
	}
	return nil
}
