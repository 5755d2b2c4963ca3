package balancecache

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"computepay/internal/ledgernet"
	"computepay/internal/retry"
)

var addr = strings.Repeat("C", 60)

func newTestCache(t *testing.T, store Store) (*Cache, *ledgernet.FakeClient, *clock.Mock) {
	t.Helper()
	net := ledgernet.NewFakeClient()
	mock := clock.NewMock()
	c := New(net, Options{
		Clock:  mock,
		Store:  store,
		Policy: retry.Policy{Attempts: 3, Backoff: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}},
	})
	return c, net, mock
}

func TestGetFreshThenCachedThenInvalidated(t *testing.T) {
	ctx := context.Background()
	c, net, mock := newTestCache(t, nil)
	net.SetBalance(addr, 1000)

	r, err := c.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, Reading{Address: addr, Balance: 1000, Fresh: true, Age: 0}, r)

	mock.Add(5 * time.Second)
	net.SetBalance(addr, 1)
	r, err = c.Get(ctx, addr)
	require.NoError(t, err)
	require.True(t, r.Fresh)
	require.Equal(t, 5*time.Second, r.Age)
	require.EqualValues(t, 1000, r.Balance)
	require.Equal(t, 1, net.BalanceCalls())

	require.NoError(t, c.Invalidate(ctx, addr))
	r, err = c.Get(ctx, addr)
	require.NoError(t, err)
	require.Zero(t, r.Age)
	require.EqualValues(t, 1, r.Balance)
	require.Equal(t, 2, net.BalanceCalls())
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, net, mock := newTestCache(t, nil)
	net.SetBalance(addr, 10)
	_, err := c.Get(ctx, addr)
	require.NoError(t, err)

	mock.Add(DefaultTTL)
	net.SetBalance(addr, 20)
	r, err := c.Get(ctx, addr)
	require.NoError(t, err)
	require.True(t, r.Fresh)
	require.EqualValues(t, 20, r.Balance)
}

func TestGetRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	c, net, _ := newTestCache(t, nil)
	net.SetBalance(addr, 7)
	net.FailBalance(2)

	r, err := c.Get(ctx, addr)
	require.NoError(t, err)
	require.True(t, r.Fresh)
	require.EqualValues(t, 7, r.Balance)
	require.Equal(t, 3, net.BalanceCalls())
}

func TestGetServesStaleWhenNetworkDown(t *testing.T) {
	ctx := context.Background()
	c, net, mock := newTestCache(t, nil)
	net.SetBalance(addr, 500)
	_, err := c.Get(ctx, addr)
	require.NoError(t, err)

	mock.Add(45 * time.Second)
	net.FailBalance(3)
	r, err := c.Get(ctx, addr)
	require.NoError(t, err)
	require.False(t, r.Fresh)
	require.Equal(t, 45*time.Second, r.Age)
	require.EqualValues(t, 500, r.Balance)
	require.Equal(t, 4, net.BalanceCalls())
}

func TestGetWithoutEntryPropagatesNetworkError(t *testing.T) {
	c, net, _ := newTestCache(t, nil)
	net.FailBalance(3)

	_, err := c.Get(context.Background(), addr)
	require.ErrorIs(t, err, ledgernet.ErrNetwork)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	client, err := ConnectRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, time.Minute)
	require.NoError(t, store.Ping(ctx))

	key := strings.Repeat("R", 60)
	_ = store.Delete(ctx, key)
	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Save(ctx, Entry{Address: key, Balance: 99, FetchedAt: at}))
	got, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Entry{Address: key, Balance: 99, FetchedAt: at}, got)

	require.NoError(t, store.Delete(ctx, key))
	_, ok, _ = store.Load(ctx, key)
	require.False(t, ok)
}
