package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"computepay/internal/balancecache"
	"computepay/internal/confirm"
	"computepay/internal/domain"
	"computepay/internal/ledger"
	"computepay/internal/ledgernet"
	"computepay/internal/retry"
	"computepay/internal/store"
)

var (
	platform = strings.Repeat("P", 60)
	payer    = strings.Repeat("A", 60)
	payee    = strings.Repeat("B", 60)
)

type stubConfirmer struct {
	mu    sync.Mutex
	wait  confirm.Outcome
	check confirm.Outcome
	waits int
}

func (s *stubConfirmer) Wait(_ context.Context, id string, progress confirm.ProgressFunc) (confirm.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits++
	out := s.wait
	out.ExternalID = id
	if progress != nil && out.Confirmations > 0 {
		progress(id, out.Confirmations)
	}
	return out, nil
}

func (s *stubConfirmer) Check(_ context.Context, id string) (confirm.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.check
	out.ExternalID = id
	return out, nil
}

type fixture struct {
	ledger  *ledger.Ledger
	settler *Settler
	store   store.Store
	net     *ledgernet.FakeClient
	clock   *clock.Mock
	conf    *stubConfirmer
}

func newFixture(t *testing.T, cfg Config, conf Confirmer) *fixture {
	t.Helper()
	net := ledgernet.NewFakeClient()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	cache := balancecache.New(net, balancecache.Options{Clock: mock, Policy: retry.Policy{Attempts: 1}})

	stub, _ := conf.(*stubConfirmer)
	if conf == nil {
		stub = &stubConfirmer{
			wait:  confirm.Outcome{State: confirm.StateConfirmed, Confirmations: 3},
			check: confirm.Outcome{State: confirm.StatePolling},
		}
		conf = stub
	}
	cfg.PlatformIdentity = platform
	settler := New(st, net, ledgernet.FakeSigner{}, conf, cfg, Options{
		Policy: retry.Policy{Attempts: 3, Backoff: []time.Duration{time.Millisecond}},
		Clock:  mock,
	})
	t.Cleanup(settler.Close)

	l := ledger.New(st, cache, ledger.Options{Clock: mock})
	f := &fixture{ledger: l, settler: settler, store: st, net: net, clock: mock, conf: stub}

	ctx := context.Background()
	_, err := l.Deposit(ctx, payer, 100)
	require.NoError(t, err)
	net.SetBalance(payer, 100)
	net.SetBalance(platform, 1_000)
	_, err = l.Lock(ctx, ledger.LockRequest{Payer: payer, JobID: "job-1", Amount: 50, Payee: payee})
	require.NoError(t, err)
	return f
}

func (f *fixture) settlement(t *testing.T, id string) domain.Settlement {
	t.Helper()
	var out *domain.Settlement
	err := f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Settlement(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return *out
}

func (f *fixture) transaction(t *testing.T, id string) domain.Transaction {
	t.Helper()
	var out *domain.Transaction
	err := f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Transaction(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	return *out
}

func TestInlineBroadcastConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.ledger.SetSettler(f.settler)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1", Amount: 30})
	require.NoError(t, err)
	require.NotEmpty(t, res.ExternalTxID)
	f.settler.Close()

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementConfirmed, stl.State)
	require.Equal(t, res.ExternalTxID, stl.ExternalTxID)
	require.Equal(t, 1, stl.Attempts)
	require.EqualValues(t, 1005, stl.ExpiryTick)

	tx := f.transaction(t, res.TransactionID)
	require.Equal(t, domain.TxCompleted, tx.Status)
	require.Equal(t, res.ExternalTxID, tx.ExternalTxID)
	require.NotNil(t, tx.CompletedAt)

	e, err := f.ledger.Status(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, res.ExternalTxID, e.ExternalTxID)

	transfers := f.net.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, ledgernet.Transfer{From: platform, To: payee, Amount: 30, Tick: 1005}, transfers[0])
}

func TestBroadcastFailureRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.ledger.SetSettler(f.settler)
	f.net.FailBroadcast(3)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err, "release commits even when the broadcast fails")
	require.Empty(t, res.ExternalTxID)
	require.Equal(t, 3, f.net.BroadcastCalls())

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementQueued, stl.State)
	require.Equal(t, 1, stl.Attempts)
	require.Contains(t, stl.LastError, "broadcast")
	require.True(t, f.clock.Now().Add(30*time.Second).Equal(stl.NextAttemptAt))
	require.Equal(t, domain.TxPending, f.transaction(t, res.TransactionID).Status)

	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Broadcast, "not due yet")
	require.Equal(t, 1, rep.Pending)

	f.clock.Add(30 * time.Second)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Broadcast)
	f.settler.Close()

	stl = f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementConfirmed, stl.State)
	require.Equal(t, 2, stl.Attempts)
	require.Empty(t, stl.LastError)
	require.Equal(t, domain.TxCompleted, f.transaction(t, res.TransactionID).Status)
}

func TestBroadcastGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxAttempts: 2, RequeueDelays: []time.Duration{time.Minute}}, nil)
	f.net.FailBroadcast(100)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)

	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, domain.SettlementQueued, f.settlement(t, res.SettlementID).State)

	f.clock.Add(time.Minute)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Zero(t, rep.Pending)

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementFailed, stl.State)
	require.Equal(t, 2, stl.Attempts)
	tx := f.transaction(t, res.TransactionID)
	require.Equal(t, domain.TxFailed, tx.Status)
	require.NotNil(t, tx.CompletedAt)

	f.clock.Add(time.Hour)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Broadcast+rep.Failed)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)

	ext, err := f.settler.Broadcast(ctx, res.SettlementID)
	require.NoError(t, err)
	require.NotEmpty(t, ext)

	_, err = f.settler.Broadcast(ctx, res.SettlementID)
	require.ErrorIs(t, err, ErrNotClaimable)
	require.Len(t, f.net.Transfers(), 1)

	_, err = f.settler.Broadcast(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectedTransferIsRequeued(t *testing.T) {
	ctx := context.Background()
	conf := &stubConfirmer{wait: confirm.Outcome{State: confirm.StateFailed}}
	f := newFixture(t, Config{}, conf)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)
	ext, err := f.settler.Broadcast(ctx, res.SettlementID)
	require.NoError(t, err)
	f.settler.Close()

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementQueued, stl.State)
	require.Empty(t, stl.ExternalTxID)
	require.Contains(t, stl.LastError, ext)
	require.True(t, stl.NextAttemptAt.After(f.clock.Now()))

	tx := f.transaction(t, res.TransactionID)
	require.Equal(t, domain.TxPending, tx.Status)
	require.Empty(t, tx.ExternalTxID)
}

func TestTimeoutIsRecheckedNotRebroadcast(t *testing.T) {
	ctx := context.Background()
	conf := &stubConfirmer{
		wait:  confirm.Outcome{State: confirm.StateTimedOut, Confirmations: 1},
		check: confirm.Outcome{State: confirm.StatePolling, Confirmations: 2},
	}
	f := newFixture(t, Config{RecheckInterval: time.Minute}, conf)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)
	ext, err := f.settler.Broadcast(ctx, res.SettlementID)
	require.NoError(t, err)
	f.settler.Close()

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementBroadcast, stl.State)
	require.Equal(t, ext, stl.ExternalTxID)
	require.Contains(t, stl.LastError, "timed out")

	f.clock.Add(time.Minute)
	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rechecked)
	require.Equal(t, domain.SettlementBroadcast, f.settlement(t, res.SettlementID).State)

	conf.check = confirm.Outcome{State: confirm.StateConfirmed, Confirmations: 3}
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Rechecked, "re-check is not due again yet")

	f.clock.Add(time.Minute)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rechecked)
	require.Zero(t, rep.Pending)

	require.Equal(t, domain.SettlementConfirmed, f.settlement(t, res.SettlementID).State)
	require.Equal(t, domain.TxCompleted, f.transaction(t, res.TransactionID).Status)
	require.Len(t, f.net.Transfers(), 1)
	require.Equal(t, 1, f.net.BroadcastCalls())
}

func TestExpiredBroadcastIsSentAgain(t *testing.T) {
	ctx := context.Background()
	conf := &stubConfirmer{
		wait:  confirm.Outcome{State: confirm.StateTimedOut},
		check: confirm.Outcome{State: confirm.StatePolling},
	}
	f := newFixture(t, Config{RecheckInterval: time.Minute, RequeueDelays: []time.Duration{30 * time.Second}}, conf)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)
	first, err := f.settler.Broadcast(ctx, res.SettlementID)
	require.NoError(t, err)
	f.settler.Close()
	require.EqualValues(t, 1005, f.settlement(t, res.SettlementID).ExpiryTick)

	// Still inside the tick window: keep waiting.
	f.clock.Add(time.Minute)
	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rechecked)
	require.Zero(t, rep.Expired)
	require.Equal(t, domain.SettlementBroadcast, f.settlement(t, res.SettlementID).State)

	f.net.AdvanceTick(1_000_000)
	f.clock.Add(time.Minute)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)

	stl := f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementQueued, stl.State)
	require.Empty(t, stl.ExternalTxID)
	require.Zero(t, stl.ExpiryTick)
	require.Contains(t, stl.LastError, "expired at tick 1005")
	require.Equal(t, domain.TxPending, f.transaction(t, res.TransactionID).Status)

	conf.mu.Lock()
	conf.wait = confirm.Outcome{State: confirm.StateConfirmed, Confirmations: 3}
	conf.mu.Unlock()
	f.clock.Add(30 * time.Second)
	rep, err = f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Broadcast)
	f.settler.Close()

	stl = f.settlement(t, res.SettlementID)
	require.Equal(t, domain.SettlementConfirmed, stl.State)
	require.Equal(t, 2, stl.Attempts)
	require.NotEqual(t, first, stl.ExternalTxID)
	require.EqualValues(t, 1_001_005, stl.ExpiryTick)
	require.Equal(t, domain.TxCompleted, f.transaction(t, res.TransactionID).Status)

	transfers := f.net.Transfers()
	require.Len(t, transfers, 2)
	require.EqualValues(t, 1_001_005, transfers[1].Tick)
}

func TestExpiredBroadcastFailsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	conf := &stubConfirmer{
		wait:  confirm.Outcome{State: confirm.StateTimedOut},
		check: confirm.Outcome{State: confirm.StatePolling},
	}
	f := newFixture(t, Config{MaxAttempts: 1}, conf)

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)
	_, err = f.settler.Broadcast(ctx, res.SettlementID)
	require.NoError(t, err)
	f.settler.Close()

	f.net.AdvanceTick(10)
	f.clock.Add(time.Hour)
	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Expired)
	require.Zero(t, rep.Pending)

	require.Equal(t, domain.SettlementFailed, f.settlement(t, res.SettlementID).State)
	tx := f.transaction(t, res.TransactionID)
	require.Equal(t, domain.TxFailed, tx.Status)
	require.NotNil(t, tx.CompletedAt)
}

func TestReconcileWithPoller(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.settler.confirmer = confirm.New(f.net, confirm.Options{Interval: time.Millisecond, Timeout: 5 * time.Second})

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1", Amount: 20})
	require.NoError(t, err)
	require.Empty(t, res.ExternalTxID, "no inline settler")

	pending, err := f.settler.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rep, err := f.settler.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Broadcast)

	require.Eventually(t, func() bool {
		return f.settlement(t, res.SettlementID).State == domain.SettlementConfirmed
	}, 5*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, f.net.StatusCalls(), 3)

	pending, err = f.settler.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBroadcastSignFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, nil)
	f.settler.signer = failingSigner{}

	res, err := f.ledger.Release(ctx, ledger.ReleaseRequest{JobID: "job-1"})
	require.NoError(t, err)
	_, err = f.settler.Broadcast(ctx, res.SettlementID)
	require.Error(t, err)
	require.Zero(t, f.net.BroadcastCalls())
	require.Contains(t, f.settlement(t, res.SettlementID).LastError, "sign transfer")
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, ledgernet.Transfer) (ledgernet.SignedTransfer, error) {
	return ledgernet.SignedTransfer{}, errors.New("key unavailable")
}
