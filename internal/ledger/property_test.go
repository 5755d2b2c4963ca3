package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"computepay/internal/domain"
	"computepay/internal/store"
)

// Funds are never created or destroyed: local balances plus LOCKED escrow
// amounts always equal what was deposited, and every resolved escrow splits its
// amount exactly between release and refund.
func TestFundConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture()
		deposit := rapid.Int64Range(1, 1_000).Draw(rt, "deposit")
		_, err := f.ledger.Deposit(ctx, payer, deposit)
		require.NoError(rt, err)
		f.net.SetBalance(payer, 1_000_000)

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			job := fmt.Sprintf("job-%d", rapid.IntRange(0, 4).Draw(rt, "job"))
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				amount := rapid.Int64Range(1, 400).Draw(rt, "lock")
				_, _ = f.ledger.Lock(ctx, LockRequest{Payer: payer, JobID: job, Amount: amount, Payee: payee})
			case 1:
				amount := rapid.Int64Range(0, 400).Draw(rt, "release")
				_, _ = f.ledger.Release(ctx, ReleaseRequest{JobID: job, Amount: amount})
			case 2:
				_, _ = f.ledger.Refund(ctx, job)
			}
			checkConservation(rt, f, deposit)
		}
	})
}

func checkConservation(rt *rapid.T, f *fixture, deposited int64) {
	ctx := context.Background()
	err := f.store.View(ctx, func(tx store.Tx) error {
		p, err := tx.Account(ctx, payer)
		if err != nil {
			return err
		}
		q, err := tx.Account(ctx, payee)
		if err != nil {
			return err
		}
		escrows, err := tx.Escrows(ctx, domain.EscrowFilter{})
		if err != nil {
			return err
		}
		held := int64(0)
		for _, e := range escrows {
			switch e.Status {
			case domain.EscrowLocked:
				held += e.Amount
				require.Zero(rt, e.Released+e.Refunded)
			default:
				require.Equal(rt, e.Amount, e.Released+e.Refunded, "job %s", e.JobID)
			}
		}
		require.GreaterOrEqual(rt, p.Balance, int64(0))
		require.Equal(rt, deposited, p.Balance+q.Balance+held)
		return nil
	})
	require.NoError(rt, err)
}

func TestCodeMapping(t *testing.T) {
	cases := map[string]error{
		"VALIDATION":           domain.ErrValidation,
		"INSUFFICIENT_BALANCE": fmt.Errorf("wrap: %w", domain.ErrInsufficientBalance),
		"DUPLICATE_ESCROW":     domain.ErrDuplicateEscrow,
		"INVALID_STATE":        domain.ErrInvalidState,
		"INTERNAL":             fmt.Errorf("disk on fire"),
	}
	for want, err := range cases {
		require.Equal(t, want, Code(err))
	}
	require.Empty(t, Code(nil))
}

func TestSurfaceResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, payer, 100)
	providers := map[string]string{"job-1": payee}
	s := NewSurface(f.ledger, PayeeFunc(func(_ context.Context, jobID string) (string, error) {
		return providers[jobID], nil
	}))

	view, err := s.Status(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, view.HasEscrow)

	res := s.Lock(ctx, payer, "job-1", 50)
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.TransactionID)
	require.EqualValues(t, 50, f.balance(t, payer))

	dup := s.Lock(ctx, payer, "job-1", 25)
	require.False(t, dup.Success)
	require.Equal(t, "DUPLICATE_ESCROW", dup.Code)
	require.NotEmpty(t, dup.Error)
	require.EqualValues(t, 50, f.balance(t, payer))

	view, err = s.Status(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, view.HasEscrow)
	require.Equal(t, "LOCKED", view.Status)
	require.EqualValues(t, 50, view.Amount)
	require.NotNil(t, view.LockedAt)

	rel := s.Release(ctx, "job-1")
	require.True(t, rel.Success, rel.Error)
	require.NotEmpty(t, rel.TransactionID)
	require.NotEqual(t, res.TransactionID, rel.TransactionID)
	require.EqualValues(t, 50, f.balance(t, payee))
	require.EqualValues(t, 50, f.balance(t, payer))
	view, err = s.Status(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "RELEASED", view.Status)

	require.True(t, s.Lock(ctx, payer, "job-2", 30).Success)
	require.EqualValues(t, 20, f.balance(t, payer))
	require.True(t, s.Refund(ctx, "job-2").Success)
	require.EqualValues(t, 50, f.balance(t, payer))
	again := s.Refund(ctx, "job-2")
	require.False(t, again.Success)
	require.Equal(t, "INVALID_STATE", again.Code)
	require.EqualValues(t, 50, f.balance(t, payer))
	require.EqualValues(t, 50, f.balance(t, payee))
}

func TestSurfaceReleasePayeeResolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, payer, 100)

	// A payee recorded at lock time is used when the resolver has none.
	_, err := f.ledger.Lock(ctx, LockRequest{Payer: payer, JobID: "job-r", Amount: 10, Payee: payee})
	require.NoError(t, err)
	s := NewSurface(f.ledger, PayeeFunc(func(context.Context, string) (string, error) { return "", nil }))
	require.True(t, s.Release(ctx, "job-r").Success)
	require.EqualValues(t, 10, f.balance(t, payee))

	// Nothing recorded and nothing resolved.
	require.True(t, s.Lock(ctx, payer, "job-u", 10).Success)
	res := s.Release(ctx, "job-u")
	require.False(t, res.Success)
	require.Equal(t, "VALIDATION", res.Code)
	require.Equal(t, domain.EscrowLocked, f.escrow(t, "job-u").Status)

	lookupErr := errors.New("job service unavailable")
	failing := NewSurface(f.ledger, PayeeFunc(func(context.Context, string) (string, error) { return "", lookupErr }))
	res = failing.Release(ctx, "job-u")
	require.False(t, res.Success)
	require.Contains(t, res.Error, "job service unavailable")
	require.Equal(t, "INTERNAL", res.Code)
	require.EqualValues(t, 80, f.balance(t, payer))
}
