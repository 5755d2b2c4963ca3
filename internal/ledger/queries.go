package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"computepay/internal/domain"
	"computepay/internal/ledgernet"
	"computepay/internal/store"
	"computepay/internal/units"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Deposit credits a local account and records a DEPOSIT transaction.
func (l *Ledger) Deposit(ctx context.Context, owner string, amount int64) (txID string, err error) {
	defer func() { l.observe("deposit", err) }()

	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if !ledgernet.ValidIdentity(owner) {
		return "", fmt.Errorf("%w: malformed identity", domain.ErrValidation)
	}
	now := l.clock.Now().UTC()
	txID = l.newID()
	err = l.store.Update(ctx, func(tx store.Tx) error {
		if err := credit(ctx, tx, owner, amount, now); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, domain.Transaction{
			ID:          txID,
			Owner:       owner,
			Type:        domain.TxDeposit,
			Amount:      amount,
			Status:      domain.TxCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return "", err
	}
	l.log.Info("account funded", "owner", owner, "amount", units.Format(amount), "tx_id", txID)
	return txID, nil
}

// Balance is the local account balance; unknown owners hold zero.
func (l *Ledger) Balance(ctx context.Context, owner string) (int64, error) {
	var bal int64
	err := l.store.View(ctx, func(tx store.Tx) error {
		a, err := tx.Account(ctx, owner)
		bal = a.Balance
		return err
	})
	return bal, err
}

// History pages through transactions newest first and reports the total match count.
func (l *Ledger) History(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, int, error) {
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset", domain.ErrValidation)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultHistoryLimit
	case f.Limit > maxHistoryLimit:
		f.Limit = maxHistoryLimit
	}
	var (
		page  []domain.Transaction
		total int
	)
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		page, total, err = tx.Transactions(ctx, f)
		return err
	})
	return page, total, err
}

// PendingEscrows lists LOCKED escrows, oldest first.
func (l *Ledger) PendingEscrows(ctx context.Context) ([]domain.Escrow, error) {
	return l.escrows(ctx, domain.EscrowFilter{Status: domain.EscrowLocked})
}

// EscrowsFor lists escrows where identity is payer or payee.
func (l *Ledger) EscrowsFor(ctx context.Context, identity string) ([]domain.Escrow, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("%w: identity required", domain.ErrValidation)
	}
	return l.escrows(ctx, domain.EscrowFilter{Party: identity})
}

func (l *Ledger) escrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	var out []domain.Escrow
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Escrows(ctx, f)
		return err
	})
	return out, err
}

func (l *Ledger) Stats(ctx context.Context) (domain.Stats, error) {
	all, err := l.escrows(ctx, domain.EscrowFilter{})
	if err != nil {
		return domain.Stats{}, err
	}
	var s domain.Stats
	for _, e := range all {
		s.TotalEscrows++
		s.TotalLocked += e.Amount
		s.TotalReleased += e.Released
		s.TotalRefunded += e.Refunded
		if e.Status == domain.EscrowLocked {
			s.ActiveEscrows++
		}
	}
	return s, nil
}

// RefundExpired refunds every LOCKED escrow whose expiry has passed and returns
// how many it refunded.
func (l *Ledger) RefundExpired(ctx context.Context) (int, error) {
	now := l.clock.Now().UTC()
	expired, err := l.escrows(ctx, domain.EscrowFilter{Status: domain.EscrowLocked, ExpiredBefore: &now})
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, e := range expired {
		if _, err := l.Refund(ctx, e.JobID); err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				continue
			}
			return refunded, fmt.Errorf("refund expired %s: %w", e.JobID, err)
		}
		l.log.Info("expired escrow refunded", "job_id", e.JobID, "expired_at", e.ExpiresAt)
		refunded++
	}
	return refunded, nil
}

// RunExpirySweeper calls RefundExpired every interval until ctx ends.
func (l *Ledger) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := l.RefundExpired(ctx); err != nil {
				l.log.Warn("expiry sweep failed", "refunded", n, "error", err)
			}
		}
	}
}
