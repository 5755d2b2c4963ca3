// Package ledger moves funds between local accounts and job escrows. Every
// operation commits atomically; the matching network transfer is settled after
// the commit and never rolls it back.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"computepay/internal/balancecache"
	"computepay/internal/domain"
	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/metrics"
	"computepay/internal/store"
	"computepay/internal/units"
)

const DefaultBroadcastTimeout = 10 * time.Second

// BalanceReader is the balance cache as the ledger uses it.
type BalanceReader interface {
	Get(ctx context.Context, address string) (balancecache.Reading, error)
	Invalidate(ctx context.Context, address string) error
}

// Settler pushes a queued settlement to the network and returns its external id.
type Settler interface {
	Broadcast(ctx context.Context, settlementID string) (string, error)
}

type Options struct {
	// Settler is optional; without it released settlements wait for the reconciler.
	Settler          Settler
	BroadcastTimeout time.Duration
	Clock            clock.Clock
	Logger           *logger.Logger
	Metrics          *metrics.Registry
}

type Ledger struct {
	store            store.Store
	balances         BalanceReader
	settler          Settler
	broadcastTimeout time.Duration
	clock            clock.Clock
	log              *logger.Logger
	metrics          *metrics.Registry
	jobs             *jobLocks
	newID            func() string
}

func New(st store.Store, balances BalanceReader, opts Options) *Ledger {
	l := &Ledger{
		store:            st,
		balances:         balances,
		settler:          opts.Settler,
		broadcastTimeout: opts.BroadcastTimeout,
		clock:            opts.Clock,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		jobs:             newJobLocks(),
		newID:            uuid.NewString,
	}
	if l.broadcastTimeout <= 0 {
		l.broadcastTimeout = DefaultBroadcastTimeout
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.log == nil {
		l.log = logger.Nop()
	}
	return l
}

// SetSettler attaches the settler after construction. Not safe once operations run.
func (l *Ledger) SetSettler(s Settler) {
	l.settler = s
}

type LockRequest struct {
	Payer  string
	JobID  string
	Amount int64
	// Payee may be left empty and supplied at release.
	Payee string
	// Timeout, when set, makes the escrow eligible for RefundExpired after it elapses.
	Timeout time.Duration
}

// Lock debits the payer and holds the amount against the job. It returns the
// LOCK transaction id.
func (l *Ledger) Lock(ctx context.Context, req LockRequest) (txID string, err error) {
	defer func() { l.observe("lock", err) }()

	if err := validateLock(req); err != nil {
		return "", err
	}
	unlock := l.jobs.lock(req.JobID)
	defer unlock()

	if err := l.ensureNoEscrow(ctx, req.JobID); err != nil {
		return "", err
	}
	if err := l.checkNetworkBalance(ctx, req.Payer, req.Amount); err != nil {
		return "", err
	}

	now := l.clock.Now().UTC()
	txID = l.newID()
	err = l.store.Update(ctx, func(tx store.Tx) error {
		existing, err := tx.Escrow(ctx, req.JobID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEscrow, req.JobID)
		}
		acct, err := tx.Account(ctx, req.Payer)
		if err != nil {
			return err
		}
		if acct.Balance < req.Amount {
			return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientBalance, acct.Balance, req.Amount)
		}
		acct.Balance -= req.Amount
		acct.UpdatedAt = now
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}

		escrow := domain.Escrow{
			JobID:     req.JobID,
			Payer:     req.Payer,
			Payee:     req.Payee,
			Amount:    req.Amount,
			Status:    domain.EscrowLocked,
			CreatedAt: now,
		}
		if req.Timeout > 0 {
			expires := now.Add(req.Timeout)
			escrow.ExpiresAt = &expires
		}
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, domain.Transaction{
			ID:          txID,
			JobID:       req.JobID,
			Owner:       req.Payer,
			Type:        domain.TxLock,
			Amount:      req.Amount,
			Status:      domain.TxCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return "", err
	}

	l.invalidate(ctx, req.Payer)
	l.log.Info("escrow locked", "job_id", req.JobID, "payer", req.Payer, "amount", units.Format(req.Amount), "tx_id", txID)
	return txID, nil
}

func validateLock(req LockRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if !ledgernet.ValidIdentity(req.Payer) {
		return fmt.Errorf("%w: malformed payer identity", domain.ErrValidation)
	}
	if strings.TrimSpace(req.JobID) == "" {
		return fmt.Errorf("%w: job id required", domain.ErrValidation)
	}
	if req.Payee != "" && !ledgernet.ValidIdentity(req.Payee) {
		return fmt.Errorf("%w: malformed payee identity", domain.ErrValidation)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", domain.ErrValidation)
	}
	return nil
}

func (l *Ledger) ensureNoEscrow(ctx context.Context, jobID string) error {
	return l.store.View(ctx, func(tx store.Tx) error {
		existing, err := tx.Escrow(ctx, jobID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEscrow, jobID)
		}
		return nil
	})
}

// checkNetworkBalance requires a fresh reading; a stale one is discarded and
// re-read live once before giving up.
func (l *Ledger) checkNetworkBalance(ctx context.Context, payer string, amount int64) error {
	reading, err := l.balances.Get(ctx, payer)
	if err != nil {
		return err
	}
	if !reading.Fresh {
		l.log.Warn("stale balance at lock, revalidating", "payer", payer, "age", reading.Age)
		l.invalidate(ctx, payer)
		reading, err = l.balances.Get(ctx, payer)
		if err != nil {
			return err
		}
		if !reading.Fresh {
			return fmt.Errorf("%w: balance for %s could not be refreshed", ledgernet.ErrNetwork, payer)
		}
	}
	if reading.Balance < amount {
		return fmt.Errorf("%w: network balance %d, need %d", domain.ErrInsufficientBalance, reading.Balance, amount)
	}
	return nil
}

type ReleaseRequest struct {
	JobID string
	// Amount is what the payee earned; zero releases the full locked amount.
	Amount int64
	// Payee overrides the payee recorded at lock.
	Payee string
}

type ReleaseResult struct {
	TransactionID string
	RefundID      string
	SettlementID  string
	// ExternalTxID is set only when the inline broadcast succeeded.
	ExternalTxID string
}

// Release pays the payee and refunds any remainder to the payer in one commit,
// then tries once to broadcast the settlement. Broadcast failure leaves the
// RELEASE transaction PENDING for the reconciler.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (res ReleaseResult, err error) {
	defer func() { l.observe("release", err) }()

	if strings.TrimSpace(req.JobID) == "" {
		return ReleaseResult{}, fmt.Errorf("%w: job id required", domain.ErrValidation)
	}
	if req.Amount < 0 {
		return ReleaseResult{}, fmt.Errorf("%w: amount must not be negative", domain.ErrValidation)
	}
	if req.Payee != "" && !ledgernet.ValidIdentity(req.Payee) {
		return ReleaseResult{}, fmt.Errorf("%w: malformed payee identity", domain.ErrValidation)
	}
	unlock := l.jobs.lock(req.JobID)
	defer unlock()

	now := l.clock.Now().UTC()
	res = ReleaseResult{TransactionID: l.newID(), SettlementID: l.newID()}
	var escrow domain.Escrow
	err = l.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Escrow(ctx, req.JobID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != domain.EscrowLocked {
			return invalidState(req.JobID, cur)
		}
		escrow = *cur

		actual := req.Amount
		if actual == 0 {
			actual = escrow.Amount
		}
		if actual > escrow.Amount {
			return fmt.Errorf("%w: release %d exceeds locked %d", domain.ErrValidation, actual, escrow.Amount)
		}
		payee := req.Payee
		if payee == "" {
			payee = escrow.Payee
		}
		if payee == "" {
			return fmt.Errorf("%w: no payee for job %s", domain.ErrValidation, req.JobID)
		}

		if err := credit(ctx, tx, payee, actual, now); err != nil {
			return err
		}
		remainder := escrow.Amount - actual
		if remainder > 0 {
			if err := credit(ctx, tx, escrow.Payer, remainder, now); err != nil {
				return err
			}
			res.RefundID = l.newID()
			if err := tx.AppendTransaction(ctx, domain.Transaction{
				ID:          res.RefundID,
				JobID:       req.JobID,
				Owner:       escrow.Payer,
				Type:        domain.TxRefund,
				Amount:      remainder,
				Status:      domain.TxCompleted,
				CreatedAt:   now,
				CompletedAt: &now,
			}); err != nil {
				return err
			}
		}

		escrow.Payee = payee
		escrow.Status = domain.EscrowReleased
		escrow.Released = actual
		escrow.Refunded = remainder
		escrow.CompletedAt = &now
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, domain.Transaction{
			ID:        res.TransactionID,
			JobID:     req.JobID,
			Owner:     payee,
			Type:      domain.TxRelease,
			Amount:    actual,
			Status:    domain.TxPending,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.SaveSettlement(ctx, domain.Settlement{
			ID:            res.SettlementID,
			TransactionID: res.TransactionID,
			JobID:         req.JobID,
			Destination:   payee,
			Amount:        actual,
			State:         domain.SettlementQueued,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	l.invalidate(ctx, escrow.Payer)
	l.invalidate(ctx, escrow.Payee)
	l.log.Info("escrow released", "job_id", req.JobID, "payee", escrow.Payee,
		"released", units.Format(escrow.Released), "refunded", units.Format(escrow.Refunded), "tx_id", res.TransactionID)

	res.ExternalTxID = l.broadcastInline(ctx, req.JobID, res.SettlementID)
	return res, nil
}

func (l *Ledger) broadcastInline(ctx context.Context, jobID, settlementID string) string {
	if l.settler == nil {
		return ""
	}
	bctx, cancel := context.WithTimeout(ctx, l.broadcastTimeout)
	defer cancel()
	ext, err := l.settler.Broadcast(bctx, settlementID)
	if err != nil {
		l.log.Warn("inline settlement broadcast failed, left for reconciler",
			"job_id", jobID, "settlement_id", settlementID, "error", err)
		return ""
	}
	return ext
}

// Refund returns the full locked amount to the payer. It returns the REFUND
// transaction id and fails with ErrInvalidState once the escrow is terminal.
func (l *Ledger) Refund(ctx context.Context, jobID string) (txID string, err error) {
	defer func() { l.observe("refund", err) }()

	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("%w: job id required", domain.ErrValidation)
	}
	unlock := l.jobs.lock(jobID)
	defer unlock()

	now := l.clock.Now().UTC()
	txID = l.newID()
	var escrow domain.Escrow
	err = l.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Escrow(ctx, jobID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != domain.EscrowLocked {
			return invalidState(jobID, cur)
		}
		escrow = *cur
		if err := credit(ctx, tx, escrow.Payer, escrow.Amount, now); err != nil {
			return err
		}
		escrow.Status = domain.EscrowRefunded
		escrow.Refunded = escrow.Amount
		escrow.CompletedAt = &now
		if err := tx.SaveEscrow(ctx, escrow); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, domain.Transaction{
			ID:          txID,
			JobID:       jobID,
			Owner:       escrow.Payer,
			Type:        domain.TxRefund,
			Amount:      escrow.Amount,
			Status:      domain.TxCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
		})
	})
	if err != nil {
		return "", err
	}

	l.invalidate(ctx, escrow.Payer)
	l.log.Info("escrow refunded", "job_id", jobID, "payer", escrow.Payer, "amount", units.Format(escrow.Amount), "tx_id", txID)
	return txID, nil
}

// Status returns the escrow for jobID, or nil when there is none.
func (l *Ledger) Status(ctx context.Context, jobID string) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := l.store.View(ctx, func(tx store.Tx) error {
		e, err := tx.Escrow(ctx, jobID)
		out = e
		return err
	})
	return out, err
}

func credit(ctx context.Context, tx store.Tx, owner string, amount int64, now time.Time) error {
	acct, err := tx.Account(ctx, owner)
	if err != nil {
		return err
	}
	if acct.Balance > math.MaxInt64-amount {
		return fmt.Errorf("%w: balance of %s would overflow", domain.ErrValidation, owner)
	}
	acct.Balance += amount
	acct.UpdatedAt = now
	return tx.SaveAccount(ctx, acct)
}

func invalidState(jobID string, cur *domain.Escrow) error {
	if cur == nil {
		return fmt.Errorf("%w: no escrow for job %s", domain.ErrInvalidState, jobID)
	}
	return fmt.Errorf("%w: escrow for job %s is %s", domain.ErrInvalidState, jobID, cur.Status)
}

func (l *Ledger) invalidate(ctx context.Context, address string) {
	if address == "" {
		return
	}
	if err := l.balances.Invalidate(ctx, address); err != nil {
		l.log.Warn("balance cache invalidate failed", "address", address, "error", err)
	}
}

func (l *Ledger) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(Code(err))
		if errors.Is(err, context.Canceled) {
			result = "canceled"
		}
	}
	l.metrics.IncEscrowOp(op, result)
}
