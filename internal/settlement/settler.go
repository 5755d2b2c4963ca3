// Package settlement drains the durable queue of released funds onto the ledger
// network: it claims a settlement, signs and broadcasts the transfer, follows it
// to confirmation, and reconciles whatever a crash or timeout left behind.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"computepay/internal/confirm"
	"computepay/internal/domain"
	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/metrics"
	"computepay/internal/retry"
	"computepay/internal/store"
	"computepay/internal/units"
)

// ErrNotClaimable means the settlement is not QUEUED or not yet due.
var ErrNotClaimable = errors.New("settlement not claimable")

// Confirmer is the confirmation poller as the settler uses it.
type Confirmer interface {
	Wait(ctx context.Context, externalID string, progress confirm.ProgressFunc) (confirm.Outcome, error)
	Check(ctx context.Context, externalID string) (confirm.Outcome, error)
}

type Config struct {
	// PlatformIdentity is the source of every settlement transfer.
	PlatformIdentity string
	// TickOffset is added to the current tick to form the transfer's expiry tick.
	TickOffset uint64
	// Lease is how long a claimed settlement is hidden from other workers.
	Lease time.Duration
	// RequeueDelays spaces broadcast attempts; the last entry repeats.
	RequeueDelays   []time.Duration
	MaxAttempts     int
	RecheckInterval time.Duration
	BatchSize       int
}

func (c *Config) withDefaults() {
	if c.TickOffset == 0 {
		c.TickOffset = 5
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if len(c.RequeueDelays) == 0 {
		c.RequeueDelays = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

type Options struct {
	Policy  retry.Policy
	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.Registry
}

type Settler struct {
	store     store.Store
	net       ledgernet.Client
	signer    ledgernet.Signer
	confirmer Confirmer
	cfg       Config
	policy    retry.Policy
	clock     clock.Clock
	log       *logger.Logger
	metrics   *metrics.Registry

	watchCtx    context.Context
	stopWatches context.CancelFunc
	watching    sync.Map
	wg          sync.WaitGroup
}

func New(st store.Store, net ledgernet.Client, signer ledgernet.Signer, confirmer Confirmer, cfg Config, opts Options) *Settler {
	cfg.withDefaults()
	s := &Settler{
		store:     st,
		net:       net,
		signer:    signer,
		confirmer: confirmer,
		cfg:       cfg,
		policy:    opts.Policy,
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
	if s.policy.Attempts == 0 && len(s.policy.Backoff) == 0 {
		s.policy = retry.Default()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.watchCtx, s.stopWatches = context.WithCancel(context.Background())
	return s
}

// Close stops confirmation watches and waits for them to exit. Unfinished
// settlements stay BROADCAST and are re-checked by the next Reconcile.
func (s *Settler) Close() {
	s.stopWatches()
	s.wg.Wait()
}

// Broadcast claims a QUEUED settlement, signs its transfer and submits it. On
// success the external id is recorded and a confirmation watch is started.
func (s *Settler) Broadcast(ctx context.Context, settlementID string) (string, error) {
	stl, err := s.claim(ctx, settlementID)
	if err != nil {
		return "", err
	}
	log := s.log.With("settlement_id", stl.ID, "job_id", stl.JobID, "attempt", stl.Attempts)

	ext, expiry, err := s.submit(ctx, stl)
	if err != nil {
		s.metrics.IncBroadcast("error")
		log.Warn("settlement broadcast failed", "error", err)
		if recErr := s.recordFailure(ctx, stl, err); recErr != nil {
			log.Error("recording broadcast failure", "error", recErr)
		}
		return "", err
	}

	s.metrics.IncBroadcast("ok")
	if err := s.recordBroadcast(ctx, stl, ext, expiry); err != nil {
		// The transfer is out but the row still reads QUEUED and will be sent
		// again once the lease lapses.
		log.Error("broadcast succeeded but external id not recorded", "external_tx_id", ext, "error", err)
		return ext, err
	}
	log.Info("settlement broadcast", "external_tx_id", ext, "amount", units.Format(stl.Amount), "expiry_tick", expiry)

	stl.State = domain.SettlementBroadcast
	stl.ExternalTxID = ext
	stl.ExpiryTick = expiry
	s.watch(stl)
	return ext, nil
}

func (s *Settler) claim(ctx context.Context, id string) (domain.Settlement, error) {
	now := s.clock.Now().UTC()
	var out domain.Settlement
	err := s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Settlement(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, id)
		}
		if cur.State != domain.SettlementQueued {
			return fmt.Errorf("%w: %s is %s", ErrNotClaimable, id, cur.State)
		}
		if cur.NextAttemptAt.After(now) {
			return fmt.Errorf("%w: %s not due until %s", ErrNotClaimable, id, cur.NextAttemptAt.Format(time.RFC3339))
		}
		cur.Attempts++
		cur.NextAttemptAt = now.Add(s.cfg.Lease)
		cur.UpdatedAt = now
		out = *cur
		return tx.SaveSettlement(ctx, *cur)
	})
	return out, err
}

// submit signs once and retries only the broadcast, so every attempt sends the
// same payload and a lost response cannot produce a second transfer. It returns
// the external id and the transfer's expiry tick.
func (s *Settler) submit(ctx context.Context, stl domain.Settlement) (string, uint64, error) {
	policy := s.policy
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.IncRetry("broadcast")
		s.log.Debug("network call failed", "settlement_id", stl.ID, "attempt", attempt, "error", err)
	}

	tick, err := retry.DoValue(ctx, policy, s.net.GetTick)
	if err != nil {
		return "", 0, fmt.Errorf("fetch tick: %w", err)
	}
	expiry := tick + s.cfg.TickOffset
	signed, err := s.signer.Sign(ctx, ledgernet.Transfer{
		From:   s.cfg.PlatformIdentity,
		To:     stl.Destination,
		Amount: stl.Amount,
		Tick:   expiry,
	})
	if err != nil {
		return "", 0, fmt.Errorf("sign transfer: %w", err)
	}
	ext, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		return s.net.Broadcast(ctx, signed)
	})
	return ext, expiry, err
}

// bookkeeping detaches from the caller's deadline so outcomes are recorded even
// when the inline broadcast budget ran out.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (s *Settler) recordBroadcast(ctx context.Context, stl domain.Settlement, ext string, expiry uint64) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	return s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Settlement(ctx, stl.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: settlement %s", domain.ErrNotFound, stl.ID)
		}
		cur.State = domain.SettlementBroadcast
		cur.ExternalTxID = ext
		cur.ExpiryTick = expiry
		cur.LastError = ""
		cur.NextAttemptAt = now.Add(s.cfg.RecheckInterval)
		cur.UpdatedAt = now
		if err := tx.SaveSettlement(ctx, *cur); err != nil {
			return err
		}

		ltx, err := tx.Transaction(ctx, cur.TransactionID)
		if err != nil {
			return err
		}
		if ltx != nil {
			ltx.ExternalTxID = ext
			if err := tx.UpdateTransaction(ctx, *ltx); err != nil {
				return err
			}
		}
		escrow, err := tx.Escrow(ctx, cur.JobID)
		if err != nil {
			return err
		}
		if escrow != nil {
			escrow.ExternalTxID = ext
			return tx.SaveEscrow(ctx, *escrow)
		}
		return nil
	})
}

func (s *Settler) recordFailure(ctx context.Context, stl domain.Settlement, cause error) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	return s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Settlement(ctx, stl.ID)
		if err != nil || cur == nil {
			return err
		}
		if cur.State != domain.SettlementQueued {
			return nil
		}
		return s.requeueOrFail(ctx, tx, cur, cause.Error(), now)
	})
}

// requeueOrFail schedules another broadcast, or gives up once MaxAttempts is
// reached and marks the RELEASE transaction FAILED.
func (s *Settler) requeueOrFail(ctx context.Context, tx store.Tx, cur *domain.Settlement, reason string, now time.Time) error {
	cur.LastError = reason
	cur.ExternalTxID = ""
	cur.ExpiryTick = 0
	cur.UpdatedAt = now
	if cur.Attempts < s.cfg.MaxAttempts {
		cur.State = domain.SettlementQueued
		cur.NextAttemptAt = now.Add(s.requeueDelay(cur.Attempts))
		if err := tx.SaveSettlement(ctx, *cur); err != nil {
			return err
		}
		return s.setTransaction(ctx, tx, cur.TransactionID, domain.TxPending, "", nil)
	}

	cur.State = domain.SettlementFailed
	if err := tx.SaveSettlement(ctx, *cur); err != nil {
		return err
	}
	s.log.Error("settlement abandoned", "settlement_id", cur.ID, "job_id", cur.JobID,
		"attempts", cur.Attempts, "error", reason)
	return s.setTransaction(ctx, tx, cur.TransactionID, domain.TxFailed, "", &now)
}

func (s *Settler) requeueDelay(attempts int) time.Duration {
	d := s.cfg.RequeueDelays
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d) {
		idx = len(d) - 1
	}
	return d[idx]
}

func (s *Settler) setTransaction(ctx context.Context, tx store.Tx, id string, status domain.TxStatus, ext string, completed *time.Time) error {
	ltx, err := tx.Transaction(ctx, id)
	if err != nil || ltx == nil {
		return err
	}
	ltx.Status = status
	ltx.CompletedAt = completed
	if ext != "" || status != domain.TxCompleted {
		ltx.ExternalTxID = ext
	}
	return tx.UpdateTransaction(ctx, *ltx)
}

func (s *Settler) watch(stl domain.Settlement) {
	if _, busy := s.watching.LoadOrStore(stl.ID, struct{}{}); busy {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.watching.Delete(stl.ID)

		log := s.log.With("settlement_id", stl.ID, "external_tx_id", stl.ExternalTxID)
		out, err := s.confirmer.Wait(s.watchCtx, stl.ExternalTxID, func(_ string, n int) {
			log.Debug("confirmation progress", "confirmations", n)
		})
		if err != nil {
			return
		}
		if err := s.applyOutcome(s.watchCtx, stl.ID, stl.ExternalTxID, out); err != nil {
			log.Error("recording confirmation outcome", "state", out.State, "error", err)
		}
	}()
}

// applyOutcome records a poll result against a BROADCAST settlement. A timeout
// keeps it BROADCAST for a later re-check; only expire sends it again.
func (s *Settler) applyOutcome(ctx context.Context, id, ext string, out confirm.Outcome) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	return s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Settlement(ctx, id)
		if err != nil || cur == nil {
			return err
		}
		if cur.State != domain.SettlementBroadcast || cur.ExternalTxID != ext {
			return nil
		}
		switch out.State {
		case confirm.StateConfirmed:
			cur.State = domain.SettlementConfirmed
			cur.LastError = ""
			cur.UpdatedAt = now
			if err := tx.SaveSettlement(ctx, *cur); err != nil {
				return err
			}
			s.log.Info("settlement confirmed", "settlement_id", id, "job_id", cur.JobID,
				"external_tx_id", ext, "confirmations", out.Confirmations)
			return s.setTransaction(ctx, tx, cur.TransactionID, domain.TxCompleted, ext, &now)
		case confirm.StateFailed:
			s.log.Warn("transfer rejected by network", "settlement_id", id, "external_tx_id", ext)
			return s.requeueOrFail(ctx, tx, cur, confirm.ErrTransferRejected.Error()+": "+ext, now)
		default:
			if out.State == confirm.StateTimedOut {
				cur.LastError = confirm.ErrConfirmationTimeout.Error()
			}
			cur.NextAttemptAt = now.Add(s.cfg.RecheckInterval)
			cur.UpdatedAt = now
			return tx.SaveSettlement(ctx, *cur)
		}
	})
}

// expire requeues a BROADCAST settlement whose transfer can no longer execute
// because the network has moved past its expiry tick.
func (s *Settler) expire(ctx context.Context, id, ext string, tick uint64) error {
	ctx, cancel := bookkeeping(ctx)
	defer cancel()
	now := s.clock.Now().UTC()
	return s.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Settlement(ctx, id)
		if err != nil || cur == nil {
			return err
		}
		if cur.State != domain.SettlementBroadcast || cur.ExternalTxID != ext {
			return nil
		}
		if cur.ExpiryTick == 0 || tick <= cur.ExpiryTick {
			return nil
		}
		s.log.Warn("broadcast transfer expired unconfirmed", "settlement_id", id, "job_id", cur.JobID,
			"external_tx_id", ext, "expiry_tick", cur.ExpiryTick, "tick", tick)
		s.metrics.IncBroadcast("expired")
		reason := fmt.Sprintf("transfer %s expired at tick %d (network at %d)", ext, cur.ExpiryTick, tick)
		return s.requeueOrFail(ctx, tx, cur, reason, now)
	})
}
