package settlement

import (
	"context"
	"errors"
	"time"

	"computepay/internal/confirm"
	"computepay/internal/domain"
	"computepay/internal/store"
)

// Report summarises one reconcile pass.
type Report struct {
	Broadcast int `json:"broadcast"`
	Failed    int `json:"failed"`
	Rechecked int `json:"rechecked"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
}

// Reconcile broadcasts due QUEUED settlements and re-checks due BROADCAST ones
// that no watch is following. A re-checked transfer that is still unconfirmed
// after the network passed its expiry tick is requeued.
func (s *Settler) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	now := s.clock.Now().UTC()

	queued, err := s.list(ctx, domain.SettlementFilter{
		States: []domain.SettlementState{domain.SettlementQueued},
		DueBy:  &now,
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		return rep, err
	}
	for _, stl := range queued {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if _, err := s.Broadcast(ctx, stl.ID); err != nil {
			if !errors.Is(err, ErrNotClaimable) {
				rep.Failed++
			}
			continue
		}
		rep.Broadcast++
	}

	broadcast, err := s.list(ctx, domain.SettlementFilter{
		States: []domain.SettlementState{domain.SettlementBroadcast},
		DueBy:  &now,
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		return rep, err
	}
	for _, stl := range broadcast {
		if _, busy := s.watching.Load(stl.ID); busy {
			continue
		}
		out, err := s.confirmer.Check(ctx, stl.ExternalTxID)
		if err != nil {
			s.log.Warn("settlement re-check failed", "settlement_id", stl.ID, "error", err)
			continue
		}
		if err := s.applyOutcome(ctx, stl.ID, stl.ExternalTxID, out); err != nil {
			return rep, err
		}
		rep.Rechecked++
		if out.State == confirm.StateConfirmed || out.State == confirm.StateFailed || stl.ExpiryTick == 0 {
			continue
		}
		tick, err := s.net.GetTick(ctx)
		if err != nil {
			s.log.Warn("tick read failed", "settlement_id", stl.ID, "error", err)
			continue
		}
		if tick > stl.ExpiryTick {
			if err := s.expire(ctx, stl.ID, stl.ExternalTxID, tick); err != nil {
				return rep, err
			}
			rep.Expired++
		}
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pending = len(pending)
	s.metrics.SetPendingSettlements(rep.Pending)
	return rep, nil
}

// Pending lists settlements that are neither confirmed nor failed.
func (s *Settler) Pending(ctx context.Context) ([]domain.Settlement, error) {
	return s.list(ctx, domain.SettlementFilter{
		States: []domain.SettlementState{domain.SettlementQueued, domain.SettlementBroadcast},
	})
}

func (s *Settler) list(ctx context.Context, f domain.SettlementFilter) ([]domain.Settlement, error) {
	var out []domain.Settlement
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Settlements(ctx, f)
		return err
	})
	return out, err
}

// Run reconciles immediately and then every interval until ctx ends.
func (s *Settler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		rep, err := s.Reconcile(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warn("reconcile pass failed", "error", err)
		case rep.Broadcast+rep.Failed+rep.Rechecked > 0:
			s.log.Info("reconcile pass", "broadcast", rep.Broadcast, "failed", rep.Failed,
				"rechecked", rep.Rechecked, "expired", rep.Expired, "pending", rep.Pending)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
