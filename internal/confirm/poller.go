// Package confirm follows a broadcast transfer until the network confirms it,
// rejects it, or the confirmation window runs out.
package confirm

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"computepay/internal/ledgernet"
	"computepay/internal/logger"
	"computepay/internal/metrics"
)

type State string

const (
	StateSubmitted State = "SUBMITTED"
	StatePolling   State = "POLLING"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
)

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateTimedOut
}

var (
	// ErrConfirmationTimeout means the outcome is unknown, not that the transfer failed.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrTransferRejected    = errors.New("transfer rejected by network")
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultTimeout       = 120 * time.Second
	DefaultConfirmations = 3
)

// Outcome is where polling stopped. Path lists every state Wait moved
// through, starting at SUBMITTED.
type Outcome struct {
	ExternalID    string
	State         State
	Path          []State
	Confirmations int
	Polls         int
	Elapsed       time.Duration
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Path = append(o.Path, s)
}

// Err maps terminal non-success states to their sentinel errors.
func (o Outcome) Err() error {
	switch o.State {
	case StateTimedOut:
		return ErrConfirmationTimeout
	case StateFailed:
		return ErrTransferRejected
	}
	return nil
}

// StatusSource is the slice of ledgernet.Client the poller reads.
type StatusSource interface {
	GetStatus(ctx context.Context, externalID string) (ledgernet.Status, error)
}

// ProgressFunc is called each time the confirmation count increases.
type ProgressFunc func(externalID string, confirmations int)

type Options struct {
	Interval      time.Duration
	Timeout       time.Duration
	Confirmations int
	Clock         clock.Clock
	Logger        *logger.Logger
	Metrics       *metrics.Registry
}

type Poller struct {
	src      StatusSource
	interval time.Duration
	timeout  time.Duration
	required int
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Registry
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(src StatusSource, opts Options) *Poller {
	p := &Poller{
		src:      src,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		required: opts.Confirmations,
		clock:    opts.Clock,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.required <= 0 {
		p.required = DefaultConfirmations
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	p.sleep = p.clockSleep
	return p
}

// Wait polls externalID every interval until a terminal state. The returned error
// is only set when ctx ends first; rejection and timeout are reported through the
// Outcome. Wait writes nothing, so abandoning it needs no cleanup.
func (p *Poller) Wait(ctx context.Context, externalID string, progress ProgressFunc) (Outcome, error) {
	start := p.clock.Now()
	out := Outcome{ExternalID: externalID}
	log := p.log.With("external_tx_id", externalID)
	out.enter(StateSubmitted)
	out.enter(StatePolling)
	log.Debug("following transfer", "from", StateSubmitted, "to", StatePolling)

	for {
		if err := p.sleep(ctx, p.interval); err != nil {
			out.Elapsed = p.clock.Since(start)
			return out, err
		}
		out.Polls++

		st, err := p.src.GetStatus(ctx, externalID)
		out.Elapsed = p.clock.Since(start)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			log.Warn("status poll failed", "poll", out.Polls, "error", err)
		} else {
			if st.Confirmations > out.Confirmations {
				out.Confirmations = st.Confirmations
				if progress != nil {
					progress(externalID, out.Confirmations)
				}
			}
			if next := p.classify(st); next.Terminal() {
				return p.finish(out, next), nil
			}
		}

		if out.Elapsed > p.timeout {
			log.Warn("confirmation window elapsed", "elapsed", out.Elapsed, "confirmations", out.Confirmations)
			return p.finish(out, StateTimedOut), nil
		}
	}
}

// Check reads the status once. A transfer still short of the required
// confirmations reports StatePolling.
func (p *Poller) Check(ctx context.Context, externalID string) (Outcome, error) {
	st, err := p.src.GetStatus(ctx, externalID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		ExternalID:    externalID,
		State:         p.classify(st),
		Confirmations: st.Confirmations,
		Polls:         1,
	}, nil
}

func (p *Poller) classify(st ledgernet.Status) State {
	switch {
	case st.State == ledgernet.StateFailed:
		return StateFailed
	case st.State == ledgernet.StateConfirmed && st.Confirmations >= p.required:
		return StateConfirmed
	}
	return StatePolling
}

func (p *Poller) finish(out Outcome, state State) Outcome {
	out.enter(state)
	p.metrics.IncConfirmation(string(state))
	return out
}

func (p *Poller) clockSleep(ctx context.Context, d time.Duration) error {
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
