package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"computepay/internal/confirm"
	"computepay/internal/domain"
	"computepay/internal/ledgernet"
)

// Result is the structured outcome handed to route handlers.
type Result struct {
	Success        bool   `json:"success"`
	TransactionID  string `json:"transactionId,omitempty"`
	ExternalTxHash string `json:"externalTxHash,omitempty"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

type StatusView struct {
	HasEscrow bool       `json:"hasEscrow"`
	Status    string     `json:"status,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`
}

// Code maps an error to a stable code for structured results.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrValidation):
		return "VALIDATION"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, domain.ErrDuplicateEscrow):
		return "DUPLICATE_ESCROW"
	case errors.Is(err, domain.ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ledgernet.ErrBroadcast):
		return "BROADCAST_FAILED"
	case errors.Is(err, ledgernet.ErrNetwork):
		return "NETWORK_ERROR"
	case errors.Is(err, confirm.ErrConfirmationTimeout):
		return "CONFIRMATION_TIMEOUT"
	case errors.Is(err, confirm.ErrTransferRejected):
		return "TRANSFER_REJECTED"
	}
	return "INTERNAL"
}

// PayeeResolver names the identity that is paid when a job's escrow is
// released, normally the provider the job was assigned to.
type PayeeResolver interface {
	Payee(ctx context.Context, jobID string) (string, error)
}

// PayeeFunc adapts a function to PayeeResolver.
type PayeeFunc func(ctx context.Context, jobID string) (string, error)

func (f PayeeFunc) Payee(ctx context.Context, jobID string) (string, error) { return f(ctx, jobID) }

// Surface exposes the ledger as result values instead of errors.
type Surface struct {
	ledger *Ledger
	payees PayeeResolver
}

func NewSurface(l *Ledger, payees PayeeResolver) *Surface {
	return &Surface{ledger: l, payees: payees}
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), Code: Code(err)}
}

func (s *Surface) Lock(ctx context.Context, accountID, jobID string, amount int64) Result {
	txID, err := s.ledger.Lock(ctx, LockRequest{Payer: accountID, JobID: jobID, Amount: amount})
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, TransactionID: txID}
}

// Release pays out the full locked amount. The payee is resolved at release
// time, since a job is usually assigned its provider after funds were locked;
// a payee recorded at lock time is used when the resolver has none.
func (s *Surface) Release(ctx context.Context, jobID string) Result {
	req := ReleaseRequest{JobID: jobID}
	if s.payees != nil {
		payee, err := s.payees.Payee(ctx, jobID)
		if err != nil {
			return failure(fmt.Errorf("resolve payee for %s: %w", jobID, err))
		}
		req.Payee = payee
	}
	res, err := s.ledger.Release(ctx, req)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, TransactionID: res.TransactionID, ExternalTxHash: res.ExternalTxID}
}

func (s *Surface) Refund(ctx context.Context, jobID string) Result {
	txID, err := s.ledger.Refund(ctx, jobID)
	if err != nil {
		return failure(err)
	}
	return Result{Success: true, TransactionID: txID}
}

func (s *Surface) Status(ctx context.Context, jobID string) (StatusView, error) {
	e, err := s.ledger.Status(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	if e == nil {
		return StatusView{HasEscrow: false}, nil
	}
	lockedAt := e.CreatedAt
	return StatusView{HasEscrow: true, Status: string(e.Status), Amount: e.Amount, LockedAt: &lockedAt}, nil
}
