// Package domain holds the settlement data model shared by the store, ledger and
// settlement worker.
package domain

import "time"

type EscrowStatus string

const (
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// Terminal reports whether no further transition is allowed.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

type TxType string

const (
	TxLock    TxType = "LOCK"
	TxRelease TxType = "RELEASE"
	TxRefund  TxType = "REFUND"
	TxDeposit TxType = "DEPOSIT"
)

type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
)

type SettlementState string

const (
	SettlementQueued    SettlementState = "QUEUED"
	SettlementBroadcast SettlementState = "BROADCAST"
	SettlementConfirmed SettlementState = "CONFIRMED"
	SettlementFailed    SettlementState = "FAILED"
)

func (s SettlementState) Terminal() bool {
	return s == SettlementConfirmed || s == SettlementFailed
}

// Account is a local balance in smallest units.
type Account struct {
	Owner     string    `json:"owner"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Escrow is keyed by job id. Amount is the locked total; Released and Refunded
// record how it was resolved and always sum to Amount once terminal.
type Escrow struct {
	JobID        string       `json:"job_id"`
	Payer        string       `json:"payer"`
	Payee        string       `json:"payee,omitempty"`
	Amount       int64        `json:"amount"`
	Released     int64        `json:"released"`
	Refunded     int64        `json:"refunded"`
	Status       EscrowStatus `json:"status"`
	ExternalTxID string       `json:"external_tx_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
}

// Transaction is an append-only audit entry. Only Status, ExternalTxID and
// CompletedAt change after insert.
type Transaction struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id,omitempty"`
	Owner        string     `json:"owner"`
	Type         TxType     `json:"type"`
	Amount       int64      `json:"amount"`
	Status       TxStatus   `json:"status"`
	ExternalTxID string     `json:"external_tx_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Settlement tracks the on-network transfer backing one RELEASE transaction.
// NextAttemptAt doubles as the claim lease while a broadcast is in flight.
// ExpiryTick is the last tick at which the broadcast transfer can execute.
type Settlement struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	JobID         string          `json:"job_id"`
	Destination   string          `json:"destination"`
	Amount        int64           `json:"amount"`
	State         SettlementState `json:"state"`
	ExternalTxID  string          `json:"external_tx_id,omitempty"`
	ExpiryTick    uint64          `json:"expiry_tick,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EscrowFilter selects escrows. Empty fields match everything.
type EscrowFilter struct {
	Status EscrowStatus
	// Party matches either payer or payee.
	Party         string
	ExpiredBefore *time.Time
	Limit         int
}

// TxFilter selects transactions for history queries.
type TxFilter struct {
	Owner  string
	JobID  string
	Type   TxType
	Status TxStatus
	Since  *time.Time
	Until  *time.Time
	Offset int
	Limit  int
}

// Match reports whether tx passes every set field, ignoring pagination.
func (f TxFilter) Match(tx Transaction) bool {
	if f.Owner != "" && tx.Owner != f.Owner {
		return false
	}
	if f.JobID != "" && tx.JobID != f.JobID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Since != nil && tx.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !tx.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func (f EscrowFilter) Match(e Escrow) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Party != "" && e.Payer != f.Party && e.Payee != f.Party {
		return false
	}
	if f.ExpiredBefore != nil && (e.ExpiresAt == nil || e.ExpiresAt.After(*f.ExpiredBefore)) {
		return false
	}
	return true
}

// SettlementFilter selects settlements in any of States whose NextAttemptAt is not
// after DueBy (when set).
type SettlementFilter struct {
	States []SettlementState
	DueBy  *time.Time
	Limit  int
}

func (f SettlementFilter) Match(s Settlement) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if s.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.DueBy != nil && s.NextAttemptAt.After(*f.DueBy) {
		return false
	}
	return true
}

// Stats summarises escrow activity.
type Stats struct {
	TotalEscrows  int   `json:"total_escrows"`
	ActiveEscrows int   `json:"active_escrows"`
	TotalLocked   int64 `json:"total_locked"`
	TotalReleased int64 `json:"total_released"`
	TotalRefunded int64 `json:"total_refunded"`
}
