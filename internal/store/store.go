// Package store persists accounts, escrows, ledger transactions and settlements.
// Every mutation runs inside Update, which is atomic and serialized per backend.
package store

import (
	"context"
	"errors"
	"sort"

	"computepay/internal/domain"
)

var (
	ErrReadOnly = errors.New("store: write in read-only transaction")
	ErrExists   = errors.New("store: record already exists")
)

// Tx is the view of the store inside one Update or View call. Missing accounts
// read as zero balance; missing escrows, transactions and settlements read as nil.
type Tx interface {
	Account(ctx context.Context, owner string) (domain.Account, error)
	SaveAccount(ctx context.Context, a domain.Account) error

	Escrow(ctx context.Context, jobID string) (*domain.Escrow, error)
	SaveEscrow(ctx context.Context, e domain.Escrow) error
	Escrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error)

	Transaction(ctx context.Context, id string) (*domain.Transaction, error)
	// AppendTransaction fails with ErrExists when the id is taken.
	AppendTransaction(ctx context.Context, t domain.Transaction) error
	// UpdateTransaction changes only Status, ExternalTxID and CompletedAt.
	UpdateTransaction(ctx context.Context, t domain.Transaction) error
	// Transactions returns one page, newest first, and the total match count.
	Transactions(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, int, error)

	Settlement(ctx context.Context, id string) (*domain.Settlement, error)
	SaveSettlement(ctx context.Context, s domain.Settlement) error
	// Settlements returns matches ordered by NextAttemptAt.
	Settlements(ctx context.Context, f domain.SettlementFilter) ([]domain.Settlement, error)
}

type Store interface {
	// Update runs fn atomically. Nothing fn wrote is visible if it returns an error.
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

func sortEscrows(list []domain.Escrow, limit int) []domain.Escrow {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].JobID < list[j].JobID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func pageTransactions(list []domain.Transaction, offset, limit int) ([]domain.Transaction, int) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	total := len(list)
	if offset > total {
		offset = total
	}
	if offset > 0 {
		list = list[offset:]
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, total
}

func sortSettlements(list []domain.Settlement, limit int) []domain.Settlement {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].NextAttemptAt.Equal(list[j].NextAttemptAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].NextAttemptAt.Before(list[j].NextAttemptAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// applyTxUpdate copies the mutable fields of next onto cur.
func applyTxUpdate(cur *domain.Transaction, next domain.Transaction) {
	cur.Status = next.Status
	cur.ExternalTxID = next.ExternalTxID
	cur.CompletedAt = next.CompletedAt
}
