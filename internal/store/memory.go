package store

import (
	"context"
	"fmt"
	"sync"

	"computepay/internal/domain"
)

type memData struct {
	accounts     map[string]domain.Account
	escrows      map[string]domain.Escrow
	transactions map[string]domain.Transaction
	settlements  map[string]domain.Settlement
}

func newMemData() *memData {
	return &memData{
		accounts:     make(map[string]domain.Account),
		escrows:      make(map[string]domain.Escrow),
		transactions: make(map[string]domain.Transaction),
		settlements:  make(map[string]domain.Settlement),
	}
}

// MemoryStore keeps everything in process. Updates stage their writes and apply
// them only when fn succeeds.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{base: m.data, staged: newMemData()}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.staged.accounts {
		m.data.accounts[k] = v
	}
	for k, v := range tx.staged.escrows {
		m.data.escrows[k] = v
	}
	for k, v := range tx.staged.transactions {
		m.data.transactions[k] = v
	}
	for k, v := range tx.staged.settlements {
		m.data.settlements[k] = v
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{base: m.data})
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// memTx reads staged writes first, then the committed state. A nil staged map
// marks a read-only view.
type memTx struct {
	base   *memData
	staged *memData
}

func (t *memTx) writable() error {
	if t.staged == nil {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) Account(_ context.Context, owner string) (domain.Account, error) {
	if t.staged != nil {
		if a, ok := t.staged.accounts[owner]; ok {
			return a, nil
		}
	}
	if a, ok := t.base.accounts[owner]; ok {
		return a, nil
	}
	return domain.Account{Owner: owner}, nil
}

func (t *memTx) SaveAccount(_ context.Context, a domain.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.staged.accounts[a.Owner] = a
	return nil
}

func (t *memTx) Escrow(_ context.Context, jobID string) (*domain.Escrow, error) {
	if t.staged != nil {
		if e, ok := t.staged.escrows[jobID]; ok {
			return &e, nil
		}
	}
	if e, ok := t.base.escrows[jobID]; ok {
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) SaveEscrow(_ context.Context, e domain.Escrow) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.staged.escrows[e.JobID] = e
	return nil
}

func (t *memTx) Escrows(_ context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	var out []domain.Escrow
	for k, e := range t.base.escrows {
		if t.staged != nil {
			if s, ok := t.staged.escrows[k]; ok {
				e = s
			}
		}
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if t.staged != nil {
		for k, e := range t.staged.escrows {
			if _, seen := t.base.escrows[k]; !seen && f.Match(e) {
				out = append(out, e)
			}
		}
	}
	return sortEscrows(out, f.Limit), nil
}

func (t *memTx) Transaction(_ context.Context, id string) (*domain.Transaction, error) {
	if t.staged != nil {
		if tx, ok := t.staged.transactions[id]; ok {
			return &tx, nil
		}
	}
	if tx, ok := t.base.transactions[id]; ok {
		return &tx, nil
	}
	return nil, nil
}

func (t *memTx) AppendTransaction(ctx context.Context, next domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, _ := t.Transaction(ctx, next.ID)
	if cur != nil {
		return fmt.Errorf("%w: transaction %s", ErrExists, next.ID)
	}
	t.staged.transactions[next.ID] = next
	return nil
}

func (t *memTx) UpdateTransaction(ctx context.Context, next domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, _ := t.Transaction(ctx, next.ID)
	if cur == nil {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, next.ID)
	}
	applyTxUpdate(cur, next)
	t.staged.transactions[cur.ID] = *cur
	return nil
}

func (t *memTx) Transactions(_ context.Context, f domain.TxFilter) ([]domain.Transaction, int, error) {
	var out []domain.Transaction
	for k, tx := range t.base.transactions {
		if t.staged != nil {
			if s, ok := t.staged.transactions[k]; ok {
				tx = s
			}
		}
		if f.Match(tx) {
			out = append(out, tx)
		}
	}
	if t.staged != nil {
		for k, tx := range t.staged.transactions {
			if _, seen := t.base.transactions[k]; !seen && f.Match(tx) {
				out = append(out, tx)
			}
		}
	}
	page, total := pageTransactions(out, f.Offset, f.Limit)
	return page, total, nil
}

func (t *memTx) Settlement(_ context.Context, id string) (*domain.Settlement, error) {
	if t.staged != nil {
		if s, ok := t.staged.settlements[id]; ok {
			return &s, nil
		}
	}
	if s, ok := t.base.settlements[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (t *memTx) SaveSettlement(_ context.Context, s domain.Settlement) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.staged.settlements[s.ID] = s
	return nil
}

func (t *memTx) Settlements(_ context.Context, f domain.SettlementFilter) ([]domain.Settlement, error) {
	var out []domain.Settlement
	for k, s := range t.base.settlements {
		if t.staged != nil {
			if st, ok := t.staged.settlements[k]; ok {
				s = st
			}
		}
		if f.Match(s) {
			out = append(out, s)
		}
	}
	if t.staged != nil {
		for k, s := range t.staged.settlements {
			if _, seen := t.base.settlements[k]; !seen && f.Match(s) {
				out = append(out, s)
			}
		}
	}
	return sortSettlements(out, f.Limit), nil
}
