package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"

	"computepay/internal/domain"
)

// Key prefixes, one per record kind.
const (
	prefixAccounts     = "acct:"
	prefixEscrows      = "escw:"
	prefixTransactions = "ltx:"
	prefixSettlements  = "stl:"
)

// PebbleStore is the embedded durable backend. A single writer mutex serializes
// Update; each Update is one indexed batch committed with pebble.Sync.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MaxOpenFiles: 256,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

func (p *PebbleStore) Ping(context.Context) error {
	_, closer, err := p.db.Get([]byte(prefixAccounts))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return closer.Close()
}

func (p *PebbleStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTx{r: batch, w: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (p *PebbleStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTx{r: snap})
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// pebbleTx reads through r. w is nil for snapshot views.
type pebbleTx struct {
	r pebbleReader
	w *pebble.Batch
}

func (t *pebbleTx) get(key string, out interface{}) (bool, error) {
	value, closer, err := t.r.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (t *pebbleTx) put(key string, v interface{}) error {
	if t.w == nil {
		return ErrReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.w.Set([]byte(key), raw, nil)
}

// scan hands every value under prefix to decode, in key order.
func (t *pebbleTx) scan(prefix string, decode func([]byte) error) error {
	iter, err := t.r.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := decode(iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (t *pebbleTx) Account(_ context.Context, owner string) (domain.Account, error) {
	var a domain.Account
	ok, err := t.get(prefixAccounts+owner, &a)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		return domain.Account{Owner: owner}, nil
	}
	return a, nil
}

func (t *pebbleTx) SaveAccount(_ context.Context, a domain.Account) error {
	return t.put(prefixAccounts+a.Owner, a)
}

func (t *pebbleTx) Escrow(_ context.Context, jobID string) (*domain.Escrow, error) {
	var e domain.Escrow
	ok, err := t.get(prefixEscrows+jobID, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func (t *pebbleTx) SaveEscrow(_ context.Context, e domain.Escrow) error {
	return t.put(prefixEscrows+e.JobID, e)
}

func (t *pebbleTx) Escrows(_ context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	var out []domain.Escrow
	err := t.scan(prefixEscrows, func(raw []byte) error {
		var e domain.Escrow
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if f.Match(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortEscrows(out, f.Limit), nil
}

func (t *pebbleTx) Transaction(_ context.Context, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	ok, err := t.get(prefixTransactions+id, &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

func (t *pebbleTx) AppendTransaction(ctx context.Context, next domain.Transaction) error {
	cur, err := t.Transaction(ctx, next.ID)
	if err != nil {
		return err
	}
	if cur != nil {
		return fmt.Errorf("%w: transaction %s", ErrExists, next.ID)
	}
	return t.put(prefixTransactions+next.ID, next)
}

func (t *pebbleTx) UpdateTransaction(ctx context.Context, next domain.Transaction) error {
	cur, err := t.Transaction(ctx, next.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, next.ID)
	}
	applyTxUpdate(cur, next)
	return t.put(prefixTransactions+cur.ID, cur)
}

func (t *pebbleTx) Transactions(_ context.Context, f domain.TxFilter) ([]domain.Transaction, int, error) {
	var out []domain.Transaction
	err := t.scan(prefixTransactions, func(raw []byte) error {
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		if f.Match(tx) {
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	page, total := pageTransactions(out, f.Offset, f.Limit)
	return page, total, nil
}

func (t *pebbleTx) Settlement(_ context.Context, id string) (*domain.Settlement, error) {
	var s domain.Settlement
	ok, err := t.get(prefixSettlements+id, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (t *pebbleTx) SaveSettlement(_ context.Context, s domain.Settlement) error {
	return t.put(prefixSettlements+s.ID, s)
}

func (t *pebbleTx) Settlements(_ context.Context, f domain.SettlementFilter) ([]domain.Settlement, error) {
	var out []domain.Settlement
	err := t.scan(prefixSettlements, func(raw []byte) error {
		var s domain.Settlement
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if f.Match(s) {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sortSettlements(out, f.Limit), nil
}
