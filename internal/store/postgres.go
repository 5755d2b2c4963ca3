package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"computepay/internal/domain"
	"computepay/internal/retry"
)

var schemaSQL = []string{`
CREATE TABLE IF NOT EXISTS accounts (
    owner TEXT PRIMARY KEY,
    balance BIGINT NOT NULL CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS escrows (
    job_id TEXT PRIMARY KEY,
    payer TEXT NOT NULL,
    payee TEXT NOT NULL DEFAULT '',
    amount BIGINT NOT NULL CHECK (amount > 0),
    released BIGINT NOT NULL DEFAULT 0,
    refunded BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    external_tx_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    expires_at TIMESTAMPTZ
)`, `
CREATE TABLE IF NOT EXISTS ledger_transactions (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL,
    type TEXT NOT NULL,
    amount BIGINT NOT NULL,
    status TEXT NOT NULL,
    external_tx_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_owner_idx ON ledger_transactions (owner, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_job_idx ON ledger_transactions (job_id)`, `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES ledger_transactions (id),
    job_id TEXT NOT NULL,
    destination TEXT NOT NULL,
    amount BIGINT NOT NULL,
    state TEXT NOT NULL,
    external_tx_id TEXT NOT NULL DEFAULT '',
    expiry_tick BIGINT NOT NULL DEFAULT 0,
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS settlements_due_idx ON settlements (state, next_attempt_at)`,
	`ALTER TABLE settlements ADD COLUMN IF NOT EXISTS expiry_tick BIGINT NOT NULL DEFAULT 0`,
}

// PostgresStore runs each Update as a SERIALIZABLE transaction and retries it
// when Postgres reports a serialization failure.
type PostgresStore struct {
	pool   *pgxpool.Pool
	policy retry.Policy
}

// NewPostgresStore connects to Postgres using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &PostgresStore{
		pool: pool,
		policy: retry.Policy{
			Attempts:  5,
			Backoff:   []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond},
			Retryable: isSerializationFailure,
		},
	}, nil
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	return retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.run(ctx, pgx.ReadWrite, fn)
	})
}

func (p *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	return p.run(ctx, pgx.ReadOnly, fn)
}

func (p *PostgresStore) run(ctx context.Context, mode pgx.TxAccessMode, fn func(Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: mode})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx, readOnly: mode == pgx.ReadOnly}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

// lockClause row-locks reads made by writers so concurrent updates of the same
// row serialize instead of aborting late.
func (t *pgTx) lockClause() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

func (t *pgTx) Account(ctx context.Context, owner string) (domain.Account, error) {
	a := domain.Account{Owner: owner}
	err := t.tx.QueryRow(ctx, `SELECT balance, updated_at FROM accounts WHERE owner = $1`+t.lockClause(), owner).
		Scan(&a.Balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{Owner: owner}, nil
	}
	return a, err
}

func (t *pgTx) SaveAccount(ctx context.Context, a domain.Account) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO accounts (owner, balance, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (owner) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
`, a.Owner, a.Balance, a.UpdatedAt.UTC())
	return err
}

const escrowColumns = `job_id, payer, payee, amount, released, refunded, status, external_tx_id, created_at, completed_at, expires_at`

func scanEscrow(row pgx.Row) (domain.Escrow, error) {
	var e domain.Escrow
	var status string
	err := row.Scan(&e.JobID, &e.Payer, &e.Payee, &e.Amount, &e.Released, &e.Refunded,
		&status, &e.ExternalTxID, &e.CreatedAt, &e.CompletedAt, &e.ExpiresAt)
	e.Status = domain.EscrowStatus(status)
	return e, err
}

func (t *pgTx) Escrow(ctx context.Context, jobID string) (*domain.Escrow, error) {
	e, err := scanEscrow(t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1`+t.lockClause(), jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) SaveEscrow(ctx context.Context, e domain.Escrow) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO escrows (`+escrowColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (job_id) DO UPDATE
SET payee = EXCLUDED.payee,
    released = EXCLUDED.released,
    refunded = EXCLUDED.refunded,
    status = EXCLUDED.status,
    external_tx_id = EXCLUDED.external_tx_id,
    completed_at = EXCLUDED.completed_at,
    expires_at = EXCLUDED.expires_at
`, e.JobID, e.Payer, e.Payee, e.Amount, e.Released, e.Refunded, string(e.Status),
		e.ExternalTxID, e.CreatedAt.UTC(), e.CompletedAt, e.ExpiresAt)
	return err
}

// where accumulates SQL predicates with positional arguments.
type where struct {
	clauses []string
	args    []interface{}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (t *pgTx) Escrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Party != "" {
		w.add("(payer = ? OR payee = ?)", f.Party)
	}
	if f.ExpiredBefore != nil {
		w.add("expires_at IS NOT NULL AND expires_at <= ?", f.ExpiredBefore.UTC())
	}
	query := `SELECT ` + escrowColumns + ` FROM escrows` + w.String() + ` ORDER BY created_at, job_id`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := t.tx.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const txColumns = `id, job_id, owner, type, amount, status, external_tx_id, created_at, completed_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var tx domain.Transaction
	var typ, status string
	err := row.Scan(&tx.ID, &tx.JobID, &tx.Owner, &typ, &tx.Amount, &status,
		&tx.ExternalTxID, &tx.CreatedAt, &tx.CompletedAt)
	tx.Type = domain.TxType(typ)
	tx.Status = domain.TxStatus(status)
	return tx, err
}

func (t *pgTx) Transaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(t.tx.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`+t.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, next domain.Transaction) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_transactions (`+txColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		next.ID, next.JobID, next.Owner, string(next.Type), next.Amount, string(next.Status),
		next.ExternalTxID, next.CreatedAt.UTC(), next.CompletedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrExists, next.ID)
	}
	return err
}

func (t *pgTx) UpdateTransaction(ctx context.Context, next domain.Transaction) error {
	if t.readOnly {
		return ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE ledger_transactions SET status = $2, external_tx_id = $3, completed_at = $4 WHERE id = $1
`, next.ID, string(next.Status), next.ExternalTxID, next.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, next.ID)
	}
	return nil
}

func (t *pgTx) Transactions(ctx context.Context, f domain.TxFilter) ([]domain.Transaction, int, error) {
	var w where
	if f.Owner != "" {
		w.add("owner = ?", f.Owner)
	}
	if f.JobID != "" {
		w.add("job_id = ?", f.JobID)
	}
	if f.Type != "" {
		w.add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.Since != nil {
		w.add("created_at >= ?", f.Since.UTC())
	}
	if f.Until != nil {
		w.add("created_at < ?", f.Until.UTC())
	}

	var total int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM ledger_transactions`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + txColumns + ` FROM ledger_transactions` + w.String() + ` ORDER BY created_at DESC, id DESC`
	if f.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(f.Offset)
	}
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := t.tx.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tx)
	}
	return out, total, rows.Err()
}

const settlementColumns = `id, transaction_id, job_id, destination, amount, state, external_tx_id, expiry_tick, attempts, last_error, next_attempt_at, created_at, updated_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var s domain.Settlement
	var state string
	var expiry int64
	err := row.Scan(&s.ID, &s.TransactionID, &s.JobID, &s.Destination, &s.Amount, &state,
		&s.ExternalTxID, &expiry, &s.Attempts, &s.LastError, &s.NextAttemptAt, &s.CreatedAt, &s.UpdatedAt)
	s.State = domain.SettlementState(state)
	s.ExpiryTick = uint64(expiry)
	return s, err
}

func (t *pgTx) Settlement(ctx context.Context, id string) (*domain.Settlement, error) {
	s, err := scanSettlement(t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`+t.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) SaveSettlement(ctx context.Context, s domain.Settlement) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO settlements (`+settlementColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state,
    external_tx_id = EXCLUDED.external_tx_id,
    expiry_tick = EXCLUDED.expiry_tick,
    attempts = EXCLUDED.attempts,
    last_error = EXCLUDED.last_error,
    next_attempt_at = EXCLUDED.next_attempt_at,
    updated_at = EXCLUDED.updated_at
`, s.ID, s.TransactionID, s.JobID, s.Destination, s.Amount, string(s.State), s.ExternalTxID,
		int64(s.ExpiryTick), s.Attempts, s.LastError, s.NextAttemptAt.UTC(), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	return err
}

func (t *pgTx) Settlements(ctx context.Context, f domain.SettlementFilter) ([]domain.Settlement, error) {
	var w where
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		w.add("state = ANY(?)", states)
	}
	if f.DueBy != nil {
		w.add("next_attempt_at <= ?", f.DueBy.UTC())
	}
	query := `SELECT ` + settlementColumns + ` FROM settlements` + w.String() + ` ORDER BY next_attempt_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := t.tx.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
