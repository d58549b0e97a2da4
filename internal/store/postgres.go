package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/invoice-cli/internal/db"
	"github.com/sells-group/invoice-cli/internal/model"
)

// PostgresStore implements Store using pgxpool. Claims use
// FOR UPDATE SKIP LOCKED so several sweepers can share the queue.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS invoices (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS retry_tasks (
	id               TEXT PRIMARY KEY,
	invoice_id       TEXT NOT NULL,
	stage            TEXT NOT NULL,
	snapshot         JSONB NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_eligible_at TIMESTAMPTZ NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_until    TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	snapshot   JSONB NOT NULL,
	attempts   INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_invoices_state ON invoices(state);
CREATE INDEX IF NOT EXISTS idx_retry_tasks_next ON retry_tasks(next_eligible_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveInvoice(ctx context.Context, inv *model.Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal invoice %s", inv.ID)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO invoices (id, stage, state, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET stage = EXCLUDED.stage, state = EXCLUDED.state,
		   data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		inv.ID, string(inv.Stage), string(inv.State), data, inv.CreatedAt, inv.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save invoice %s", inv.ID)
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM invoices WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: invoice %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get invoice %s", id)
	}
	return model.UnmarshalInvoice(data)
}

func (s *PostgresStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM invoices
		 WHERE ($1 = '' OR state = $1) AND ($2 = '' OR stage = $2)
		 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`,
		string(filter.State), string(filter.Stage), defaultLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice")
		}
		inv, err := model.UnmarshalInvoice(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list invoices iterate")
}

const pgTaskColumns = `id, invoice_id, stage, snapshot, attempts, next_eligible_at, last_error, claimed_until, created_at, updated_at`

func (s *PostgresStore) UpsertTask(ctx context.Context, t model.RetryTask) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retry_tasks (`+pgTaskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, attempts = EXCLUDED.attempts,
		   next_eligible_at = EXCLUDED.next_eligible_at, last_error = EXCLUDED.last_error,
		   claimed_until = NULL, updated_at = EXCLUDED.updated_at`,
		t.ID, t.InvoiceID, string(t.Stage), t.Snapshot, t.Attempts, t.NextEligibleAt,
		t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert task %s", t.ID)
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryTask, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE retry_tasks t SET claimed_until = $1, updated_at = $2
		 FROM (
		   SELECT id FROM retry_tasks
		   WHERE next_eligible_at <= $2 AND (claimed_until IS NULL OR claimed_until <= $2)
		   ORDER BY next_eligible_at LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE t.id = due.id
		 RETURNING t.id, t.invoice_id, t.stage, t.snapshot, t.attempts, t.next_eligible_at,
		   t.last_error, t.claimed_until, t.created_at, t.updated_at`,
		now.Add(lease), now, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim due tasks")
	}
	defer rows.Close()

	var out []model.RetryTask
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: claim due iterate")
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.RetryTask, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM retry_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: task %s", id)
	}
	return t, err
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete task %s", id)
}

func (s *PostgresStore) CountInvoices(ctx context.Context, since time.Time) (map[model.State]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM invoices WHERE updated_at >= $1 GROUP BY state`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count invoices")
	}
	defer rows.Close()

	out := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan invoice count")
		}
		out[model.State(state)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count invoices iterate")
}

func (s *PostgresStore) CountTasks(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM retry_tasks`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count tasks")
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dead_letters (id, invoice_id, stage, snapshot, attempts, reason, last_error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
			dl.ID, dl.InvoiceID, string(dl.Stage), dl.Snapshot, dl.Attempts, string(dl.Reason), dl.LastError, dl.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert dead letter %s", dl.ID)
		}
		_, err := tx.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1`, dl.ID)
		return eris.Wrapf(err, "postgres: delete task %s", dl.ID)
	})
}

const pgDeadLetterColumns = `id, invoice_id, stage, snapshot, attempts, reason, last_error, created_at`

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	dl, err := scanPgDeadLetter(s.pool.QueryRow(ctx, `SELECT `+pgDeadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: dead letter %s", id)
	}
	return dl, err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgDeadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		dl, err := scanPgDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func scanPgTask(row pgx.Row) (*model.RetryTask, error) {
	var t model.RetryTask
	var stage string
	err := row.Scan(&t.ID, &t.InvoiceID, &stage, &t.Snapshot, &t.Attempts, &t.NextEligibleAt,
		&t.LastError, &t.ClaimedUntil, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan task")
	}
	t.Stage = model.Stage(stage)
	return &t, nil
}

func scanPgDeadLetter(row pgx.Row) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var stage, reason string
	err := row.Scan(&dl.ID, &dl.InvoiceID, &stage, &dl.Snapshot, &dl.Attempts, &reason, &dl.LastError, &dl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan dead letter")
	}
	dl.Stage = model.Stage(stage)
	dl.Reason = model.DeadLetterReason(reason)
	return &dl, nil
}
