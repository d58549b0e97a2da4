package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/invoice-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so due-time comparisons are numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer connection serializes claim and dead-letter transactions.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS invoices (
	id         TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS retry_tasks (
	id               TEXT PRIMARY KEY,
	invoice_id       TEXT NOT NULL,
	stage            TEXT NOT NULL,
	snapshot         BLOB NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_eligible_at INTEGER NOT NULL,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_until    INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	invoice_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	snapshot   BLOB NOT NULL,
	attempts   INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_state ON invoices(state);
CREATE INDEX IF NOT EXISTS idx_retry_tasks_next ON retry_tasks(next_eligible_at);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLiteStore) SaveInvoice(ctx context.Context, inv *model.Invoice) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal invoice %s", inv.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, stage, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stage = excluded.stage, state = excluded.state,
		   data = excluded.data, updated_at = excluded.updated_at`,
		inv.ID, string(inv.Stage), string(inv.State), string(data), nanos(inv.CreatedAt), nanos(inv.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: save invoice %s", inv.ID)
}

func (s *SQLiteStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM invoices WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: invoice %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get invoice %s", id)
	}
	return model.UnmarshalInvoice([]byte(data))
}

func (s *SQLiteStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.Invoice, error) {
	query := `SELECT data FROM invoices WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, defaultLimit(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list invoices")
	}
	defer rows.Close()

	var out []model.Invoice
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invoice")
		}
		inv, err := model.UnmarshalInvoice([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list invoices iterate")
}

func (s *SQLiteStore) CountInvoices(ctx context.Context, since time.Time) (map[model.State]int, error) {
	var after int64
	if !since.IsZero() {
		after = nanos(since)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM invoices WHERE updated_at >= ? GROUP BY state`, after)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count invoices")
	}
	defer rows.Close()

	out := make(map[model.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan invoice count")
		}
		out[model.State(state)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count invoices iterate")
}

const sqliteTaskColumns = `id, invoice_id, stage, snapshot, attempts, next_eligible_at, last_error, claimed_until, created_at, updated_at`

func (s *SQLiteStore) UpsertTask(ctx context.Context, t model.RetryTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_tasks (`+sqliteTaskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, attempts = excluded.attempts,
		   next_eligible_at = excluded.next_eligible_at, last_error = excluded.last_error,
		   claimed_until = NULL, updated_at = excluded.updated_at`,
		t.ID, t.InvoiceID, string(t.Stage), t.Snapshot, t.Attempts, nanos(t.NextEligibleAt),
		t.LastError, nanos(t.CreatedAt), nanos(t.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert task %s", t.ID)
}

func (s *SQLiteStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.RetryTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE retry_tasks SET claimed_until = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM retry_tasks
		   WHERE next_eligible_at <= ? AND (claimed_until IS NULL OR claimed_until <= ?)
		   ORDER BY next_eligible_at LIMIT ?)
		 RETURNING `+sqliteTaskColumns,
		nanos(now.Add(lease)), nanos(now), nanos(now), nanos(now), defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim due tasks")
	}
	defer rows.Close()

	var out []model.RetryTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: claim due iterate")
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.RetryTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM retry_tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: task %s", id)
	}
	return t, err
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete task %s", id)
}

func (s *SQLiteStore) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retry_tasks`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count tasks")
}

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin dead letter tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, invoice_id, stage, snapshot, attempts, reason, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		dl.ID, dl.InvoiceID, string(dl.Stage), dl.Snapshot, dl.Attempts, string(dl.Reason), dl.LastError, nanos(dl.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert dead letter %s", dl.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?`, dl.ID); err != nil {
		return eris.Wrapf(err, "sqlite: delete task %s", dl.ID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit dead letter")
}

const sqliteDeadLetterColumns = `id, invoice_id, stage, snapshot, attempts, reason, last_error, created_at`

func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDeadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanSQLiteDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: dead letter %s", id)
	}
	return dl, err
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteDeadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT ?`,
		defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		dl, err := scanSQLiteDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row scannable) (*model.RetryTask, error) {
	var (
		t                      model.RetryTask
		stage                  string
		next, created, updated int64
		claimed                sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.InvoiceID, &stage, &t.Snapshot, &t.Attempts, &next, &t.LastError, &claimed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan task")
	}
	t.Stage = model.Stage(stage)
	t.NextEligibleAt = fromNanos(next)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	if claimed.Valid {
		c := fromNanos(claimed.Int64)
		t.ClaimedUntil = &c
	}
	return &t, nil
}

func scanSQLiteDeadLetter(row scannable) (*model.DeadLetter, error) {
	var (
		dl            model.DeadLetter
		stage, reason string
		created       int64
	)
	err := row.Scan(&dl.ID, &dl.InvoiceID, &stage, &dl.Snapshot, &dl.Attempts, &reason, &dl.LastError, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dead letter")
	}
	dl.Stage = model.Stage(stage)
	dl.Reason = model.DeadLetterReason(reason)
	dl.CreatedAt = fromNanos(created)
	return &dl, nil
}
