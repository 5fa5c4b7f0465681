package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/work"
)

// SQLite is the embedded Store. All access goes through a single connection, which
// serializes the enqueue transactions.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and initializes the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS work_items (
        name TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        interval_ms INTEGER NOT NULL DEFAULT 0,
        requires_network INTEGER NOT NULL DEFAULT 0,
        timeout_ms INTEGER NOT NULL DEFAULT 0,
        params TEXT NOT NULL DEFAULT '',
        state TEXT NOT NULL,
        backoff_until INTEGER NOT NULL DEFAULT 0,
        outcome_kind TEXT NOT NULL DEFAULT '',
        outcome_attempt INTEGER NOT NULL DEFAULT 0,
        outcome_reason TEXT NOT NULL DEFAULT '',
        retry_count INTEGER NOT NULL DEFAULT 0,
        generation INTEGER NOT NULL,
        version INTEGER NOT NULL,
        last_policy TEXT NOT NULL,
        rerun INTEGER NOT NULL DEFAULT 0,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS report_outbox (
        id TEXT PRIMARY KEY,
        task TEXT NOT NULL,
        exchange TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_report_outbox_created ON report_outbox (created_at);
    `
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) EnqueueUnique(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindOneTime {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUnique needs a one-time definition", work.ErrInvalidArgument)
	}
	return s.enqueue(ctx, def, policy)
}

func (s *SQLite) EnqueueUniquePeriodic(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindPeriodic {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUniquePeriodic needs a periodic definition", work.ErrInvalidArgument)
	}
	return s.enqueue(ctx, def, policy)
}

func (s *SQLite) enqueue(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return work.Item{}, "", err
	}
	defer tx.Rollback()

	var existing *work.Item
	cur, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE name = ?`, def.Name))
	switch {
	case err == nil:
		existing = &cur
	case errors.Is(err, sql.ErrNoRows):
	default:
		return work.Item{}, "", fmt.Errorf("select %q: %w", def.Name, err)
	}

	next, res, err := registry.Resolve(existing, def, policy, s.now())
	if err != nil {
		return work.Item{}, "", err
	}
	if res == work.ResultSkipped {
		return next, res, nil
	}

	args, err := itemArgs(next)
	if err != nil {
		return work.Item{}, "", err
	}
	if existing == nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_items (`+itemColumns+`)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return work.Item{}, "", fmt.Errorf("insert %q: %w", def.Name, err)
		}
	} else if err := s.update(ctx, tx, args, existing.Version); err != nil {
		return work.Item{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return work.Item{}, "", err
	}
	return next, res, nil
}

func (s *SQLite) Save(ctx context.Context, item work.Item) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	return s.update(ctx, s.db, args, item.Version-1)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) update(ctx context.Context, db sqlExecer, args []any, expect uint64) error {
	name := args[0].(string)
	// rotate name to the WHERE clause
	vals := append(append([]any{}, args[1:]...), name, int64(expect))
	res, err := db.ExecContext(ctx, `
        UPDATE work_items SET
            kind = ?, interval_ms = ?, requires_network = ?, timeout_ms = ?, params = ?,
            state = ?, backoff_until = ?, outcome_kind = ?, outcome_attempt = ?,
            outcome_reason = ?, retry_count = ?, generation = ?, version = ?,
            last_policy = ?, rerun = ?, created_at = ?, updated_at = ?
        WHERE name = ? AND version = ?`, vals...)
	if err != nil {
		return fmt.Errorf("update %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	return s.missing(ctx, db, name, expect)
}

func (s *SQLite) missing(ctx context.Context, db sqlExecer, name string, expect uint64) error {
	var stored int64
	err := db.QueryRowContext(ctx, `SELECT version FROM work_items WHERE name = ?`, name).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%q: %w", name, work.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%q: %w", name, err)
	}
	return fmt.Errorf("%q expected version %d, stored %d: %w", name, expect, stored, work.ErrConflict)
}

func (s *SQLite) Delete(ctx context.Context, name string, version uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE name = ? AND version = ?`, name, int64(version))
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	return s.missing(ctx, s.db, name, version)
}

func (s *SQLite) Load(ctx context.Context) ([]work.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []work.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Report implements report.Reporter by writing r to the outbox.
func (s *SQLite) Report(ctx context.Context, r report.Report) error {
	m, err := newOutboxMessage(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO report_outbox (id, task, exchange, routing_key, payload, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.Task, m.Exchange, m.RoutingKey, m.Payload, m.CreatedAt.UnixNano())
	return err
}

func (s *SQLite) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, exchange, routing_key, payload, created_at FROM report_outbox ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var (
			m  OutboxMessage
			at int64
		)
		if err := rows.Scan(&m.ID, &m.Task, &m.Exchange, &m.RoutingKey, &m.Payload, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, at).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLite) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM report_outbox WHERE id = ?`, id)
	return err
}
