package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/work"
)

// insertRaceRetries bounds how often an enqueue is retried after losing an insert race.
const insertRaceRetries = 3

type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres opens a pool for url. maxConns <= 0 keeps the pgxpool default.
func NewPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// InitSchema creates the necessary tables. Idempotent.
func (p *Postgres) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS work_items (
        name TEXT PRIMARY KEY,
        kind TEXT NOT NULL,
        interval_ms BIGINT NOT NULL DEFAULT 0,
        requires_network BOOLEAN NOT NULL DEFAULT FALSE,
        timeout_ms BIGINT NOT NULL DEFAULT 0,
        params TEXT NOT NULL DEFAULT '',
        state TEXT NOT NULL,
        backoff_until BIGINT NOT NULL DEFAULT 0,
        outcome_kind TEXT NOT NULL DEFAULT '',
        outcome_attempt INTEGER NOT NULL DEFAULT 0,
        outcome_reason TEXT NOT NULL DEFAULT '',
        retry_count INTEGER NOT NULL DEFAULT 0,
        generation BIGINT NOT NULL,
        version BIGINT NOT NULL,
        last_policy TEXT NOT NULL,
        rerun BOOLEAN NOT NULL DEFAULT FALSE,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
    );

    -- Outbox table for failure reports, relayed to the broker by the publisher
    CREATE TABLE IF NOT EXISTS report_outbox (
        id UUID PRIMARY KEY,
        task TEXT NOT NULL,
        exchange TEXT NOT NULL,
        routing_key TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_report_outbox_created ON report_outbox (created_at);
    `
	_, err := p.pool.Exec(ctx, schema)
	return err
}

func (p *Postgres) EnqueueUnique(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindOneTime {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUnique needs a one-time definition", work.ErrInvalidArgument)
	}
	return p.enqueue(ctx, def, policy)
}

func (p *Postgres) EnqueueUniquePeriodic(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindPeriodic {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUniquePeriodic needs a periodic definition", work.ErrInvalidArgument)
	}
	return p.enqueue(ctx, def, policy)
}

func (p *Postgres) enqueue(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	for i := 0; ; i++ {
		it, res, err := p.enqueueOnce(ctx, def, policy)
		if errors.Is(err, errInsertRace) && i < insertRaceRetries {
			continue
		}
		return it, res, err
	}
}

var errInsertRace = errors.New("concurrent insert")

// enqueueOnce locks the row for name (if any), resolves the submission and writes the result in
// the same transaction.
func (p *Postgres) enqueueOnce(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return work.Item{}, "", err
	}
	defer tx.Rollback(ctx)

	var existing *work.Item
	cur, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE name = $1 FOR UPDATE`, def.Name))
	switch {
	case err == nil:
		existing = &cur
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return work.Item{}, "", fmt.Errorf("select %q: %w", def.Name, err)
	}

	next, res, err := registry.Resolve(existing, def, policy, p.now())
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
		tag, err := tx.Exec(ctx, `INSERT INTO work_items (`+itemColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
            ON CONFLICT (name) DO NOTHING`, args...)
		if err != nil {
			return work.Item{}, "", fmt.Errorf("insert %q: %w", def.Name, err)
		}
		if tag.RowsAffected() == 0 {
			return work.Item{}, "", errInsertRace
		}
	} else if err := p.update(ctx, tx, args, existing.Version); err != nil {
		return work.Item{}, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return work.Item{}, "", err
	}
	return next, res, nil
}

// Save persists item if the stored version is item.Version-1.
func (p *Postgres) Save(ctx context.Context, item work.Item) error {
	args, err := itemArgs(item)
	if err != nil {
		return err
	}
	return p.update(ctx, p.pool, args, item.Version-1)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) update(ctx context.Context, db execer, args []any, expect uint64) error {
	name := args[0].(string)
	tag, err := db.Exec(ctx, `
        UPDATE work_items SET
            kind = $2, interval_ms = $3, requires_network = $4, timeout_ms = $5, params = $6,
            state = $7, backoff_until = $8, outcome_kind = $9, outcome_attempt = $10,
            outcome_reason = $11, retry_count = $12, generation = $13, version = $14,
            last_policy = $15, rerun = $16, created_at = $17, updated_at = $18
        WHERE name = $1 AND version = $19`, append(args, int64(expect))...)
	if err != nil {
		return fmt.Errorf("update %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.missing(ctx, db, name, expect)
}

// missing explains a write that matched no row.
func (p *Postgres) missing(ctx context.Context, db execer, name string, expect uint64) error {
	var stored int64
	err := db.QueryRow(ctx, `SELECT version FROM work_items WHERE name = $1`, name).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%q: %w", name, work.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%q: %w", name, err)
	}
	return fmt.Errorf("%q expected version %d, stored %d: %w", name, expect, stored, work.ErrConflict)
}

func (p *Postgres) Delete(ctx context.Context, name string, version uint64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM work_items WHERE name = $1 AND version = $2`, name, int64(version))
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.missing(ctx, p.pool, name, version)
}

func (p *Postgres) Load(ctx context.Context) ([]work.Item, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY name`)
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
func (p *Postgres) Report(ctx context.Context, r report.Report) error {
	m, err := newOutboxMessage(r)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO report_outbox (id, task, exchange, routing_key, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Task, m.Exchange, m.RoutingKey, m.Payload, m.CreatedAt)
	return err
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (p *Postgres) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	query := `SELECT id::text, task, exchange, routing_key, payload, created_at FROM report_outbox ORDER BY created_at LIMIT $1`
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.Task, &m.Exchange, &m.RoutingKey, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (p *Postgres) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM report_outbox WHERE id = $1`, id)
	return err
}
