package database

import (
	"context"
	"fmt"

	"sync-scheduler/pkg/registry"
	"sync-scheduler/pkg/report"
	"sync-scheduler/pkg/work"
)

// Durable is a persistent work store that also keeps the report outbox.
type Durable interface {
	registry.Store
	report.Reporter
	Ping(ctx context.Context) error
	FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
	Close() error
}

var (
	_ Durable = (*Postgres)(nil)
	_ Durable = (*SQLite)(nil)
)

// Open connects to the named driver ("sqlite" or "postgres") and ensures the schema exists.
// For sqlite dsn is a file path.
func Open(ctx context.Context, driver, dsn string, maxConns int) (Durable, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		pg, err := NewPostgres(ctx, dsn, maxConns)
		if err != nil {
			return nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", work.ErrInvalidArgument, driver)
	}
}
