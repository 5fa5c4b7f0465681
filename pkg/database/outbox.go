package database

import (
	"encoding/json"
	"fmt"
	"time"

	"sync-scheduler/pkg/mq"
	"sync-scheduler/pkg/report"
)

// OutboxMessage represents a row in the report_outbox table.
type OutboxMessage struct {
	ID         string
	Task       string
	Exchange   string
	RoutingKey string
	Payload    string
	CreatedAt  time.Time
}

func newOutboxMessage(r report.Report) (OutboxMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("encode report %s: %w", r.ID, err)
	}
	at := r.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return OutboxMessage{
		ID:         r.ID.String(),
		Task:       r.Task,
		Exchange:   mq.ReportsExchange,
		RoutingKey: string(r.Kind),
		Payload:    string(b),
		CreatedAt:  at,
	}, nil
}
