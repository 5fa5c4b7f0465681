package main

import (
	"context"
	"log/slog"

	"sync-scheduler/pkg/database"
	"sync-scheduler/pkg/observability"
)

type outbox interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

type publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageID string, body []byte) error
}

// processOutbox publishes one batch. A message is deleted only after the broker accepted it,
// so a crash in between republishes it with the same message id.
func processOutbox(ctx context.Context, db outbox, pub publisher, limit int, logger *slog.Logger) int {
	messages, err := db.FetchOutboxMessages(ctx, limit)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return 0
	}
	published := 0
	for _, m := range messages {
		if err := pub.Publish(ctx, m.Exchange, m.RoutingKey, m.ID, []byte(m.Payload)); err != nil {
			logger.Error("failed to publish report from outbox", "error", err, "report_id", m.ID)
			observability.ReportsPublished.WithLabelValues("failed").Inc()
			continue
		}
		observability.ReportsPublished.WithLabelValues("published").Inc()
		published++

		if err := db.DeleteOutboxMessage(ctx, m.ID); err != nil {
			logger.Error("failed to delete outbox message after publish", "error", err, "report_id", m.ID)
			continue
		}
		logger.Info("published report from outbox", "report_id", m.ID, "task", m.Task, "kind", m.RoutingKey)
	}
	return published
}
