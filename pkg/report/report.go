// Package report makes terminal scheduling failures observable outside the scheduler.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

type Kind string

const (
	// KindFailure is emitted when an item exhausts its retry budget.
	KindFailure Kind = "failure"
	// KindInvalidArgument is emitted when a trigger produced a malformed submit.
	KindInvalidArgument Kind = "invalid_argument"
)

type Report struct {
	ID       uuid.UUID `json:"id"`
	Task     string    `json:"task"`
	Kind     Kind      `json:"kind"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

func New(task string, kind Kind, reason string, attempts int) Report {
	return Report{
		ID:       uuid.New(),
		Task:     task,
		Kind:     kind,
		Reason:   reason,
		Attempts: attempts,
		At:       time.Now().UTC(),
	}
}

// Reporter receives reports. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

type Func func(ctx context.Context, r Report) error

func (f Func) Report(ctx context.Context, r Report) error { return f(ctx, r) }

// Multi delivers every report to all reporters and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, r Report) error {
	var result *multierror.Error
	for _, rep := range m {
		if rep == nil {
			continue
		}
		if err := rep.Report(ctx, r); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Log writes reports to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Report(ctx context.Context, r Report) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "sync report",
		"report_id", r.ID.String(),
		"task", r.Task,
		"kind", string(r.Kind),
		"reason", r.Reason,
		"attempts", r.Attempts,
	)
	return nil
}
