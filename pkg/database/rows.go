// Package database holds the durable Store implementations: PostgreSQL through pgxpool for
// shared hosts and embedded SQLite for single-device installs. Both resolve submissions with
// registry.Resolve inside a transaction and keep failure reports in an outbox table.
package database

import (
	"encoding/json"
	"fmt"
	"time"

	"sync-scheduler/pkg/work"
)

const itemColumns = `name, kind, interval_ms, requires_network, timeout_ms, params, state, backoff_until,
	outcome_kind, outcome_attempt, outcome_reason, retry_count, generation, version, last_policy, rerun,
	created_at, updated_at`

const itemColumnCount = 18

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (work.Item, error) {
	var (
		it                           work.Item
		kind, state, outKind, policy string
		intervalMS, timeoutMS        int64
		params                       string
		backoff, created, updated    int64
		generation, version          int64
	)
	err := s.Scan(&it.Name, &kind, &intervalMS, &it.Constraints.RequiresNetwork, &timeoutMS, &params,
		&state, &backoff, &outKind, &it.LastOutcome.Attempt, &it.LastOutcome.Reason, &it.RetryCount,
		&generation, &version, &policy, &it.Rerun, &created, &updated)
	if err != nil {
		return work.Item{}, err
	}

	it.Kind = work.Kind(kind)
	it.Interval = time.Duration(intervalMS) * time.Millisecond
	it.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if params != "" {
		if err := json.Unmarshal([]byte(params), &it.Params); err != nil {
			return work.Item{}, fmt.Errorf("decode params of %q: %w", it.Name, err)
		}
	}
	it.State = work.State(state)
	it.BackoffUntil = fromUnixNano(backoff)
	it.LastOutcome.Kind = work.OutcomeKind(outKind)
	it.Generation = uint64(generation)
	it.Version = uint64(version)
	it.LastPolicy = work.Policy(policy)
	it.CreatedAt = fromUnixNano(created)
	it.UpdatedAt = fromUnixNano(updated)
	return it, nil
}

// itemArgs returns the column values of it in itemColumns order.
func itemArgs(it work.Item) ([]any, error) {
	params := ""
	if len(it.Params) > 0 {
		b, err := json.Marshal(it.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params of %q: %w", it.Name, err)
		}
		params = string(b)
	}
	return []any{
		it.Name,
		string(it.Kind),
		it.Interval.Milliseconds(),
		it.Constraints.RequiresNetwork,
		it.Timeout.Milliseconds(),
		params,
		string(it.State),
		toUnixNano(it.BackoffUntil),
		string(it.LastOutcome.Kind),
		it.LastOutcome.Attempt,
		it.LastOutcome.Reason,
		it.RetryCount,
		int64(it.Generation),
		int64(it.Version),
		string(it.LastPolicy),
		it.Rerun,
		toUnixNano(it.CreatedAt),
		toUnixNano(it.UpdatedAt),
	}, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
