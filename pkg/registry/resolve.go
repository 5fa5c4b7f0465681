package registry

import (
	"fmt"
	"maps"
	"time"

	"sync-scheduler/pkg/work"
)

// Resolve applies policy to a submission of def against the existing entry for the same name
// (nil when there is none) and returns the entry that should be stored together with the outcome.
//
// Resolve is pure: it never mutates existing. Every Store applies it inside its own transaction so
// the in-memory registry and the durable stores agree on the four outcomes.
func Resolve(existing *work.Item, def work.Definition, policy work.Policy, now time.Time) (work.Item, work.Result, error) {
	if !policy.Valid() {
		return work.Item{}, "", fmt.Errorf("%w: unknown policy %q", work.ErrInvalidArgument, policy)
	}
	if err := def.Validate(); err != nil {
		return work.Item{}, "", err
	}
	def.Params = maps.Clone(def.Params)

	if existing == nil {
		return work.Item{
			Definition: def,
			State:      work.StatePending,
			Generation: 1,
			Version:    1,
			LastPolicy: policy,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, work.ResultCreated, nil
	}
	if existing.Name != def.Name {
		return work.Item{}, "", fmt.Errorf("%w: name mismatch %q != %q", work.ErrInvalidArgument, existing.Name, def.Name)
	}

	next := existing.Clone()
	switch policy {
	case work.PolicyKeepExisting:
		return next, work.ResultSkipped, nil

	case work.PolicyUpdate:
		if existing.Kind != def.Kind {
			return work.Item{}, "", fmt.Errorf("%w: update cannot change kind of %q from %s to %s",
				work.ErrInvalidArgument, def.Name, existing.Kind, def.Kind)
		}
		next.Interval = def.Interval
		next.Constraints = def.Constraints
		next.Timeout = def.Timeout
		if len(def.Params) > 0 {
			if next.Params == nil {
				next.Params = make(map[string]string, len(def.Params))
			}
			maps.Copy(next.Params, def.Params)
		}
		next.LastPolicy = policy
		next.Version++
		next.UpdatedAt = now
		return next, work.ResultMerged, nil

	default: // replace, append
		next.Definition = def
		next.RetryCount = 0
		next.BackoffUntil = time.Time{}
		next.Generation++
		next.Version++
		next.LastPolicy = policy
		next.UpdatedAt = now
		if existing.State == work.StateRunning {
			// the in-flight run finishes; its outcome is discarded
			next.State = work.StateRunning
			next.Rerun = true
		} else {
			next.State = work.StatePending
			next.Rerun = false
		}
		return next, work.ResultReplaced, nil
	}
}
