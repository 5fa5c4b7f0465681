package work

import (
	"fmt"
	"maps"
	"time"
)

type Kind string
type Policy string
type State string
type Result string
type OutcomeKind string

const (
	KindPeriodic Kind = "periodic"
	KindOneTime  Kind = "one_time"
)

const (
	PolicyReplace      Policy = "replace"
	PolicyKeepExisting Policy = "keep_existing"
	PolicyUpdate       Policy = "update"
	PolicyAppend       Policy = "append"
)

const (
	StateIdle    State = "IDLE"
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateBackoff State = "BACKOFF"
)

const (
	ResultCreated  Result = "created"
	ResultReplaced Result = "replaced"
	ResultSkipped  Result = "skipped"
	ResultMerged   Result = "merged"
)

const (
	OutcomeNone    OutcomeKind = ""
	OutcomeSuccess OutcomeKind = "success"
	OutcomeRetry   OutcomeKind = "retry"
	OutcomeFailure OutcomeKind = "failure"
)

// Well-known task names.
const (
	PeriodicSync = "periodic-sync"
	OneTimeSync  = "one-time-sync"
)

func (k Kind) Valid() bool {
	return k == KindPeriodic || k == KindOneTime
}

func (p Policy) Valid() bool {
	switch p {
	case PolicyReplace, PolicyKeepExisting, PolicyUpdate, PolicyAppend:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateIdle, StatePending, StateRunning, StateBackoff:
		return true
	}
	return false
}

// Constraints are preconditions that must hold before an item is dispatched.
type Constraints struct {
	RequiresNetwork bool `json:"requires_network"`
}

// Definition is the submitted, mutable part of a work item.
type Definition struct {
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	Interval    time.Duration     `json:"interval,omitempty"`
	Constraints Constraints       `json:"constraints"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	// Params are handed to the sync task on every dispatch of this generation.
	Params      map[string]string `json:"params,omitempty"`
}

// Validate rejects malformed definitions. The returned error wraps ErrInvalidArgument.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty task name", ErrInvalidArgument)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, d.Kind)
	}
	if d.Kind == KindPeriodic && d.Interval <= 0 {
		return fmt.Errorf("%w: periodic task %q needs a positive interval", ErrInvalidArgument, d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout for %q", ErrInvalidArgument, d.Name)
	}
	return nil
}

// SameSchedule reports whether d and o would produce the same schedule.
// Params are trigger metadata and are not compared.
func (d Definition) SameSchedule(o Definition) bool {
	return d.Name == o.Name &&
		d.Kind == o.Kind &&
		d.Interval == o.Interval &&
		d.Constraints == o.Constraints &&
		d.Timeout == o.Timeout
}

type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Attempt int         `json:"attempt,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

func Retry(attempt int, reason string) Outcome {
	return Outcome{Kind: OutcomeRetry, Attempt: attempt, Reason: reason}
}

func Failure(reason string) Outcome { return Outcome{Kind: OutcomeFailure, Reason: reason} }

// Retry reasons set by the dispatcher.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// Err maps a non-success outcome onto the error taxonomy: a timed out attempt is ErrTimeout,
// anything else that did not succeed is ErrExecutionFailure.
func (o Outcome) Err() error {
	switch {
	case o.Kind == OutcomeNone || o.Kind == OutcomeSuccess:
		return nil
	case o.Kind == OutcomeRetry && o.Reason == ReasonTimeout:
		return ErrTimeout
	case o.Reason == "":
		return ErrExecutionFailure
	default:
		return fmt.Errorf("%w: %s", ErrExecutionFailure, o.Reason)
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeNone:
		return "none"
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return fmt.Sprintf("retry(%d)", o.Attempt)
	case OutcomeFailure:
		return fmt.Sprintf("failure(%s)", o.Reason)
	default:
		return string(o.Kind)
	}
}

// Item is the registry entry for one logical task name.
type Item struct {
	Definition

	State        State     `json:"state"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
	LastOutcome  Outcome   `json:"last_outcome"`
	RetryCount   int       `json:"retry_count"`

	// Generation changes whenever a new definition supersedes the old one.
	Generation uint64 `json:"generation"`
	// Version changes on every mutation and guards compare-and-update.
	Version    uint64 `json:"version"`
	LastPolicy Policy `json:"last_policy"`
	// Rerun is set when a definition was replaced while the old one was running.
	Rerun bool `json:"rerun,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with it.
func (it Item) Clone() Item {
	out := it
	out.Params = maps.Clone(it.Params)
	return out
}
