// Package trigger carries trigger events from concurrent producers to the single scheduler loop.
package trigger

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"sync-scheduler/pkg/work"
)

type Kind int

const (
	TimerFired Kind = iota
	NetworkChanged
	BootCompleted
	ManualRequest
	// BackoffElapsed and RunFinished are synthetic events raised by the scheduler itself.
	BackoffElapsed
	RunFinished
)

func (k Kind) String() string {
	switch k {
	case TimerFired:
		return "timer_fired"
	case NetworkChanged:
		return "network_changed"
	case BootCompleted:
		return "boot_completed"
	case ManualRequest:
		return "manual_request"
	case BackoffElapsed:
		return "backoff_elapsed"
	case RunFinished:
		return "run_finished"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Repeats reports whether e carries no information beyond the later event o: a second
// network change to the same state, or a second timer for the same task. Other kinds never
// repeat.
func (e Event) Repeats(o Event) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case NetworkChanged:
		return e.Connected == o.Connected
	case TimerFired:
		return e.Task == o.Task
	}
	return false
}

// Reply answers a ManualRequest.
type Reply struct {
	Result string
	Err    error
}

// Event is immutable once published and is consumed exactly once.
type Event struct {
	ID   uuid.UUID
	Kind Kind
	At   time.Time

	// Task names the work item for TimerFired, BackoffElapsed and RunFinished.
	Task      string
	Connected bool
	Params    map[string]string

	// RunFinished only.
	Generation uint64
	Outcome    work.Outcome
	Contended  bool

	// Reply, when set on a ManualRequest, receives exactly one answer.
	Reply chan<- Reply
}

func newEvent(kind Kind) Event {
	return Event{ID: uuid.New(), Kind: kind, At: time.Now()}
}

func Timer(task string) Event {
	ev := newEvent(TimerFired)
	ev.Task = task
	return ev
}

func Network(connected bool) Event {
	ev := newEvent(NetworkChanged)
	ev.Connected = connected
	return ev
}

func Boot() Event { return newEvent(BootCompleted) }

func Manual(params map[string]string, reply chan<- Reply) Event {
	ev := newEvent(ManualRequest)
	ev.Params = maps.Clone(params)
	ev.Reply = reply
	return ev
}

func Backoff(task string, generation uint64) Event {
	ev := newEvent(BackoffElapsed)
	ev.Task = task
	ev.Generation = generation
	return ev
}

func Finished(task string, generation uint64, out work.Outcome, contended bool) Event {
	ev := newEvent(RunFinished)
	ev.Task = task
	ev.Generation = generation
	ev.Outcome = out
	ev.Contended = contended
	return ev
}

func (e Event) String() string {
	switch e.Kind {
	case NetworkChanged:
		return fmt.Sprintf("%s(%t)", e.Kind, e.Connected)
	case TimerFired, BackoffElapsed:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Task)
	case RunFinished:
		return fmt.Sprintf("%s(%s, %s)", e.Kind, e.Task, e.Outcome)
	default:
		return e.Kind.String()
	}
}
