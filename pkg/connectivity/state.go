// Package connectivity watches the host network and publishes debounced online/offline transitions.
package connectivity

import (
	"fmt"
	"time"
)

type State int

const (
	Unknown State = iota
	Online
	Offline
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func stateOf(online bool) State {
	if online {
		return Online
	}
	return Offline
}

// Snapshot is a consistent view of the connectivity state.
type Snapshot struct {
	State            State     `json:"state"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

func (s Snapshot) Online() bool { return s.State == Online }

// Observer receives committed transitions. Observers run on their own goroutine and
// can never block the watcher.
type Observer interface {
	ConnectivityChanged(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) ConnectivityChanged(s Snapshot) { f(s) }
