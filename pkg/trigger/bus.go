package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("trigger bus closed")

// DefaultCapacity is the bus size used when a non-positive capacity is given.
const DefaultCapacity = 64

// Bus is a bounded FIFO of trigger events with many producers and a single consumer.
//
// When the bus is full the oldest event that a later one repeats (see Event.Repeats) is
// evicted to make room. If nothing is redundant the publisher waits for space; no event is
// ever lost otherwise.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}

	onDrop func(Event)
	log    *slog.Logger
}

type BusOption func(*Bus)

// WithDropHook registers fn to observe evicted events. fn must not block.
func WithDropHook(fn func(Event)) BusOption {
	return func(b *Bus) { b.onDrop = fn }
}

func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBus(capacity int, opts ...BusOption) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		queue:    make([]Event, 0, capacity),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends ev in arrival order. On a full bus it first evicts a redundant event and
// otherwise blocks until the consumer makes room.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if len(b.queue) < b.capacity {
			b.queue = append(b.queue, ev)
			room := len(b.queue) < b.capacity
			b.mu.Unlock()
			signal(b.notEmpty)
			if room {
				signal(b.notFull)
			}
			return nil
		}
		if i := b.oldestRedundant(ev); i >= 0 {
			evicted := b.queue[i]
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.queue = append(b.queue, ev)
			b.mu.Unlock()
			signal(b.notEmpty)
			b.dropped(evicted)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-b.notFull:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next removes and returns the oldest event. After Close it drains what is left and then
// returns ErrClosed.
func (b *Bus) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = Event{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			signal(b.notFull)
			return ev, nil
		}
		if b.closed {
			b.mu.Unlock()
			return Event{}, ErrClosed
		}
		b.mu.Unlock()

		select {
		case <-b.notEmpty:
		case <-b.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting events. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// oldestRedundant returns the index of the oldest queued event repeated by a later queued
// event or by next, or -1. It must be called with mu held.
func (b *Bus) oldestRedundant(next Event) int {
	for i, ev := range b.queue {
		if ev.Repeats(next) {
			return i
		}
		for _, later := range b.queue[i+1:] {
			if ev.Repeats(later) {
				return i
			}
		}
	}
	return -1
}

func (b *Bus) dropped(ev Event) {
	b.log.Debug("redundant trigger event evicted", "event", ev.String(), "event_id", ev.ID)
	if b.onDrop != nil {
		b.onDrop(ev)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
