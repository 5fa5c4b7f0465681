package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sync-scheduler/pkg/work"
)

func drain(t *testing.T, b *Bus) []Event {
	t.Helper()
	var out []Event
	for b.Len() > 0 {
		ev, err := b.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestBus_PreservesArrivalOrder(t *testing.T) {
	b := NewBus(8)
	ctx := context.Background()
	in := []Event{Timer(work.PeriodicSync), Network(true), Boot(), Manual(nil, nil), Network(false)}
	for _, ev := range in {
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	out := drain(t, b)
	if len(out) != len(in) {
		t.Fatalf("expected %d events, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].ID != in[i].ID {
			t.Errorf("event %d out of order: got %s want %s", i, out[i], in[i])
		}
	}
}

func TestBus_EvictsRepeatedNetworkStateWhenFull(t *testing.T) {
	var mu sync.Mutex
	var evicted []Event
	b := NewBus(3, WithDropHook(func(ev Event) {
		mu.Lock()
		evicted = append(evicted, ev)
		mu.Unlock()
	}))
	ctx := context.Background()

	first := Network(true)
	lost := Network(false)
	for _, ev := range []Event{first, Boot(), lost} {
		if err := b.Publish(ctx, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	back := Network(true)
	if err := b.Publish(ctx, back); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out := drain(t, b)
	if len(out) != 3 {
		t.Fatalf("expected 3 queued events, got %d", len(out))
	}
	if out[0].Kind != BootCompleted || out[1].ID != lost.ID || out[2].ID != back.ID {
		t.Fatalf("unexpected queue after eviction: %v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0].ID != first.ID {
		t.Fatalf("expected the older online event evicted, got %v", evicted)
	}
}

func TestBus_CoalescesTimerForSameTask(t *testing.T) {
	b := NewBus(2)
	ctx := context.Background()
	_ = b.Publish(ctx, Timer(work.PeriodicSync))
	_ = b.Publish(ctx, Boot())

	again := Timer(work.PeriodicSync)
	if err := b.Publish(ctx, again); err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := drain(t, b)
	if len(out) != 2 || out[0].Kind != BootCompleted || out[1].ID != again.ID {
		t.Fatalf("expected boot then the later timer, got %v", out)
	}
}

func TestBus_LoneTimerSurvivesFullBus(t *testing.T) {
	var mu sync.Mutex
	var evicted []Event
	b := NewBus(2, WithDropHook(func(ev Event) {
		mu.Lock()
		evicted = append(evicted, ev)
		mu.Unlock()
	}))
	ctx := context.Background()
	timer := Timer(work.PeriodicSync)
	_ = b.Publish(ctx, timer)
	_ = b.Publish(ctx, Boot())

	published := make(chan error, 1)
	online := Network(true)
	go func() { published <- b.Publish(ctx, online) }()

	select {
	case err := <-published:
		t.Fatalf("publish should wait while nothing is redundant, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if ev, err := b.Next(ctx); err != nil || ev.ID != timer.ID {
		t.Fatalf("expected the timer first, got %v %v", ev, err)
	}
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publisher was not released")
	}
	out := drain(t, b)
	if len(out) != 2 || out[0].Kind != BootCompleted || out[1].ID != online.ID {
		t.Fatalf("unexpected queue: %v", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 0 {
		t.Fatalf("nothing should be evicted, got %v", evicted)
	}
}

func TestBus_ManualWaitsForSpace(t *testing.T) {
	b := NewBus(1)
	ctx := context.Background()
	_ = b.Publish(ctx, Boot())

	published := make(chan error, 1)
	manual := Manual(nil, nil)
	go func() { published <- b.Publish(ctx, manual) }()

	select {
	case err := <-published:
		t.Fatalf("publish should block while full, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if ev, err := b.Next(ctx); err != nil || ev.Kind != BootCompleted {
		t.Fatalf("next: %v %v", ev, err)
	}
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publisher was not released")
	}
	if ev, _ := b.Next(ctx); ev.ID != manual.ID {
		t.Fatalf("expected manual event, got %s", ev)
	}
}

func TestBus_PublishRespectsContext(t *testing.T) {
	b := NewBus(1)
	_ = b.Publish(context.Background(), Boot())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, Boot()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBus_CloseDrainsThenErrors(t *testing.T) {
	b := NewBus(4)
	ctx := context.Background()
	_ = b.Publish(ctx, Boot())
	b.Close()
	b.Close()

	if err := b.Publish(ctx, Boot()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on publish, got %v", err)
	}
	if ev, err := b.Next(ctx); err != nil || ev.Kind != BootCompleted {
		t.Fatalf("expected queued event after close, got %v %v", ev, err)
	}
	if _, err := b.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBus_NextWakesOnPublish(t *testing.T) {
	b := NewBus(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan Event, 1)
	go func() {
		ev, err := b.Next(ctx)
		if err == nil {
			got <- ev
		}
	}()
	time.Sleep(20 * time.Millisecond)
	want := Timer(work.PeriodicSync)
	_ = b.Publish(ctx, want)

	select {
	case ev := <-got:
		if ev.ID != want.ID {
			t.Fatalf("unexpected event %s", ev)
		}
	case <-ctx.Done():
		t.Fatal("consumer never woke up")
	}
}

func TestBus_ConcurrentProducers(t *testing.T) {
	b := NewBus(16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := b.Publish(ctx, Manual(nil, nil)); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for received < producers*perProducer {
		if _, err := b.Next(ctx); err != nil {
			t.Fatalf("next after %d events: %v", received, err)
		}
		received++
	}
	<-done
}
