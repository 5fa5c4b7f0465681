// Package registry owns WorkItem state: one entry per task name, deduplicated through a
// closed set of policies and mutated only by compare-and-update.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sync-scheduler/pkg/work"
)

type Registry struct {
	mu    sync.Mutex
	items map[string]work.Item
	store Store
	now   func() time.Time
	log   *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a registry backed by store. A nil store means a MemoryStore.
func New(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		items: make(map[string]work.Item),
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the in-memory view with whatever the store retained. It returns the number
// of recovered items.
func (r *Registry) Load(ctx context.Context) (int, error) {
	items, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load work items: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]work.Item, len(items))
	for _, it := range items {
		r.items[it.Name] = it.Clone()
	}
	return len(items), nil
}

// Submit resolves def against the existing entry for its name. Every result is a success;
// malformed input is rejected with work.ErrInvalidArgument before anything is mutated.
func (r *Registry) Submit(ctx context.Context, def work.Definition, policy work.Policy) (work.Result, error) {
	if !policy.Valid() {
		return "", fmt.Errorf("%w: unknown policy %q", work.ErrInvalidArgument, policy)
	}
	if err := def.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		item work.Item
		res  work.Result
		err  error
	)
	if def.Kind == work.KindPeriodic {
		item, res, err = r.store.EnqueueUniquePeriodic(ctx, def, policy)
	} else {
		item, res, err = r.store.EnqueueUnique(ctx, def, policy)
	}
	if err != nil {
		return "", fmt.Errorf("submit %q: %w", def.Name, err)
	}
	r.items[item.Name] = item.Clone()

	r.log.Debug("work submitted", "task", def.Name, "policy", policy, "result", res, "state", item.State)
	return res, nil
}

// Get returns a copy of the entry for name.
func (r *Registry) Get(name string) (work.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[name]
	if !ok {
		return work.Item{}, false
	}
	return it.Clone(), true
}

// List returns copies of all entries ordered by name.
func (r *Registry) List() []work.Item {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]work.Item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CompareAndUpdate applies mutate to a copy of the entry for name if its version still equals
// expect, persists the copy and installs it. The name and version fields are not mutable.
func (r *Registry) CompareAndUpdate(ctx context.Context, name string, expect uint64, mutate func(*work.Item)) (work.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[name]
	if !ok {
		return work.Item{}, fmt.Errorf("update %q: %w", name, work.ErrNotFound)
	}
	if cur.Version != expect {
		return work.Item{}, fmt.Errorf("update %q at version %d (current %d): %w", name, expect, cur.Version, work.ErrConflict)
	}

	next := cur.Clone()
	mutate(&next)
	next.Name = cur.Name
	next.Version = cur.Version + 1
	next.UpdatedAt = r.now()

	if err := r.store.Save(ctx, next); err != nil {
		return work.Item{}, fmt.Errorf("update %q: %w", name, err)
	}
	r.items[name] = next.Clone()
	return next, nil
}

// Remove deletes the entry for name if its version still equals expect.
func (r *Registry) Remove(ctx context.Context, name string, expect uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[name]
	if !ok {
		return fmt.Errorf("remove %q: %w", name, work.ErrNotFound)
	}
	if cur.Version != expect {
		return fmt.Errorf("remove %q at version %d (current %d): %w", name, expect, cur.Version, work.ErrConflict)
	}
	if err := r.store.Delete(ctx, name, expect); err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	delete(r.items, name)
	return nil
}
