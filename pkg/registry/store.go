package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sync-scheduler/pkg/work"
)

// Store is the durable job substrate behind the registry. Implementations must persist
// pending and periodic work across process restarts and apply Resolve for dedup.
type Store interface {
	// EnqueueUnique submits a one-time definition under its unique name.
	EnqueueUnique(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error)
	// EnqueueUniquePeriodic submits a periodic definition under its unique name.
	EnqueueUniquePeriodic(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error)
	// Save persists item if the stored version is item.Version-1, else returns work.ErrConflict.
	Save(ctx context.Context, item work.Item) error
	// Delete removes name if the stored version equals version.
	Delete(ctx context.Context, name string, version uint64) error
	// Load returns every persisted item.
	Load(ctx context.Context) ([]work.Item, error)
}

// MemoryStore is a non-durable Store, used in tests and by hosts without persistence.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]work.Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]work.Item), now: time.Now}
}

func (s *MemoryStore) EnqueueUnique(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindOneTime {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUnique needs a one-time definition", work.ErrInvalidArgument)
	}
	return s.enqueue(def, policy)
}

func (s *MemoryStore) EnqueueUniquePeriodic(ctx context.Context, def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	if def.Kind != work.KindPeriodic {
		return work.Item{}, "", fmt.Errorf("%w: EnqueueUniquePeriodic needs a periodic definition", work.ErrInvalidArgument)
	}
	return s.enqueue(def, policy)
}

func (s *MemoryStore) enqueue(def work.Definition, policy work.Policy) (work.Item, work.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *work.Item
	if cur, ok := s.items[def.Name]; ok {
		existing = &cur
	}
	next, res, err := Resolve(existing, def, policy, s.now())
	if err != nil {
		return work.Item{}, "", err
	}
	s.items[def.Name] = next.Clone()
	return next, res, nil
}

func (s *MemoryStore) Save(ctx context.Context, item work.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[item.Name]
	if !ok {
		return fmt.Errorf("save %q: %w", item.Name, work.ErrNotFound)
	}
	if cur.Version+1 != item.Version {
		return fmt.Errorf("save %q at version %d (stored %d): %w", item.Name, item.Version, cur.Version, work.ErrConflict)
	}
	s.items[item.Name] = item.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[name]
	if !ok {
		return fmt.Errorf("delete %q: %w", name, work.ErrNotFound)
	}
	if cur.Version != version {
		return fmt.Errorf("delete %q at version %d (stored %d): %w", name, version, cur.Version, work.ErrConflict)
	}
	delete(s.items, name)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]work.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]work.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
