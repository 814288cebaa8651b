package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/metocean/bob-the-builder/internal/task"
)

type memoryKey struct {
	repo     string
	rangeKey string
}

// Memory is an in-process Store. Records are copied on the way in and out,
// so callers never share a *task.Task with the store.
type Memory struct {
	mu    sync.Mutex
	tasks map[memoryKey]*task.Task
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{tasks: map[memoryKey]*task.Task{}, now: time.Now}
}

func keyOf(id task.Identity) memoryKey {
	return memoryKey{repo: id.GitRepo, rangeKey: id.RangeKey()}
}

func (m *Memory) EnsureExists(ctx context.Context) error { return nil }

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Load(ctx context.Context, id task.Identity) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[keyOf(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, t *task.Task) error {
	if err := task.Validate(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyOf(t.Identity())
	if stored, ok := m.tasks[key]; ok && !overwriteAllowed(stored.State, t.State) {
		return ErrCancelRequested
	}
	t.ModifiedAt = m.now().UTC()
	m.tasks[key] = t.Clone()
	return nil
}

func (m *Memory) ScanAll(ctx context.Context) ([]*task.Task, error) {
	return m.scan(func(*task.Task) bool { return true }), nil
}

func (m *Memory) ScanActive(ctx context.Context) ([]*task.Task, error) {
	return m.scan(func(t *task.Task) bool { return t.State.IsActive() }), nil
}

func (m *Memory) scan(keep func(*task.Task) bool) []*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]memoryKey, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].repo != keys[j].repo {
			return keys[i].repo < keys[j].repo
		}
		return keys[i].rangeKey < keys[j].rangeKey
	})
	out := make([]*task.Task, 0, len(keys))
	for _, k := range keys {
		if t := m.tasks[k]; keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (m *Memory) RequestCancel(ctx context.Context, id task.Identity, requestedBy string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[keyOf(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := stored.Clone()
	now := m.now().UTC()
	if err := markCancel(t, requestedBy, now); err != nil {
		return nil, err
	}
	t.ModifiedAt = now
	m.tasks[keyOf(id)] = t
	return t.Clone(), nil
}
