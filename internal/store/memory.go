package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/skillflow/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory. It backs one-shot
// CLI runs over workflow files and tests; nothing survives Close.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      []*Run
	events    []*Event
	secrets   map[string][]byte
	nextEvent int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		secrets:   make(map[string][]byte),
	}
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	if wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.workflows[wf.ID]; ok && wf.CreatedAt.IsZero() {
		wf.CreatedAt = prev.CreatedAt
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = time.Now().UTC()
	wf.Definition.ID = wf.ID
	if wf.Name == "" {
		wf.Name = wf.Definition.Name
	}
	wf.Definition.Name = wf.Name

	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.RLock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.Name != "" && !strings.HasPrefix(wf.Name, filter.Name) {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(m.workflows, id)
	return nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == run.ID {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
		}
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, workflowID string, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range slices.Backward(m.runs) {
		if r.WorkflowID == workflowID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return page(out, 0, limit), nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seq int64
	for _, e := range m.events {
		if e.RunID == event.RunID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = seq + 1
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range slices.Backward(m.events) {
		switch {
		case e.Type != eventType:
		case filter.RunID != "" && e.RunID != filter.RunID:
		case filter.NodeID != "" && e.NodeID != filter.NodeID:
		case filter.Since != nil && e.Timestamp.Before(*filter.Since):
		default:
			cp := *e
			out = append(out, &cp)
		}
	}
	return page(out, 0, filter.Limit), nil
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = slices.Clone(value)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return slices.Clone(v), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
