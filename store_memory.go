package flowline

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and local
// development; WithinTx snapshots all state and restores it when fn fails,
// matching the rollback semantics of the SQL stores.
type MemoryStore struct {
	mutex       sync.RWMutex
	definitions map[string]*Definition
	instances   map[string]*Instance
	tasks       map[string]*Task
	events      []*Event
	outbox      []*OutboxMessage
	outboxKeys  map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string]*Definition{},
		instances:   map[string]*Instance{},
		tasks:       map[string]*Task{},
		outboxKeys:  map[string]bool{},
	}
}

// SaveDefinition inserts or replaces a definition row.
func (s *MemoryStore) SaveDefinition(ctx context.Context, def *Definition) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.definitions[def.ID] = def.Copy()
	return nil
}

// GetDefinition returns a definition by ID, or nil when absent.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	def, ok := s.definitions[id]
	if !ok {
		return nil, nil
	}
	return def.Copy(), nil
}

// ListDefinitions returns all definitions for a tenant ordered by creation
// time.
func (s *MemoryStore) ListDefinitions(ctx context.Context, tenantID string) ([]*Definition, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var defs []*Definition
	for _, def := range s.definitions {
		if def.TenantID == tenantID {
			defs = append(defs, def.Copy())
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})
	return defs, nil
}

// DeleteDefinition removes a definition row.
func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.definitions, id)
	return nil
}

// SaveInstance inserts or replaces an instance row.
func (s *MemoryStore) SaveInstance(ctx context.Context, instance *Instance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.instances[instance.ID] = instance.Copy()
	return nil
}

// GetInstance returns an instance by ID, or nil when absent.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	instance, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return instance.Copy(), nil
}

// ListInstancesByDefinition returns all instances of one definition version
// belonging to the given tenant.
func (s *MemoryStore) ListInstancesByDefinition(ctx context.Context, tenantID, definitionID string, version int) ([]*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var instances []*Instance
	for _, instance := range s.instances {
		if instance.TenantID == tenantID &&
			instance.DefinitionID == definitionID &&
			instance.DefinitionVersion == version {
			instances = append(instances, instance.Copy())
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
	return instances, nil
}

// SaveTask inserts or replaces a task row.
func (s *MemoryStore) SaveTask(ctx context.Context, task *Task) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.tasks[task.ID] = task.Copy()
	return nil
}

// GetTask returns a task by ID, or nil when absent.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Copy(), nil
}

// ListTasksByInstance returns all tasks of one instance ordered by creation
// time.
func (s *MemoryStore) ListTasksByInstance(ctx context.Context, instanceID string) ([]*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tasks []*Task
	for _, task := range s.tasks {
		if task.InstanceID == instanceID {
			tasks = append(tasks, task.Copy())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// AppendEvent appends an audit event row.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

// ListEventsByInstance returns the audit rows for one instance in append
// order.
func (s *MemoryStore) ListEventsByInstance(ctx context.Context, instanceID string) ([]*Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var events []*Event
	for _, event := range s.events {
		if event.InstanceID == instanceID {
			copied := *event
			events = append(events, &copied)
		}
	}
	return events, nil
}

// InsertOutbox appends an outbox message unless its idempotency key has been
// seen before.
func (s *MemoryStore) InsertOutbox(ctx context.Context, msg *OutboxMessage) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.outboxKeys[msg.IdempotencyKey] {
		return true, nil
	}
	s.outboxKeys[msg.IdempotencyKey] = true
	s.outbox = append(s.outbox, msg.Copy())
	return false, nil
}

// ListUnprocessedOutbox returns up to limit unprocessed messages ordered by
// creation time.
func (s *MemoryStore) ListUnprocessedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var pending []*OutboxMessage
	for _, msg := range s.outbox {
		if !msg.IsProcessed {
			pending = append(pending, msg.Copy())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// UpdateOutbox replaces an outbox row's bookkeeping fields.
func (s *MemoryStore) UpdateOutbox(ctx context.Context, msg *OutboxMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for idx, existing := range s.outbox {
		if existing.ID == msg.ID {
			updated := msg.Copy()
			updated.UpdatedAt = time.Now()
			s.outbox[idx] = updated
			return nil
		}
	}
	return nil
}

// memorySnapshot captures the full store state for rollback.
type memorySnapshot struct {
	definitions map[string]*Definition
	instances   map[string]*Instance
	tasks       map[string]*Task
	events      []*Event
	outbox      []*OutboxMessage
	outboxKeys  map[string]bool
}

// WithinTx snapshots the store, runs fn, and restores the snapshot when fn
// returns an error. Concurrent writers are not excluded for the duration of
// fn; this store is a test double, not a serializable database.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot() *memorySnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snap := &memorySnapshot{
		definitions: make(map[string]*Definition, len(s.definitions)),
		instances:   make(map[string]*Instance, len(s.instances)),
		tasks:       make(map[string]*Task, len(s.tasks)),
		events:      append([]*Event(nil), s.events...),
		outbox:      make([]*OutboxMessage, 0, len(s.outbox)),
		outboxKeys:  make(map[string]bool, len(s.outboxKeys)),
	}
	for id, def := range s.definitions {
		snap.definitions[id] = def.Copy()
	}
	for id, instance := range s.instances {
		snap.instances[id] = instance.Copy()
	}
	for id, task := range s.tasks {
		snap.tasks[id] = task.Copy()
	}
	for _, msg := range s.outbox {
		snap.outbox = append(snap.outbox, msg.Copy())
	}
	for key := range s.outboxKeys {
		snap.outboxKeys[key] = true
	}
	return snap
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.definitions = snap.definitions
	s.instances = snap.instances
	s.tasks = snap.tasks
	s.events = snap.events
	s.outbox = snap.outbox
	s.outboxKeys = snap.outboxKeys
}
