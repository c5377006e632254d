package flowline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// keyNamespace is the fixed UUIDv5 namespace for idempotency keys. Changing
// it would re-key every deterministic event, so it never changes.
var keyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// EntityKind names the entity a lifecycle event belongs to.
type EntityKind string

const (
	EntityInstance   EntityKind = "instance"
	EntityTask       EntityKind = "task"
	EntityDefinition EntityKind = "definition"
)

// DeriveKey computes the deterministic idempotency key for one lifecycle
// transition. It is a pure, stable hash of its inputs: the same (tenant,
// entity kind, entity ID, phase, version) tuple always yields the same key,
// which is what makes outbox writes idempotent under retries and
// at-least-once redelivery.
func DeriveKey(tenantID string, kind EntityKind, entityID, phase string, version int) string {
	name := fmt.Sprintf("%s|%s|%s|%s|%d", tenantID, kind, entityID, phase, version)
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// RandomKey returns a random idempotency key for events that are
// legitimately distinct on every occurrence, such as task reassignments.
func RandomKey() string {
	return uuid.New().String()
}

// OutboxWriteResult reports the outcome of an outbox append.
type OutboxWriteResult struct {
	AlreadyExisted bool
	Message        *OutboxMessage
}

// OutboxWriter appends event records to the outbox, treating an idempotency
// key collision as a successful no-op rather than a constraint violation.
type OutboxWriter struct {
	store Store
}

// NewOutboxWriter creates an outbox writer over the given store.
func NewOutboxWriter(store Store) *OutboxWriter {
	return &OutboxWriter{store: store}
}

// TryAdd appends an outbox message. With an empty idempotencyKey a random
// key is generated and the insert always lands. With a supplied key, a
// duplicate insert reports AlreadyExisted=true and writes nothing.
func (w *OutboxWriter) TryAdd(ctx context.Context, tenantID, eventType string, payload any, idempotencyKey string) (*OutboxWriteResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if idempotencyKey == "" {
		idempotencyKey = RandomKey()
	}
	msg := &OutboxMessage{
		ID:             NewOutboxID(),
		TenantID:       tenantID,
		EventType:      eventType,
		EventData:      string(data),
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	alreadyExisted, err := w.store.InsertOutbox(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox message: %w", err)
	}
	if alreadyExisted {
		return &OutboxWriteResult{AlreadyExisted: true}, nil
	}
	return &OutboxWriteResult{Message: msg}, nil
}
