package flowline

import "time"

// Event is an append-only audit row recording one meaningful lifecycle
// transition. Rows are immutable once written and are deduplicated via the
// outbox idempotency key before being appended.
type Event struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	Type       string    `json:"type"`
	Name       string    `json:"name,omitempty"`
	Data       string    `json:"data,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	UserID     string    `json:"user_id,omitempty"`
}

// OutboxMessage is an append-only dispatch record. IdempotencyKey is unique
// per logical event occurrence; a second write with the same key is a no-op.
type OutboxMessage struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	EventType      string    `json:"event_type"`
	EventData      string    `json:"event_data"`
	IdempotencyKey string    `json:"idempotency_key"`
	IsProcessed    bool      `json:"is_processed"`
	RetryCount     int       `json:"retry_count"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
	ProcessedAt    time.Time `json:"processed_at,omitzero"`
}

// Copy returns a copy of the outbox message.
func (m *OutboxMessage) Copy() *OutboxMessage {
	copied := *m
	return &copied
}
