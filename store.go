package flowline

import "context"

// Store is the persistence contract for the workflow core. Lookups return
// (nil, nil) when the row does not exist; services translate absence into
// not-found failures with tenant context attached.
//
// WithinTx runs fn atomically where the backing store supports transactions.
// The in-memory store implements it with a snapshot/restore so rollback
// behavior stays testable without a database.
type Store interface {
	// Definitions.
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context, tenantID string) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Instances.
	SaveInstance(ctx context.Context, instance *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstancesByDefinition(ctx context.Context, tenantID, definitionID string, version int) ([]*Instance, error)

	// Tasks.
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByInstance(ctx context.Context, instanceID string) ([]*Task, error)

	// Audit events.
	AppendEvent(ctx context.Context, event *Event) error
	ListEventsByInstance(ctx context.Context, instanceID string) ([]*Event, error)

	// Outbox. InsertOutbox reports alreadyExisted=true when a message with
	// the same idempotency key has been written before; the insert is then
	// a no-op rather than an error.
	InsertOutbox(ctx context.Context, msg *OutboxMessage) (alreadyExisted bool, err error)
	ListUnprocessedOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error)
	UpdateOutbox(ctx context.Context, msg *OutboxMessage) error

	// WithinTx runs fn within a transaction scope.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
