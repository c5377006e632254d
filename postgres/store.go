// Package postgres provides a PostgreSQL-backed implementation of the
// flowline Store contract using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepnoodle-ai/flowline"
)

// txKey carries an open transaction through contexts passed to WithinTx
// callbacks, so nested store calls join the same transaction.
type txKey struct{}

// Store is a PostgreSQL-backed flowline.Store.
type Store struct {
	pool *pgxpool.Pool
}

// StoreOptions configures a PostgreSQL store.
type StoreOptions struct {
	// ConnString is a pgx connection string or URL.
	ConnString string

	// Pool supplies an existing pool instead of ConnString.
	Pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL store and verifies connectivity.
func NewStore(ctx context.Context, opts StoreOptions) (*Store, error) {
	pool := opts.Pool
	if pool == nil {
		if opts.ConnString == "" {
			return nil, fmt.Errorf("conn string or pool is required")
		}
		var err error
		pool, err = pgxpool.New(ctx, opts.ConnString)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// querier abstracts a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	json_definition      TEXT NOT NULL,
	version              INTEGER NOT NULL,
	is_published         BOOLEAN NOT NULL DEFAULT FALSE,
	published_at         TIMESTAMPTZ,
	published_json       TEXT NOT NULL DEFAULT '',
	tags                 TEXT[] NOT NULL DEFAULT '{}',
	parent_definition_id TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_definitions_tenant ON workflow_definitions (tenant_id);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	definition_id      TEXT NOT NULL,
	definition_version INTEGER NOT NULL,
	status             TEXT NOT NULL,
	current_node_ids   TEXT NOT NULL DEFAULT '',
	context            TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	error_message      TEXT NOT NULL DEFAULT '',
	started_by_user_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_instances_definition
	ON workflow_instances (tenant_id, definition_id, definition_version);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	instance_id         TEXT NOT NULL,
	node_id             TEXT NOT NULL,
	node_type           TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	assigned_to_user_id TEXT NOT NULL DEFAULT '',
	assigned_to_role    TEXT NOT NULL DEFAULT '',
	due_date            TIMESTAMPTZ,
	claimed_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	completion_data     TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON workflow_tasks (instance_id);

CREATE TABLE IF NOT EXISTS workflow_events (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	tenant_id   TEXT NOT NULL,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	user_id     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_instance ON workflow_events (instance_id);

CREATE TABLE IF NOT EXISTS workflow_outbox (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_data      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	is_processed    BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ,
	processed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed
	ON workflow_outbox (created_at) WHERE NOT is_processed;
`

// Bootstrap creates the schema when it does not already exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return nil
}

// SaveDefinition inserts or replaces a definition row.
func (s *Store) SaveDefinition(ctx context.Context, def *flowline.Definition) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_definitions (
			id, tenant_id, name, description, json_definition, version,
			is_published, published_at, published_json, tags,
			parent_definition_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			json_definition = EXCLUDED.json_definition,
			version = EXCLUDED.version,
			is_published = EXCLUDED.is_published,
			published_at = EXCLUDED.published_at,
			published_json = EXCLUDED.published_json,
			tags = EXCLUDED.tags,
			parent_definition_id = EXCLUDED.parent_definition_id,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.TenantID, def.Name, def.Description, def.JSONDefinition, def.Version,
		def.IsPublished, nullableTime(def.PublishedAt), def.PublishedJSON(), def.Tags,
		def.ParentDefinitionID, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition returns a definition by ID, or nil when absent.
func (s *Store) GetDefinition(ctx context.Context, id string) (*flowline.Definition, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, name, description, json_definition, version,
		       is_published, published_at, published_json, tags,
		       parent_definition_id, created_at, updated_at
		FROM workflow_definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return def, err
}

// ListDefinitions returns all definitions for a tenant ordered by creation
// time.
func (s *Store) ListDefinitions(ctx context.Context, tenantID string) ([]*flowline.Definition, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, name, description, json_definition, version,
		       is_published, published_at, published_json, tags,
		       parent_definition_id, created_at, updated_at
		FROM workflow_definitions WHERE tenant_id = $1
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*flowline.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeleteDefinition removes a definition row.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	return nil
}

// SaveInstance inserts or replaces an instance row.
func (s *Store) SaveInstance(ctx context.Context, instance *flowline.Instance) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_instances (
			id, tenant_id, definition_id, definition_version, status,
			current_node_ids, context, started_at, completed_at,
			error_message, started_by_user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_node_ids = EXCLUDED.current_node_ids,
			context = EXCLUDED.context,
			completed_at = EXCLUDED.completed_at,
			error_message = EXCLUDED.error_message`,
		instance.ID, instance.TenantID, instance.DefinitionID, instance.DefinitionVersion,
		instance.Status, instance.CurrentNodeIDs, instance.Context,
		nullableTime(instance.StartedAt), nullableTime(instance.CompletedAt),
		instance.ErrorMessage, instance.StartedByUserID)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// GetInstance returns an instance by ID, or nil when absent.
func (s *Store) GetInstance(ctx context.Context, id string) (*flowline.Instance, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, definition_id, definition_version, status,
		       current_node_ids, context, started_at, completed_at,
		       error_message, started_by_user_id
		FROM workflow_instances WHERE id = $1`, id)
	instance, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return instance, err
}

// ListInstancesByDefinition returns all instances of one definition version
// belonging to the given tenant.
func (s *Store) ListInstancesByDefinition(ctx context.Context, tenantID, definitionID string, version int) ([]*flowline.Instance, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, definition_id, definition_version, status,
		       current_node_ids, context, started_at, completed_at,
		       error_message, started_by_user_id
		FROM workflow_instances
		WHERE tenant_id = $1 AND definition_id = $2 AND definition_version = $3
		ORDER BY started_at`, tenantID, definitionID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*flowline.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(ctx context.Context, task *flowline.Task) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_tasks (
			id, tenant_id, instance_id, node_id, node_type, name, status,
			assigned_to_user_id, assigned_to_role, due_date, claimed_at,
			completed_at, completion_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_to_user_id = EXCLUDED.assigned_to_user_id,
			assigned_to_role = EXCLUDED.assigned_to_role,
			due_date = EXCLUDED.due_date,
			claimed_at = EXCLUDED.claimed_at,
			completed_at = EXCLUDED.completed_at,
			completion_data = EXCLUDED.completion_data`,
		task.ID, task.TenantID, task.InstanceID, task.NodeID, task.NodeType,
		task.Name, task.Status, task.AssignedToUserID, task.AssignedToRole,
		nullableTime(task.DueDate), nullableTime(task.ClaimedAt),
		nullableTime(task.CompletedAt), task.CompletionData, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*flowline.Task, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, instance_id, node_id, node_type, name, status,
		       assigned_to_user_id, assigned_to_role, due_date, claimed_at,
		       completed_at, completion_data, created_at
		FROM workflow_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// ListTasksByInstance returns all tasks of one instance ordered by creation
// time.
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID string) ([]*flowline.Task, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, instance_id, node_id, node_type, name, status,
		       assigned_to_user_id, assigned_to_role, due_date, claimed_at,
		       completed_at, completion_data, created_at
		FROM workflow_tasks WHERE instance_id = $1
		ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*flowline.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AppendEvent appends an audit event row.
func (s *Store) AppendEvent(ctx context.Context, event *flowline.Event) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_events (id, instance_id, tenant_id, type, name, data, occurred_at, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.InstanceID, event.TenantID, event.Type,
		event.Name, event.Data, event.OccurredAt, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEventsByInstance returns the audit rows for one instance in append
// order.
func (s *Store) ListEventsByInstance(ctx context.Context, instanceID string) ([]*flowline.Event, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, instance_id, tenant_id, type, name, data, occurred_at, user_id
		FROM workflow_events WHERE instance_id = $1
		ORDER BY occurred_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*flowline.Event
	for rows.Next() {
		event := &flowline.Event{}
		if err := rows.Scan(&event.ID, &event.InstanceID, &event.TenantID, &event.Type,
			&event.Name, &event.Data, &event.OccurredAt, &event.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertOutbox appends an outbox message. The unique constraint on the
// idempotency key turns duplicate writes into reported no-ops.
func (s *Store) InsertOutbox(ctx context.Context, msg *flowline.OutboxMessage) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_outbox (
			id, tenant_id, event_type, event_data, idempotency_key,
			is_processed, retry_count, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		msg.ID, msg.TenantID, msg.EventType, msg.EventData, msg.IdempotencyKey,
		msg.IsProcessed, msg.RetryCount, msg.Error, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// ListUnprocessedOutbox returns up to limit unprocessed messages ordered by
// creation time.
func (s *Store) ListUnprocessedOutbox(ctx context.Context, limit int) ([]*flowline.OutboxMessage, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, event_type, event_data, idempotency_key,
		       is_processed, retry_count, error, created_at, updated_at, processed_at
		FROM workflow_outbox WHERE NOT is_processed
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed outbox messages: %w", err)
	}
	defer rows.Close()

	var pending []*flowline.OutboxMessage
	for rows.Next() {
		msg := &flowline.OutboxMessage{}
		var updatedAt, processedAt *time.Time
		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.EventType, &msg.EventData,
			&msg.IdempotencyKey, &msg.IsProcessed, &msg.RetryCount, &msg.Error,
			&msg.CreatedAt, &updatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		msg.UpdatedAt = derefTime(updatedAt)
		msg.ProcessedAt = derefTime(processedAt)
		pending = append(pending, msg)
	}
	return pending, rows.Err()
}

// UpdateOutbox replaces an outbox row's bookkeeping fields.
func (s *Store) UpdateOutbox(ctx context.Context, msg *flowline.OutboxMessage) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE workflow_outbox
		SET is_processed = $2, retry_count = $3, error = $4,
		    updated_at = NOW(), processed_at = $5
		WHERE id = $1`,
		msg.ID, msg.IsProcessed, msg.RetryCount, msg.Error, nullableTime(msg.ProcessedAt))
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one database transaction. Store calls made with
// the callback's context join that transaction; an error from fn rolls
// everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		// Already transactional; join the outer transaction.
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*flowline.Definition, error) {
	def := &flowline.Definition{}
	var publishedAt *time.Time
	var publishedJSON string
	if err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.Description,
		&def.JSONDefinition, &def.Version, &def.IsPublished, &publishedAt,
		&publishedJSON, &def.Tags, &def.ParentDefinitionID,
		&def.CreatedAt, &def.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}
	def.PublishedAt = derefTime(publishedAt)
	def.RestorePublishedJSON(publishedJSON)
	return def, nil
}

func scanInstance(row rowScanner) (*flowline.Instance, error) {
	instance := &flowline.Instance{}
	var startedAt, completedAt *time.Time
	if err := row.Scan(&instance.ID, &instance.TenantID, &instance.DefinitionID,
		&instance.DefinitionVersion, &instance.Status, &instance.CurrentNodeIDs,
		&instance.Context, &startedAt, &completedAt,
		&instance.ErrorMessage, &instance.StartedByUserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}
	instance.StartedAt = derefTime(startedAt)
	instance.CompletedAt = derefTime(completedAt)
	return instance, nil
}

func scanTask(row rowScanner) (*flowline.Task, error) {
	task := &flowline.Task{}
	var dueDate, claimedAt, completedAt *time.Time
	if err := row.Scan(&task.ID, &task.TenantID, &task.InstanceID, &task.NodeID,
		&task.NodeType, &task.Name, &task.Status, &task.AssignedToUserID,
		&task.AssignedToRole, &dueDate, &claimedAt, &completedAt,
		&task.CompletionData, &task.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.DueDate = derefTime(dueDate)
	task.ClaimedAt = derefTime(claimedAt)
	task.CompletedAt = derefTime(completedAt)
	return task, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
