// Package sqlite provides a SQLite-backed implementation of the flowline
// Store contract. It suits single-node deployments and embedded use; the
// postgres store is the production default.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/deepnoodle-ai/flowline"
)

type txKey struct{}

// Store is a SQLite-backed flowline.Store.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) a SQLite database at the given path and
// prepares the schema. Use ":memory:" for an ephemeral database.
func NewStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent use.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	json_definition      TEXT NOT NULL,
	version              INTEGER NOT NULL,
	is_published         INTEGER NOT NULL DEFAULT 0,
	published_at         TIMESTAMP,
	published_json       TEXT NOT NULL DEFAULT '',
	tags                 TEXT NOT NULL DEFAULT '',
	parent_definition_id TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
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
	started_at         TIMESTAMP,
	completed_at       TIMESTAMP,
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
	due_date            TIMESTAMP,
	claimed_at          TIMESTAMP,
	completed_at        TIMESTAMP,
	completion_data     TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_instance ON workflow_tasks (instance_id);

CREATE TABLE IF NOT EXISTS workflow_events (
	id          TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL DEFAULT '',
	tenant_id   TEXT NOT NULL,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL,
	user_id     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_instance ON workflow_events (instance_id);

CREATE TABLE IF NOT EXISTS workflow_outbox (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_data      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	is_processed    INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP,
	processed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON workflow_outbox (is_processed, created_at);
`

func (s *Store) bootstrap() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// definitionRow is the DAO shape of a definition.
type definitionRow struct {
	ID                 string       `db:"id"`
	TenantID           string       `db:"tenant_id"`
	Name               string       `db:"name"`
	Description        string       `db:"description"`
	JSONDefinition     string       `db:"json_definition"`
	Version            int          `db:"version"`
	IsPublished        bool         `db:"is_published"`
	PublishedAt        sql.NullTime `db:"published_at"`
	PublishedJSON      string       `db:"published_json"`
	Tags               string       `db:"tags"`
	ParentDefinitionID string       `db:"parent_definition_id"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r *definitionRow) toDomain() *flowline.Definition {
	def := &flowline.Definition{
		ID:                 r.ID,
		TenantID:           r.TenantID,
		Name:               r.Name,
		Description:        r.Description,
		JSONDefinition:     r.JSONDefinition,
		Version:            r.Version,
		IsPublished:        r.IsPublished,
		PublishedAt:        r.PublishedAt.Time,
		ParentDefinitionID: r.ParentDefinitionID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.Tags != "" {
		def.Tags = strings.Split(r.Tags, ",")
	}
	def.RestorePublishedJSON(r.PublishedJSON)
	return def
}

// SaveDefinition inserts or replaces a definition row.
func (s *Store) SaveDefinition(ctx context.Context, def *flowline.Definition) error {
	row := &definitionRow{
		ID:                 def.ID,
		TenantID:           def.TenantID,
		Name:               def.Name,
		Description:        def.Description,
		JSONDefinition:     def.JSONDefinition,
		Version:            def.Version,
		IsPublished:        def.IsPublished,
		PublishedAt:        sql.NullTime{Time: def.PublishedAt, Valid: !def.PublishedAt.IsZero()},
		PublishedJSON:      def.PublishedJSON(),
		Tags:               def.TagString(),
		ParentDefinitionID: def.ParentDefinitionID,
		CreatedAt:          def.CreatedAt,
		UpdatedAt:          def.UpdatedAt,
	}
	_, err := sqlx.NamedExecContext(ctx, s.conn(ctx), `
		INSERT OR REPLACE INTO workflow_definitions (
			id, tenant_id, name, description, json_definition, version,
			is_published, published_at, published_json, tags,
			parent_definition_id, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :name, :description, :json_definition, :version,
			:is_published, :published_at, :published_json, :tags,
			:parent_definition_id, :created_at, :updated_at
		)`, row)
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition returns a definition by ID, or nil when absent.
func (s *Store) GetDefinition(ctx context.Context, id string) (*flowline.Definition, error) {
	var row definitionRow
	err := sqlx.GetContext(ctx, s.conn(ctx), &row,
		`SELECT * FROM workflow_definitions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return row.toDomain(), nil
}

// ListDefinitions returns all definitions for a tenant ordered by creation
// time.
func (s *Store) ListDefinitions(ctx context.Context, tenantID string) ([]*flowline.Definition, error) {
	var rows []definitionRow
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows,
		`SELECT * FROM workflow_definitions WHERE tenant_id = ? ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defs := make([]*flowline.Definition, 0, len(rows))
	for i := range rows {
		defs = append(defs, rows[i].toDomain())
	}
	return defs, nil
}

// DeleteDefinition removes a definition row.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	if _, err := s.conn(ctx).ExecContext(ctx,
		`DELETE FROM workflow_definitions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	return nil
}

// instanceRow is the DAO shape of an instance.
type instanceRow struct {
	ID                string       `db:"id"`
	TenantID          string       `db:"tenant_id"`
	DefinitionID      string       `db:"definition_id"`
	DefinitionVersion int          `db:"definition_version"`
	Status            string       `db:"status"`
	CurrentNodeIDs    string       `db:"current_node_ids"`
	Context           string       `db:"context"`
	StartedAt         sql.NullTime `db:"started_at"`
	CompletedAt       sql.NullTime `db:"completed_at"`
	ErrorMessage      string       `db:"error_message"`
	StartedByUserID   string       `db:"started_by_user_id"`
}

func (r *instanceRow) toDomain() *flowline.Instance {
	return &flowline.Instance{
		ID:                r.ID,
		TenantID:          r.TenantID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		Status:            flowline.InstanceStatus(r.Status),
		CurrentNodeIDs:    r.CurrentNodeIDs,
		Context:           r.Context,
		StartedAt:         r.StartedAt.Time,
		CompletedAt:       r.CompletedAt.Time,
		ErrorMessage:      r.ErrorMessage,
		StartedByUserID:   r.StartedByUserID,
	}
}

// SaveInstance inserts or replaces an instance row.
func (s *Store) SaveInstance(ctx context.Context, instance *flowline.Instance) error {
	row := &instanceRow{
		ID:                instance.ID,
		TenantID:          instance.TenantID,
		DefinitionID:      instance.DefinitionID,
		DefinitionVersion: instance.DefinitionVersion,
		Status:            string(instance.Status),
		CurrentNodeIDs:    instance.CurrentNodeIDs,
		Context:           instance.Context,
		StartedAt:         sql.NullTime{Time: instance.StartedAt, Valid: !instance.StartedAt.IsZero()},
		CompletedAt:       sql.NullTime{Time: instance.CompletedAt, Valid: !instance.CompletedAt.IsZero()},
		ErrorMessage:      instance.ErrorMessage,
		StartedByUserID:   instance.StartedByUserID,
	}
	_, err := sqlx.NamedExecContext(ctx, s.conn(ctx), `
		INSERT OR REPLACE INTO workflow_instances (
			id, tenant_id, definition_id, definition_version, status,
			current_node_ids, context, started_at, completed_at,
			error_message, started_by_user_id
		) VALUES (
			:id, :tenant_id, :definition_id, :definition_version, :status,
			:current_node_ids, :context, :started_at, :completed_at,
			:error_message, :started_by_user_id
		)`, row)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// GetInstance returns an instance by ID, or nil when absent.
func (s *Store) GetInstance(ctx context.Context, id string) (*flowline.Instance, error) {
	var row instanceRow
	err := sqlx.GetContext(ctx, s.conn(ctx), &row,
		`SELECT * FROM workflow_instances WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return row.toDomain(), nil
}

// ListInstancesByDefinition returns all instances of one definition version
// belonging to the given tenant.
func (s *Store) ListInstancesByDefinition(ctx context.Context, tenantID, definitionID string, version int) ([]*flowline.Instance, error) {
	var rows []instanceRow
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows, `
		SELECT * FROM workflow_instances
		WHERE tenant_id = ? AND definition_id = ? AND definition_version = ?
		ORDER BY started_at`, tenantID, definitionID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	instances := make([]*flowline.Instance, 0, len(rows))
	for i := range rows {
		instances = append(instances, rows[i].toDomain())
	}
	return instances, nil
}

// taskRow is the DAO shape of a task.
type taskRow struct {
	ID               string       `db:"id"`
	TenantID         string       `db:"tenant_id"`
	InstanceID       string       `db:"instance_id"`
	NodeID           string       `db:"node_id"`
	NodeType         string       `db:"node_type"`
	Name             string       `db:"name"`
	Status           string       `db:"status"`
	AssignedToUserID string       `db:"assigned_to_user_id"`
	AssignedToRole   string       `db:"assigned_to_role"`
	DueDate          sql.NullTime `db:"due_date"`
	ClaimedAt        sql.NullTime `db:"claimed_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
	CompletionData   string       `db:"completion_data"`
	CreatedAt        time.Time    `db:"created_at"`
}

func (r *taskRow) toDomain() *flowline.Task {
	return &flowline.Task{
		ID:               r.ID,
		TenantID:         r.TenantID,
		InstanceID:       r.InstanceID,
		NodeID:           r.NodeID,
		NodeType:         r.NodeType,
		Name:             r.Name,
		Status:           flowline.TaskStatus(r.Status),
		AssignedToUserID: r.AssignedToUserID,
		AssignedToRole:   r.AssignedToRole,
		DueDate:          r.DueDate.Time,
		ClaimedAt:        r.ClaimedAt.Time,
		CompletedAt:      r.CompletedAt.Time,
		CompletionData:   r.CompletionData,
		CreatedAt:        r.CreatedAt,
	}
}

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(ctx context.Context, task *flowline.Task) error {
	row := &taskRow{
		ID:               task.ID,
		TenantID:         task.TenantID,
		InstanceID:       task.InstanceID,
		NodeID:           task.NodeID,
		NodeType:         task.NodeType,
		Name:             task.Name,
		Status:           string(task.Status),
		AssignedToUserID: task.AssignedToUserID,
		AssignedToRole:   task.AssignedToRole,
		DueDate:          sql.NullTime{Time: task.DueDate, Valid: !task.DueDate.IsZero()},
		ClaimedAt:        sql.NullTime{Time: task.ClaimedAt, Valid: !task.ClaimedAt.IsZero()},
		CompletedAt:      sql.NullTime{Time: task.CompletedAt, Valid: !task.CompletedAt.IsZero()},
		CompletionData:   task.CompletionData,
		CreatedAt:        task.CreatedAt,
	}
	_, err := sqlx.NamedExecContext(ctx, s.conn(ctx), `
		INSERT OR REPLACE INTO workflow_tasks (
			id, tenant_id, instance_id, node_id, node_type, name, status,
			assigned_to_user_id, assigned_to_role, due_date, claimed_at,
			completed_at, completion_data, created_at
		) VALUES (
			:id, :tenant_id, :instance_id, :node_id, :node_type, :name, :status,
			:assigned_to_user_id, :assigned_to_role, :due_date, :claimed_at,
			:completed_at, :completion_data, :created_at
		)`, row)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask returns a task by ID, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*flowline.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, s.conn(ctx), &row,
		`SELECT * FROM workflow_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain(), nil
}

// ListTasksByInstance returns all tasks of one instance ordered by creation
// time.
func (s *Store) ListTasksByInstance(ctx context.Context, instanceID string) ([]*flowline.Task, error) {
	var rows []taskRow
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows,
		`SELECT * FROM workflow_tasks WHERE instance_id = ? ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*flowline.Task, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toDomain())
	}
	return tasks, nil
}

// AppendEvent appends an audit event row.
func (s *Store) AppendEvent(ctx context.Context, event *flowline.Event) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO workflow_events (id, instance_id, tenant_id, type, name, data, occurred_at, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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
	type eventRow struct {
		ID         string    `db:"id"`
		InstanceID string    `db:"instance_id"`
		TenantID   string    `db:"tenant_id"`
		Type       string    `db:"type"`
		Name       string    `db:"name"`
		Data       string    `db:"data"`
		OccurredAt time.Time `db:"occurred_at"`
		UserID     string    `db:"user_id"`
	}
	var rows []eventRow
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows,
		`SELECT * FROM workflow_events WHERE instance_id = ? ORDER BY occurred_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*flowline.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, &flowline.Event{
			ID:         r.ID,
			InstanceID: r.InstanceID,
			TenantID:   r.TenantID,
			Type:       r.Type,
			Name:       r.Name,
			Data:       r.Data,
			OccurredAt: r.OccurredAt,
			UserID:     r.UserID,
		})
	}
	return events, nil
}

// InsertOutbox appends an outbox message. INSERT OR IGNORE turns duplicate
// idempotency keys into reported no-ops.
func (s *Store) InsertOutbox(ctx context.Context, msg *flowline.OutboxMessage) (bool, error) {
	result, err := s.conn(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_outbox (
			id, tenant_id, event_type, event_data, idempotency_key,
			is_processed, retry_count, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TenantID, msg.EventType, msg.EventData, msg.IdempotencyKey,
		msg.IsProcessed, msg.RetryCount, msg.Error, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read outbox insert result: %w", err)
	}
	return affected == 0, nil
}

// outboxRow is the DAO shape of an outbox message.
type outboxRow struct {
	ID             string       `db:"id"`
	TenantID       string       `db:"tenant_id"`
	EventType      string       `db:"event_type"`
	EventData      string       `db:"event_data"`
	IdempotencyKey string       `db:"idempotency_key"`
	IsProcessed    bool         `db:"is_processed"`
	RetryCount     int          `db:"retry_count"`
	Error          string       `db:"error"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
	ProcessedAt    sql.NullTime `db:"processed_at"`
}

// ListUnprocessedOutbox returns up to limit unprocessed messages ordered by
// creation time.
func (s *Store) ListUnprocessedOutbox(ctx context.Context, limit int) ([]*flowline.OutboxMessage, error) {
	var rows []outboxRow
	err := sqlx.SelectContext(ctx, s.conn(ctx), &rows, `
		SELECT * FROM workflow_outbox WHERE is_processed = 0
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed outbox messages: %w", err)
	}
	pending := make([]*flowline.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		pending = append(pending, &flowline.OutboxMessage{
			ID:             r.ID,
			TenantID:       r.TenantID,
			EventType:      r.EventType,
			EventData:      r.EventData,
			IdempotencyKey: r.IdempotencyKey,
			IsProcessed:    r.IsProcessed,
			RetryCount:     r.RetryCount,
			Error:          r.Error,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt.Time,
			ProcessedAt:    r.ProcessedAt.Time,
		})
	}
	return pending, nil
}

// UpdateOutbox replaces an outbox row's bookkeeping fields.
func (s *Store) UpdateOutbox(ctx context.Context, msg *flowline.OutboxMessage) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE workflow_outbox
		SET is_processed = ?, retry_count = ?, error = ?,
		    updated_at = ?, processed_at = ?
		WHERE id = ?`,
		msg.IsProcessed, msg.RetryCount, msg.Error,
		time.Now(), sql.NullTime{Time: msg.ProcessedAt, Valid: !msg.ProcessedAt.IsZero()},
		msg.ID)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one database transaction. Store calls made with
// the callback's context join that transaction; an error from fn rolls
// everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
