package flowline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Event type names, dot-namespaced.
const (
	EventInstanceStarted        = "workflow.instance.started"
	EventInstanceCompleted      = "workflow.instance.completed"
	EventInstanceFailed         = "workflow.instance.failed"
	EventInstanceForceCancelled = "workflow.instance.force_cancelled"
	EventTaskCreated            = "workflow.task.created"
	EventTaskCompleted          = "workflow.task.completed"
	EventTaskAssigned           = "workflow.task.assigned"
	EventDefinitionPublished    = "workflow.definition.published"
	EventDefinitionUnpublished  = "workflow.definition.unpublished"
)

// Lifecycle phase names used in idempotency key derivation.
const (
	PhaseStarted        = "started"
	PhaseCompleted      = "completed"
	PhaseFailed         = "failed"
	PhaseForceCancelled = "force_cancelled"
	PhaseCreated        = "created"
	PhasePublished      = "published"
	PhaseUnpublished    = "unpublished"
)

// PublisherOptions configures an event publisher.
type PublisherOptions struct {
	Store  Store
	Logger *slog.Logger
}

// Publisher maps domain lifecycle transitions to outbox writes plus audit
// event rows. Deterministic keys give each (tenant, entity, phase, version)
// tuple at-most-once delivery: on a duplicate outbox write the audit row is
// skipped too, so the trail carries exactly one row per transition no matter
// how often the triggering operation is retried.
type Publisher struct {
	store  Store
	writer *OutboxWriter
	logger *slog.Logger
}

// NewPublisher creates an event publisher.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		store:  opts.Store,
		writer: NewOutboxWriter(opts.Store),
		logger: opts.Logger,
	}, nil
}

// publish performs the outbox write and, on first write only, appends the
// audit event row.
func (p *Publisher) publish(ctx context.Context, tenantID, eventType string, payload any, key string, audit *Event) error {
	result, err := p.writer.TryAdd(ctx, tenantID, eventType, payload, key)
	if err != nil {
		return err
	}
	if result.AlreadyExisted {
		p.logger.Debug("event already published, skipping audit row",
			"event_type", eventType,
			"tenant_id", tenantID,
			"idempotency_key", key)
		return nil
	}
	if audit == nil {
		return nil
	}
	audit.ID = NewEventID()
	audit.TenantID = tenantID
	audit.Type = eventType
	audit.Data = result.Message.EventData
	if audit.OccurredAt.IsZero() {
		audit.OccurredAt = time.Now()
	}
	if err := p.store.AppendEvent(ctx, audit); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func instancePayload(instance *Instance) map[string]any {
	return map[string]any{
		"instanceId":        instance.ID,
		"definitionId":      instance.DefinitionID,
		"definitionVersion": instance.DefinitionVersion,
		"status":            instance.Status,
	}
}

// PublishInstanceStarted records the instance started transition.
func (p *Publisher) PublishInstanceStarted(ctx context.Context, instance *Instance) error {
	key := DeriveKey(instance.TenantID, EntityInstance, instance.ID, PhaseStarted, instance.DefinitionVersion)
	return p.publish(ctx, instance.TenantID, EventInstanceStarted, instancePayload(instance), key, &Event{
		InstanceID: instance.ID,
		Name:       "instance started",
		UserID:     instance.StartedByUserID,
	})
}

// PublishInstanceCompleted records the instance completed transition.
func (p *Publisher) PublishInstanceCompleted(ctx context.Context, instance *Instance) error {
	key := DeriveKey(instance.TenantID, EntityInstance, instance.ID, PhaseCompleted, instance.DefinitionVersion)
	return p.publish(ctx, instance.TenantID, EventInstanceCompleted, instancePayload(instance), key, &Event{
		InstanceID: instance.ID,
		Name:       "instance completed",
	})
}

// PublishInstanceFailed records the instance failed transition.
func (p *Publisher) PublishInstanceFailed(ctx context.Context, instance *Instance, reason string) error {
	key := DeriveKey(instance.TenantID, EntityInstance, instance.ID, PhaseFailed, instance.DefinitionVersion)
	payload := instancePayload(instance)
	payload["reason"] = reason
	return p.publish(ctx, instance.TenantID, EventInstanceFailed, payload, key, &Event{
		InstanceID: instance.ID,
		Name:       "instance failed",
	})
}

// PublishInstanceForceCancelled records a cancellation performed as part of
// a force unpublish.
func (p *Publisher) PublishInstanceForceCancelled(ctx context.Context, instance *Instance) error {
	key := DeriveKey(instance.TenantID, EntityInstance, instance.ID, PhaseForceCancelled, instance.DefinitionVersion)
	return p.publish(ctx, instance.TenantID, EventInstanceForceCancelled, instancePayload(instance), key, &Event{
		InstanceID: instance.ID,
		Name:       "instance force-cancelled",
	})
}

func taskPayload(task *Task) map[string]any {
	return map[string]any{
		"taskId":     task.ID,
		"instanceId": task.InstanceID,
		"nodeId":     task.NodeID,
		"name":       task.Name,
		"status":     task.Status,
	}
}

// PublishTaskCreated records a task created transition.
func (p *Publisher) PublishTaskCreated(ctx context.Context, task *Task) error {
	key := DeriveKey(task.TenantID, EntityTask, task.ID, PhaseCreated, 0)
	return p.publish(ctx, task.TenantID, EventTaskCreated, taskPayload(task), key, &Event{
		InstanceID: task.InstanceID,
		Name:       "task created: " + task.Name,
	})
}

// PublishTaskCompleted records a task completed transition.
func (p *Publisher) PublishTaskCompleted(ctx context.Context, task *Task, userID string) error {
	key := DeriveKey(task.TenantID, EntityTask, task.ID, PhaseCompleted, 0)
	return p.publish(ctx, task.TenantID, EventTaskCompleted, taskPayload(task), key, &Event{
		InstanceID: task.InstanceID,
		Name:       "task completed: " + task.Name,
		UserID:     userID,
	})
}

// PublishTaskAssigned records a task assignment. Assignments use a random
// key: a task can be legitimately reassigned many times and each occurrence
// is a distinct event.
func (p *Publisher) PublishTaskAssigned(ctx context.Context, task *Task) error {
	payload := taskPayload(task)
	payload["assignedToUserId"] = task.AssignedToUserID
	payload["assignedToRole"] = task.AssignedToRole
	return p.publish(ctx, task.TenantID, EventTaskAssigned, payload, RandomKey(), &Event{
		InstanceID: task.InstanceID,
		Name:       "task assigned: " + task.Name,
	})
}

func definitionPayload(def *Definition) map[string]any {
	return map[string]any{
		"definitionId": def.ID,
		"name":         def.Name,
		"version":      def.Version,
	}
}

// PublishDefinitionPublished records a definition published transition.
func (p *Publisher) PublishDefinitionPublished(ctx context.Context, def *Definition) error {
	key := DeriveKey(def.TenantID, EntityDefinition, def.ID, PhasePublished, def.Version)
	return p.publish(ctx, def.TenantID, EventDefinitionPublished, definitionPayload(def), key, &Event{
		Name: "definition published: " + def.Name,
	})
}

// PublishDefinitionUnpublished records a definition unpublished transition.
func (p *Publisher) PublishDefinitionUnpublished(ctx context.Context, def *Definition) error {
	key := DeriveKey(def.TenantID, EntityDefinition, def.ID, PhaseUnpublished, def.Version)
	return p.publish(ctx, def.TenantID, EventDefinitionUnpublished, definitionPayload(def), key, &Event{
		Name: "definition unpublished: " + def.Name,
	})
}
