package flowline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	publisher, err := NewPublisher(PublisherOptions{Store: store})
	require.NoError(t, err)

	instance := &Instance{
		ID:                NewInstanceID(),
		TenantID:          "tenant-a",
		DefinitionID:      "wfd_1",
		DefinitionVersion: 1,
		Status:            InstanceStatusCompleted,
	}

	// Publishing the same transition twice leaves exactly one outbox row
	// and exactly one audit row.
	require.NoError(t, publisher.PublishInstanceCompleted(ctx, instance))
	require.NoError(t, publisher.PublishInstanceCompleted(ctx, instance))

	pending, err := store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, EventInstanceCompleted, pending[0].EventType)

	events, err := store.ListEventsByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EventInstanceCompleted, events[0].Type)
}

func TestPublisherDistinctPhases(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	publisher, err := NewPublisher(PublisherOptions{Store: store})
	require.NoError(t, err)

	instance := &Instance{
		ID:                NewInstanceID(),
		TenantID:          "tenant-a",
		DefinitionID:      "wfd_1",
		DefinitionVersion: 1,
		Status:            InstanceStatusRunning,
	}
	require.NoError(t, publisher.PublishInstanceStarted(ctx, instance))
	instance.Status = InstanceStatusCompleted
	require.NoError(t, publisher.PublishInstanceCompleted(ctx, instance))

	pending, err := store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestPublisherTaskAssignmentsAreAlwaysDistinct(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	publisher, err := NewPublisher(PublisherOptions{Store: store})
	require.NoError(t, err)

	task := &Task{
		ID:         NewTaskID(),
		TenantID:   "tenant-a",
		InstanceID: "wfi_1",
		Name:       "Approve request",
		Status:     TaskStatusAssigned,
	}

	// A task can be reassigned many times; every occurrence is an event.
	task.AssignedToUserID = "user-1"
	require.NoError(t, publisher.PublishTaskAssigned(ctx, task))
	task.AssignedToUserID = "user-2"
	require.NoError(t, publisher.PublishTaskAssigned(ctx, task))

	pending, err := store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestPublisherDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	publisher, err := NewPublisher(PublisherOptions{Store: store})
	require.NoError(t, err)

	def := &Definition{
		ID:       NewDefinitionID(),
		TenantID: "tenant-a",
		Name:     "expense approval",
		Version:  3,
	}
	require.NoError(t, publisher.PublishDefinitionPublished(ctx, def))
	require.NoError(t, publisher.PublishDefinitionPublished(ctx, def))
	require.NoError(t, publisher.PublishDefinitionUnpublished(ctx, def))

	pending, err := store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}
