package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/flowline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestDefinitionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	def := &flowline.Definition{
		ID:             flowline.NewDefinitionID(),
		TenantID:       "tenant-a",
		Name:           "leave request",
		JSONDefinition: `{"nodes":[],"edges":[]}`,
		Version:        1,
		Tags:           []string{"hr"},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	def.MarkPublished(time.Now().UTC())
	require.NoError(t, store.SaveDefinition(ctx, def))

	loaded, err := store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, def.Name, loaded.Name)
	require.Equal(t, []string{"hr"}, loaded.Tags)
	require.True(t, loaded.IsPublished)
	require.Equal(t, def.JSONDefinition, loaded.PublishedJSON())

	missing, err := store.GetDefinition(ctx, "wfd_missing")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &flowline.Task{
		ID:             flowline.NewTaskID(),
		TenantID:       "tenant-a",
		InstanceID:     "wfi_1",
		NodeID:         "approve",
		NodeType:       "humanTask",
		Name:           "Approve request",
		Status:         flowline.TaskStatusAssigned,
		AssignedToRole: "manager",
		DueDate:        time.Now().Add(time.Hour).UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveTask(ctx, task))

	tasks, err := store.ListTasksByInstance(ctx, "wfi_1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, flowline.TaskStatusAssigned, tasks[0].Status)
	require.Equal(t, "manager", tasks[0].AssignedToRole)
	require.False(t, tasks[0].DueDate.IsZero())
}

func TestOutboxInsertOrIgnore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := flowline.DeriveKey("tenant-a", flowline.EntityTask, "task_1", "created", 0)
	msg := &flowline.OutboxMessage{
		ID:             flowline.NewOutboxID(),
		TenantID:       "tenant-a",
		EventType:      flowline.EventTaskCreated,
		EventData:      `{}`,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
	alreadyExisted, err := store.InsertOutbox(ctx, msg)
	require.NoError(t, err)
	require.False(t, alreadyExisted)

	duplicate := msg.Copy()
	duplicate.ID = flowline.NewOutboxID()
	alreadyExisted, err = store.InsertOutbox(ctx, duplicate)
	require.NoError(t, err)
	require.True(t, alreadyExisted)

	pending, err := store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending[0].IsProcessed = true
	pending[0].ProcessedAt = time.Now().UTC()
	require.NoError(t, store.UpdateOutbox(ctx, pending[0]))

	pending, err = store.ListUnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWithinTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	instance := &flowline.Instance{
		ID:                flowline.NewInstanceID(),
		TenantID:          "tenant-a",
		DefinitionID:      "wfd_1",
		DefinitionVersion: 1,
		Status:            flowline.InstanceStatusRunning,
		StartedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.SaveInstance(ctx, instance))

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		updated := instance.Copy()
		updated.Status = flowline.InstanceStatusCancelled
		if err := store.SaveInstance(ctx, updated); err != nil {
			return err
		}
		return context.Canceled
	})
	require.Error(t, err)

	loaded, err := store.GetInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Equal(t, flowline.InstanceStatusRunning, loaded.Status)
}
