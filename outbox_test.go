package flowline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseStarted, 1)
		b := DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseStarted, 1)
		require.Equal(t, a, b)
	})

	t.Run("distinct inputs give distinct keys", func(t *testing.T) {
		base := DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseStarted, 1)
		require.NotEqual(t, base, DeriveKey("tenant-b", EntityInstance, "wfi_1", PhaseStarted, 1))
		require.NotEqual(t, base, DeriveKey("tenant-a", EntityTask, "wfi_1", PhaseStarted, 1))
		require.NotEqual(t, base, DeriveKey("tenant-a", EntityInstance, "wfi_2", PhaseStarted, 1))
		require.NotEqual(t, base, DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseCompleted, 1))
		require.NotEqual(t, base, DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseStarted, 2))
	})

	t.Run("random keys never collide with each other", func(t *testing.T) {
		require.NotEqual(t, RandomKey(), RandomKey())
	})
}

func TestOutboxWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("deterministic key dedups", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewOutboxWriter(store)
		key := DeriveKey("tenant-a", EntityInstance, "wfi_1", PhaseStarted, 1)

		result, err := writer.TryAdd(ctx, "tenant-a", EventInstanceStarted, map[string]any{"x": 1}, key)
		require.NoError(t, err)
		require.False(t, result.AlreadyExisted)
		require.NotNil(t, result.Message)
		require.Equal(t, key, result.Message.IdempotencyKey)

		result, err = writer.TryAdd(ctx, "tenant-a", EventInstanceStarted, map[string]any{"x": 1}, key)
		require.NoError(t, err)
		require.True(t, result.AlreadyExisted)

		pending, err := store.ListUnprocessedOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
	})

	t.Run("empty key falls back to random", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewOutboxWriter(store)

		for range 2 {
			result, err := writer.TryAdd(ctx, "tenant-a", EventTaskAssigned, map[string]any{}, "")
			require.NoError(t, err)
			require.False(t, result.AlreadyExisted)
		}
		pending, err := store.ListUnprocessedOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
	})

	t.Run("payload is serialized", func(t *testing.T) {
		store := NewMemoryStore()
		writer := NewOutboxWriter(store)

		result, err := writer.TryAdd(ctx, "tenant-a", EventInstanceCompleted,
			map[string]any{"instanceId": "wfi_9"}, RandomKey())
		require.NoError(t, err)
		require.JSONEq(t, `{"instanceId":"wfi_9"}`, result.Message.EventData)
	})
}
