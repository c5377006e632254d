package flowline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateDraft(t *testing.T) {
	h := newHarness(t)
	ctx := tenantContext("tenant-a")

	t.Run("creates version one unpublished", func(t *testing.T) {
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "expense approval",
			JSONDefinition: approvalGraph,
			Tags:           []string{"finance"},
		})
		require.NoError(t, err)
		require.Equal(t, 1, def.Version)
		require.False(t, def.IsPublished)
		require.Equal(t, "tenant-a", def.TenantID)
	})

	t.Run("requires tenant context", func(t *testing.T) {
		_, err := h.definitions.CreateDraft(context.Background(), CreateDraftInput{
			Name:           "orphan",
			JSONDefinition: approvalGraph,
		})
		require.True(t, IsCode(err, ErrTenantContextMissing))
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		_, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "broken",
			JSONDefinition: "{not json",
		})
		require.True(t, IsCode(err, ErrMalformedDefinition))
	})

	t.Run("rejects structural violations even at draft tier", func(t *testing.T) {
		_, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "no start",
			JSONDefinition: `{"nodes":[{"id":"end","type":"end"}],"edges":[]}`,
		})
		require.True(t, IsCode(err, ErrValidation))
	})

	t.Run("tolerates topology gaps at draft tier", func(t *testing.T) {
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "no end yet",
			JSONDefinition: `{"nodes":[{"id":"start","type":"start"}],"edges":[]}`,
		})
		require.NoError(t, err)
		require.NotNil(t, def)
	})
}

func TestPublish(t *testing.T) {
	t.Run("publishes a valid draft", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def := publishedDefinition(t, h, ctx, approvalGraph)
		require.True(t, def.IsPublished)
		require.False(t, def.PublishedAt.IsZero())

		pending, err := h.store.ListUnprocessedOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, eventsOfTypeOutbox(pending, EventDefinitionPublished), 1)
	})

	t.Run("strict validation blocks publish", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "incomplete",
			JSONDefinition: `{"nodes":[{"id":"start","type":"start"}],"edges":[]}`,
		})
		require.NoError(t, err)

		_, err = h.definitions.Publish(ctx, def.ID, false)
		require.True(t, IsCode(err, ErrValidation))
	})

	t.Run("republish without force fails", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		_, err := h.definitions.Publish(ctx, def.ID, false)
		require.True(t, IsCode(err, ErrAlreadyPublished))
	})

	t.Run("force republish of identical content succeeds", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		republished, err := h.definitions.Publish(ctx, def.ID, true)
		require.NoError(t, err)
		require.True(t, republished.IsPublished)

		// The deterministic event key keeps the audit trail at one row.
		pending, err := h.store.ListUnprocessedOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, eventsOfTypeOutbox(pending, EventDefinitionPublished), 1)
	})

	t.Run("force republish of changed content is blocked", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		// Simulate content drift behind the service's back.
		stored, err := h.store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		stored.JSONDefinition = `{
			"nodes": [
				{"id": "start", "type": "start"},
				{"id": "end", "type": "end"}
			],
			"edges": [{"id": "e1", "source": "start", "target": "end"}]
		}`
		require.NoError(t, h.store.SaveDefinition(ctx, stored))

		_, err = h.definitions.Publish(ctx, def.ID, true)
		require.True(t, IsCode(err, ErrImmutabilityViolation))
	})

	t.Run("publish-time hook can veto", func(t *testing.T) {
		store := NewMemoryStore()
		publisher, err := NewPublisher(PublisherOptions{Store: store})
		require.NoError(t, err)
		definitions, err := NewDefinitionService(DefinitionServiceOptions{
			Store:     store,
			Publisher: publisher,
			PublishValidator: func(ctx context.Context, g *Graph, def *Definition) error {
				return NewError(ErrValidation, "human tasks must declare a role")
			},
		})
		require.NoError(t, err)

		ctx := tenantContext("tenant-a")
		def, err := definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "vetoed",
			JSONDefinition: approvalGraph,
		})
		require.NoError(t, err)
		_, err = definitions.Publish(ctx, def.ID, false)
		require.True(t, IsCode(err, ErrValidation))
	})

	t.Run("other tenants cannot see the definition", func(t *testing.T) {
		h := newHarness(t)
		def := publishedDefinition(t, h, tenantContext("tenant-a"), approvalGraph)

		_, err := h.definitions.Publish(tenantContext("tenant-b"), def.ID, false)
		require.True(t, IsCode(err, ErrNotFound))
	})
}

func TestUpdateDraft(t *testing.T) {
	h := newHarness(t)
	ctx := tenantContext("tenant-a")

	t.Run("updates draft content", func(t *testing.T) {
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "draft",
			JSONDefinition: approvalGraph,
		})
		require.NoError(t, err)

		updated, err := h.definitions.UpdateDraft(ctx, def.ID, UpdateDraftInput{
			Name:        "renamed",
			Description: "now with a description",
		})
		require.NoError(t, err)
		require.Equal(t, "renamed", updated.Name)
		require.True(t, updated.UpdatedAt.After(def.UpdatedAt) || updated.UpdatedAt.Equal(def.UpdatedAt))
	})

	t.Run("published definitions are immutable", func(t *testing.T) {
		def := publishedDefinition(t, h, ctx, approvalGraph)
		_, err := h.definitions.UpdateDraft(ctx, def.ID, UpdateDraftInput{
			JSONDefinition: approvalGraph,
		})
		require.True(t, IsCode(err, ErrImmutabilityViolation))
	})
}

func TestCreateNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := tenantContext("tenant-a")

	t.Run("version numbers are monotonic within a lineage", func(t *testing.T) {
		base := publishedDefinition(t, h, ctx, approvalGraph)

		v2, err := h.definitions.CreateNewVersion(ctx, base.ID, approvalGraph)
		require.NoError(t, err)
		require.Equal(t, base.Version+1, v2.Version)
		require.Equal(t, base.ID, v2.ParentDefinitionID)
		require.False(t, v2.IsPublished)
		require.NotEqual(t, base.ID, v2.ID)

		_, err = h.definitions.Publish(ctx, v2.ID, false)
		require.NoError(t, err)
		v3, err := h.definitions.CreateNewVersion(ctx, v2.ID, approvalGraph)
		require.NoError(t, err)
		require.Equal(t, 3, v3.Version)
	})

	t.Run("invalid graph fails with combined message", func(t *testing.T) {
		base := publishedDefinition(t, h, ctx, approvalGraph)
		_, err := h.definitions.CreateNewVersion(ctx, base.ID,
			`{"nodes":[{"id":"start","type":"start"}],"edges":[]}`)
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid workflow definition")
		require.Contains(t, err.Error(), "no End node")
	})
}

func TestUnpublish(t *testing.T) {
	t.Run("unpublishes an idle definition", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		unpublished, err := h.definitions.Unpublish(ctx, def.ID, false)
		require.NoError(t, err)
		require.False(t, unpublished.IsPublished)
	})

	t.Run("active instances block unpublish with a count", func(t *testing.T) {
		h := newHarness(t)
		ctx := userContext("tenant-a", "user-1", "manager")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		for range 2 {
			_, err := h.engine.StartInstance(ctx, def.ID, nil)
			require.NoError(t, err)
		}

		_, err := h.definitions.Unpublish(ctx, def.ID, false)
		require.True(t, IsCode(err, ErrActiveInstancesPresent))
		require.Contains(t, err.Error(), "2 active instance(s)")

		var structured *Error
		require.ErrorAs(t, err, &structured)
		require.Len(t, structured.Details, 2)
	})

	t.Run("force terminate cancels only this tenant's instances", func(t *testing.T) {
		h := newHarness(t)
		ctx := userContext("tenant-a", "user-1", "manager")
		def := publishedDefinition(t, h, ctx, approvalGraph)

		mine, err := h.engine.StartInstance(ctx, def.ID, nil)
		require.NoError(t, err)

		// Another tenant's instance referencing the same definition row.
		foreign := &Instance{
			ID:                NewInstanceID(),
			TenantID:          "tenant-b",
			DefinitionID:      def.ID,
			DefinitionVersion: def.Version,
			Status:            InstanceStatusRunning,
			StartedAt:         time.Now(),
		}
		require.NoError(t, h.store.SaveInstance(ctx, foreign))

		unpublished, err := h.definitions.Unpublish(ctx, def.ID, true)
		require.NoError(t, err)
		require.False(t, unpublished.IsPublished)

		cancelled, err := h.store.GetInstance(ctx, mine.ID)
		require.NoError(t, err)
		require.Equal(t, InstanceStatusCancelled, cancelled.Status)
		require.False(t, cancelled.CompletedAt.IsZero())

		untouched, err := h.store.GetInstance(ctx, foreign.ID)
		require.NoError(t, err)
		require.Equal(t, InstanceStatusRunning, untouched.Status)

		pending, err := h.store.ListUnprocessedOutbox(ctx, 100)
		require.NoError(t, err)
		require.Len(t, eventsOfTypeOutbox(pending, EventInstanceForceCancelled), 1)
		require.Len(t, eventsOfTypeOutbox(pending, EventDefinitionUnpublished), 1)
	})

	t.Run("unpublishing an unpublished definition fails", func(t *testing.T) {
		h := newHarness(t)
		ctx := tenantContext("tenant-a")
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "draft only",
			JSONDefinition: approvalGraph,
		})
		require.NoError(t, err)

		_, err = h.definitions.Unpublish(ctx, def.ID, false)
		require.True(t, IsCode(err, ErrInvalidStateTransition))
	})
}

func TestDeleteDraft(t *testing.T) {
	h := newHarness(t)
	ctx := userContext("tenant-a", "user-1", "manager")

	t.Run("deletes an unused draft", func(t *testing.T) {
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           "scratch",
			JSONDefinition: approvalGraph,
		})
		require.NoError(t, err)
		require.NoError(t, h.definitions.DeleteDraft(ctx, def.ID))

		_, err = h.definitions.GetByID(ctx, def.ID)
		require.True(t, IsCode(err, ErrNotFound))
	})

	t.Run("published definitions cannot be deleted", func(t *testing.T) {
		def := publishedDefinition(t, h, ctx, approvalGraph)
		err := h.definitions.DeleteDraft(ctx, def.ID)
		require.True(t, IsCode(err, ErrImmutabilityViolation))
	})

	t.Run("instance history protects the definition", func(t *testing.T) {
		def := publishedDefinition(t, h, ctx, approvalGraph)
		_, err := h.engine.StartInstance(ctx, def.ID, nil)
		require.NoError(t, err)
		_, err = h.definitions.Unpublish(ctx, def.ID, true)
		require.NoError(t, err)

		err = h.definitions.DeleteDraft(ctx, def.ID)
		require.True(t, IsCode(err, ErrHasInstances))
	})
}

func TestGetAll(t *testing.T) {
	h := newHarness(t)
	ctx := tenantContext("tenant-a")

	names := []string{"charlie", "alpha", "bravo"}
	for _, name := range names {
		tags := []string{"common"}
		if name == "bravo" {
			tags = append(tags, "special")
		}
		def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
			Name:           name,
			Description:    "workflow " + name,
			JSONDefinition: approvalGraph,
			Tags:           tags,
		})
		require.NoError(t, err)
		if name == "alpha" {
			_, err = h.definitions.Publish(ctx, def.ID, false)
			require.NoError(t, err)
		}
	}

	t.Run("sorted by name ascending by default", func(t *testing.T) {
		defs, err := h.definitions.GetAll(ctx, DefinitionQuery{SortBy: SortByName})
		require.NoError(t, err)
		require.Len(t, defs, 3)
		require.Equal(t, "alpha", defs[0].Name)
		require.Equal(t, "bravo", defs[1].Name)
		require.Equal(t, "charlie", defs[2].Name)
	})

	t.Run("descending order", func(t *testing.T) {
		defs, err := h.definitions.GetAll(ctx, DefinitionQuery{SortBy: SortByName, Descending: true})
		require.NoError(t, err)
		require.Equal(t, "charlie", defs[0].Name)
	})

	t.Run("published filter", func(t *testing.T) {
		published := true
		defs, err := h.definitions.GetAll(ctx, DefinitionQuery{IsPublished: &published})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		require.Equal(t, "alpha", defs[0].Name)
	})

	t.Run("search matches name and description", func(t *testing.T) {
		defs, err := h.definitions.GetAll(ctx, DefinitionQuery{Search: "BRAV"})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		require.Equal(t, "bravo", defs[0].Name)
	})

	t.Run("tag filter", func(t *testing.T) {
		defs, err := h.definitions.GetAll(ctx, DefinitionQuery{Tag: "special"})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		require.Equal(t, "bravo", defs[0].Name)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		defs, err := h.definitions.GetAll(tenantContext("tenant-b"), DefinitionQuery{})
		require.NoError(t, err)
		require.Empty(t, defs)
	})
}

func eventsOfTypeOutbox(messages []*OutboxMessage, eventType string) []*OutboxMessage {
	var matched []*OutboxMessage
	for _, msg := range messages {
		if msg.EventType == eventType {
			matched = append(matched, msg)
		}
	}
	return matched
}
