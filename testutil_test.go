package flowline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// harness wires a memory store with the services under test.
type harness struct {
	store       *MemoryStore
	publisher   *Publisher
	definitions *DefinitionService
	engine      *Engine
	diagnostics *MemoryDiagnostics
}

func newHarness(t *testing.T, engineOpts ...func(*EngineOptions)) *harness {
	t.Helper()
	store := NewMemoryStore()
	publisher, err := NewPublisher(PublisherOptions{Store: store})
	require.NoError(t, err)
	definitions, err := NewDefinitionService(DefinitionServiceOptions{
		Store:     store,
		Publisher: publisher,
	})
	require.NoError(t, err)

	diagnostics := NewMemoryDiagnostics()
	opts := EngineOptions{
		Store:       store,
		Publisher:   publisher,
		Diagnostics: diagnostics,
	}
	for _, apply := range engineOpts {
		apply(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)

	return &harness{
		store:       store,
		publisher:   publisher,
		definitions: definitions,
		engine:      engine,
		diagnostics: diagnostics,
	}
}

func tenantContext(tenantID string) context.Context {
	return WithTenant(context.Background(), tenantID)
}

func userContext(tenantID, userID string, roles ...string) context.Context {
	return WithUser(tenantContext(tenantID), UserContext{UserID: userID, Roles: roles})
}

// approvalGraph is a minimal start -> human task -> end definition.
const approvalGraph = `{
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "approve", "type": "humanTask", "name": "Approve request", "assigneeRoles": ["manager"], "dueInMinutes": 60},
		{"id": "end", "type": "end"}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "approve"},
		{"id": "e2", "source": "approve", "target": "end"}
	]
}`

func publishedDefinition(t *testing.T, h *harness, ctx context.Context, graphJSON string) *Definition {
	t.Helper()
	def, err := h.definitions.CreateDraft(ctx, CreateDraftInput{
		Name:           "test workflow",
		JSONDefinition: graphJSON,
	})
	require.NoError(t, err)
	def, err = h.definitions.Publish(ctx, def.ID, false)
	require.NoError(t, err)
	return def
}

func eventsOfType(events []*Event, eventType string) []*Event {
	var matched []*Event
	for _, event := range events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
