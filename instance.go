package flowline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// IsActive reports whether the instance still holds work (running or
// suspended).
func (s InstanceStatus) IsActive() bool {
	return s == InstanceStatusRunning || s == InstanceStatusSuspended
}

// GatewayDecisionsKey is the reserved context key under which the engine
// records gateway decision history, keyed by node ID.
const GatewayDecisionsKey = "_gatewayDecisions"

// GatewayDecisionRecord is one entry in the per-node decision log stored in
// instance context.
type GatewayDecisionRecord struct {
	DecisionID      string         `json:"decisionId"`
	Strategy        string         `json:"strategy"`
	ConditionResult bool           `json:"conditionResult"`
	ChosenEdgeIDs   []string       `json:"chosenEdgeIds"`
	Diagnostics     map[string]any `json:"diagnostics,omitempty"`
	EvaluatedAtUTC  time.Time      `json:"evaluatedAtUtc"`
}

// Instance is one execution of a published definition version. The instance
// always belongs to the same tenant as its definition.
type Instance struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	CurrentNodeIDs    string         `json:"current_node_ids"`
	Context           string         `json:"context,omitempty"`
	StartedAt         time.Time      `json:"started_at,omitzero"`
	CompletedAt       time.Time      `json:"completed_at,omitzero"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	StartedByUserID   string         `json:"started_by_user_id,omitempty"`
}

// Copy returns a copy of the instance.
func (i *Instance) Copy() *Instance {
	copied := *i
	return &copied
}

// CurrentNodes returns the active node ID set.
func (i *Instance) CurrentNodes() []string {
	if i.CurrentNodeIDs == "" {
		return nil
	}
	return strings.Split(i.CurrentNodeIDs, ",")
}

// SetCurrentNodes replaces the active node ID set, serialized in sorted
// order so equal sets always produce equal text.
func (i *Instance) SetCurrentNodes(nodeIDs []string) {
	deduped := map[string]bool{}
	for _, id := range nodeIDs {
		if id != "" {
			deduped[id] = true
		}
	}
	sorted := make([]string, 0, len(deduped))
	for id := range deduped {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	i.CurrentNodeIDs = strings.Join(sorted, ",")
}

// ContextValues deserializes the free-form instance context. An empty or
// unparseable context yields an empty map.
func (i *Instance) ContextValues() map[string]any {
	if i.Context == "" {
		return map[string]any{}
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(i.Context), &values); err != nil {
		return map[string]any{}
	}
	return values
}

// SetContextValues replaces the serialized instance context.
func (i *Instance) SetContextValues(values map[string]any) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal instance context: %w", err)
	}
	i.Context = string(data)
	return nil
}

// AppendGatewayDecision appends a decision record to the per-node history in
// the instance context. Histories written by older engine builds stored a
// single object per node; those are upgraded to the array shape in place.
func (i *Instance) AppendGatewayDecision(nodeID string, record GatewayDecisionRecord) error {
	values := i.ContextValues()
	decisions, _ := values[GatewayDecisionsKey].(map[string]any)
	if decisions == nil {
		decisions = map[string]any{}
	}

	encoded := map[string]any{
		"decisionId":      record.DecisionID,
		"strategy":        record.Strategy,
		"conditionResult": record.ConditionResult,
		"chosenEdgeIds":   record.ChosenEdgeIDs,
		"evaluatedAtUtc":  record.EvaluatedAtUTC.UTC().Format(time.RFC3339Nano),
	}
	if len(record.Diagnostics) > 0 {
		encoded["diagnostics"] = record.Diagnostics
	}

	switch existing := decisions[nodeID].(type) {
	case []any:
		decisions[nodeID] = append(existing, encoded)
	case map[string]any:
		// Legacy single-object shape.
		decisions[nodeID] = []any{existing, encoded}
	default:
		decisions[nodeID] = []any{encoded}
	}
	values[GatewayDecisionsKey] = decisions
	return i.SetContextValues(values)
}

// GatewayDecisions returns the decision history for a node, tolerating both
// the current array shape and the legacy single-object shape.
func (i *Instance) GatewayDecisions(nodeID string) []map[string]any {
	values := i.ContextValues()
	decisions, _ := values[GatewayDecisionsKey].(map[string]any)
	if decisions == nil {
		return nil
	}
	switch entry := decisions[nodeID].(type) {
	case []any:
		var records []map[string]any
		for _, item := range entry {
			if obj, ok := item.(map[string]any); ok {
				records = append(records, obj)
			}
		}
		return records
	case map[string]any:
		return []map[string]any{entry}
	default:
		return nil
	}
}
