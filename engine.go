package flowline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flowline/script"
)

// maxTraversalDepth bounds one advancement pass. A definition whose
// automatic or gateway nodes form a cycle would otherwise never return.
const maxTraversalDepth = 50

// EngineOptions configures an execution engine.
type EngineOptions struct {
	Store       Store
	Publisher   *Publisher
	Notifier    Notifier
	Diagnostics DiagnosticsSink
	Decider     GatewayDecider
	Logger      *slog.Logger

	// Compiler, when set, renders ${...} expressions in task names against
	// the instance context as tasks are materialized.
	Compiler script.Compiler

	// MergeActiveNodes keeps previously active nodes in the instance's
	// active set when an advancement pass computes new ones. The default
	// replaces the set with the nodes the pass reached, which matches
	// single-path workflows; parallel branches that wait on more than one
	// node at a time need merge semantics.
	MergeActiveNodes bool
}

// Engine starts instances and advances them through their definition graphs
// as tasks complete. Traversal is synchronous and depth-bounded; anything
// asynchronous (timers firing, outbox delivery) lives outside the engine.
type Engine struct {
	store            Store
	publisher        *Publisher
	notifier         Notifier
	diagnostics      DiagnosticsSink
	decider          GatewayDecider
	logger           *slog.Logger
	compiler         script.Compiler
	mergeActiveNodes bool
}

// NewEngine creates an execution engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = NewNullDiagnostics()
	}
	if opts.Decider == nil {
		opts.Decider = NewPassthroughDecider()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:            opts.Store,
		publisher:        opts.Publisher,
		notifier:         opts.Notifier,
		diagnostics:      opts.Diagnostics,
		decider:          opts.Decider,
		logger:           opts.Logger,
		compiler:         opts.Compiler,
		mergeActiveNodes: opts.MergeActiveNodes,
	}, nil
}

// StartInstance creates a running instance of a published definition and
// traverses from its start nodes until the first wait state or completion.
func (e *Engine) StartInstance(ctx context.Context, definitionID string, initialContext map[string]any) (*Instance, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		e.logger.Error("failed to load definition for start",
			"tenant_id", tenantID, "definition_id", definitionID, "error", err)
		return nil, internalError("start instance", err)
	}
	if def == nil || def.TenantID != tenantID {
		return nil, NewError(ErrNotFound, fmt.Sprintf("definition %s not found", definitionID))
	}
	if !def.IsPublished {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("definition %q version %d is not published", def.Name, def.Version))
	}
	g, err := ParseGraph(def.JSONDefinition)
	if err != nil {
		return nil, err
	}
	starts := g.StartNodes()
	if len(starts) == 0 {
		return nil, NewValidationError("definition has no start node", nil)
	}

	instance := &Instance{
		ID:                NewInstanceID(),
		TenantID:          tenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            InstanceStatusRunning,
		StartedAt:         time.Now(),
	}
	if user, ok := UserFromContext(ctx); ok {
		instance.StartedByUserID = user.UserID
	}
	if initialContext != nil {
		if err := instance.SetContextValues(initialContext); err != nil {
			return nil, internalError("start instance", err)
		}
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		e.logger.Error("failed to save new instance",
			"tenant_id", tenantID, "definition_id", def.ID, "error", err)
		return nil, internalError("start instance", err)
	}
	if err := e.publisher.PublishInstanceStarted(ctx, instance); err != nil {
		e.logger.Error("failed to publish instance started",
			"instance_id", instance.ID, "error", err)
	}
	e.logger.Info("instance started",
		"tenant_id", tenantID, "instance_id", instance.ID,
		"definition_id", def.ID, "version", def.Version)

	// The initial walk commits as one unit: either every materialized task
	// and the active set land together, or none of them do.
	active := map[string]bool{}
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		for _, start := range starts {
			if err := e.visit(ctx, g, instance, start, 0, active); err != nil {
				return err
			}
		}
		return e.applyActiveSet(ctx, instance, active, "")
	})
	if err != nil {
		return e.failInstance(ctx, instance, err)
	}
	return instance, nil
}

// ClaimTask moves a task into the claimed state for the calling user. Tasks
// with a role pool can only be claimed by a user holding that role.
func (e *Engine) ClaimTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := e.loadOwnedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	user, ok := UserFromContext(ctx)
	if !ok {
		return nil, NewError(ErrInvalidStateTransition, "claiming a task requires a user context")
	}
	if task.AssignedToRole != "" && !user.HasRole(task.AssignedToRole) {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("task %s is reserved for role %q", task.ID, task.AssignedToRole))
	}
	if !CanTransition(task.Status, TaskStatusClaimed) {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, TaskStatusClaimed))
	}
	task.Status = TaskStatusClaimed
	task.AssignedToUserID = user.UserID
	task.ClaimedAt = time.Now()
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, internalError("claim task", err)
	}
	return task, nil
}

// ReleaseTask returns a claimed or in-progress task to its pool: back to
// assigned when it has a role, back to created otherwise.
func (e *Engine) ReleaseTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := e.loadOwnedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	target := task.ReleaseTarget()
	if !CanTransition(task.Status, target) {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, target))
	}
	task.Status = target
	task.AssignedToUserID = ""
	task.ClaimedAt = time.Time{}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, internalError("release task", err)
	}
	return task, nil
}

// AssignTask assigns a task to a specific user without claiming it.
func (e *Engine) AssignTask(ctx context.Context, taskID, userID string) (*Task, error) {
	task, err := e.loadOwnedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(task.Status, TaskStatusAssigned) {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, TaskStatusAssigned))
	}
	task.Status = TaskStatusAssigned
	task.AssignedToUserID = userID
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, internalError("assign task", err)
	}
	if err := e.publisher.PublishTaskAssigned(ctx, task); err != nil {
		e.logger.Error("failed to publish task assigned", "task_id", task.ID, "error", err)
	}
	if err := e.notifier.NotifyUser(ctx, userID, EventTaskAssigned, task); err != nil {
		e.logger.Warn("failed to notify assignee", "task_id", task.ID, "user_id", userID, "error", err)
	}
	return task, nil
}

// CompleteTask finishes a task, merges its completion data into the
// instance context, and advances the instance past the task's node.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, completionData map[string]any) (*Task, error) {
	task, err := e.loadOwnedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(task.Status, TaskStatusCompleted) {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, TaskStatusCompleted))
	}
	var userID string
	if user, ok := UserFromContext(ctx); ok {
		userID = user.UserID
	}

	task.Status = TaskStatusCompleted
	task.CompletedAt = time.Now()
	if completionData != nil {
		data, err := json.Marshal(completionData)
		if err != nil {
			return nil, internalError("complete task", err)
		}
		task.CompletionData = string(data)
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, internalError("complete task", err)
	}
	if err := e.publisher.PublishTaskCompleted(ctx, task, userID); err != nil {
		e.logger.Error("failed to publish task completed", "task_id", task.ID, "error", err)
	}

	if len(completionData) > 0 {
		if instance, err := e.store.GetInstance(ctx, task.InstanceID); err == nil && instance != nil {
			values := instance.ContextValues()
			for key, value := range completionData {
				values[key] = value
			}
			if err := instance.SetContextValues(values); err == nil {
				if err := e.store.SaveInstance(ctx, instance); err != nil {
					e.logger.Error("failed to save instance context",
						"instance_id", instance.ID, "error", err)
				}
			}
		}
	}

	e.AdvanceAfterTaskCompletion(ctx, task.InstanceID, task.NodeID)
	return task, nil
}

// CancelInstance terminates an active instance, cancelling its open tasks.
func (e *Engine) CancelInstance(ctx context.Context, instanceID string) (*Instance, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, internalError("cancel instance", err)
	}
	if instance == nil || instance.TenantID != tenantID {
		return nil, NewError(ErrNotFound, fmt.Sprintf("instance %s not found", instanceID))
	}
	if instance.Status.IsTerminal() {
		return nil, NewError(ErrInvalidStateTransition,
			fmt.Sprintf("instance %s is already %s", instance.ID, instance.Status))
	}

	tasks, err := e.store.ListTasksByInstance(ctx, instance.ID)
	if err != nil {
		return nil, internalError("cancel instance", err)
	}
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = TaskStatusCancelled
		task.CompletedAt = time.Now()
		if err := e.store.SaveTask(ctx, task); err != nil {
			e.logger.Error("failed to cancel task", "task_id", task.ID, "error", err)
		}
	}

	instance.Status = InstanceStatusCancelled
	instance.CompletedAt = time.Now()
	instance.CurrentNodeIDs = ""
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return nil, internalError("cancel instance", err)
	}
	if err := e.publisher.PublishInstanceForceCancelled(ctx, instance); err != nil {
		e.logger.Error("failed to publish instance cancelled",
			"instance_id", instance.ID, "error", err)
	}
	e.logger.Info("instance cancelled", "tenant_id", tenantID, "instance_id", instance.ID)
	return instance, nil
}

// AdvanceAfterTaskCompletion advances an instance past a completed node.
// Missing instances, missing definitions, and unparseable definition text
// are logged and skipped rather than surfaced: advancement is triggered
// after the completing mutation has already committed, and failing the
// caller at that point could not undo it.
func (e *Engine) AdvanceAfterTaskCompletion(ctx context.Context, instanceID, nodeID string) {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil || instance == nil {
		e.logger.Warn("advancement skipped: instance not loadable",
			"instance_id", instanceID, "error", err)
		return
	}
	if instance.Status.IsTerminal() {
		return
	}
	def, err := e.store.GetDefinition(ctx, instance.DefinitionID)
	if err != nil || def == nil {
		e.logger.Warn("advancement skipped: definition not loadable",
			"instance_id", instanceID, "definition_id", instance.DefinitionID, "error", err)
		return
	}
	g, err := ParseGraph(def.JSONDefinition)
	if err != nil {
		e.logger.Warn("advancement skipped: definition text unparseable",
			"instance_id", instanceID, "definition_id", def.ID, "error", err)
		return
	}

	_, ok := g.GetNode(nodeID)
	if !ok {
		e.logger.Warn("advancement skipped: completed node missing from graph",
			"instance_id", instanceID, "node_id", nodeID)
		return
	}

	outgoing := g.OutgoingEdges(nodeID)
	if len(outgoing) == 0 {
		// Dead end. Finalize only once every sibling branch has drained.
		e.finalizeIfDrained(ctx, instance, nodeID)
		return
	}

	// One advancement pass is one unit of work: the tasks it materializes
	// and the instance's new active set commit together or roll back
	// together. The failure record is written after the rollback.
	active := map[string]bool{}
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		for _, edge := range outgoing {
			if err := e.follow(ctx, g, instance, edge, 1, active); err != nil {
				return err
			}
		}
		return e.applyActiveSet(ctx, instance, active, nodeID)
	})
	if err != nil {
		_, _ = e.failInstance(ctx, instance, err)
	}
}

// visit dispatches on the kind of a reached node. Wait-state nodes (human
// tasks, timers) materialize a task and join the active set; pass-through
// nodes (start, automatic, gateway) continue traversal immediately.
func (e *Engine) visit(ctx context.Context, g *Graph, instance *Instance, node *Node, depth int, active map[string]bool) error {
	if depth > maxTraversalDepth {
		return fmt.Errorf("traversal depth exceeded %d at node %q, definition likely contains a cycle",
			maxTraversalDepth, node.ID)
	}

	switch node.Kind {
	case NodeKindEnd:
		return nil
	case NodeKindHumanTask:
		_, err := e.createTask(ctx, instance, node)
		if err != nil {
			return err
		}
		active[node.ID] = true
		return nil
	case NodeKindTimer:
		_, err := e.createTask(ctx, instance, node)
		if err != nil {
			return err
		}
		active[node.ID] = true
		return nil
	case NodeKindStart, NodeKindAutomatic:
		for _, edge := range g.OutgoingEdges(node.ID) {
			if err := e.follow(ctx, g, instance, edge, depth+1, active); err != nil {
				return err
			}
		}
		return nil
	case NodeKindGateway:
		return e.visitGateway(ctx, g, instance, node, depth, active)
	default:
		e.logger.Warn("unknown node type, treating as terminal",
			"instance_id", instance.ID, "node_id", node.ID, "node_type", node.Type)
		return nil
	}
}

// follow resolves an edge target and visits it.
func (e *Engine) follow(ctx context.Context, g *Graph, instance *Instance, edge *Edge, depth int, active map[string]bool) error {
	target, ok := g.GetNode(edge.EffectiveTarget())
	if !ok {
		e.logger.Warn("edge target missing from graph, skipping",
			"instance_id", instance.ID, "edge_id", edge.ID, "target", edge.EffectiveTarget())
		return nil
	}
	return e.visit(ctx, g, instance, target, depth, active)
}

// visitGateway asks the decider which outgoing edges to follow, records the
// decision in the instance context and the diagnostics sink, and continues
// along the chosen edges.
func (e *Engine) visitGateway(ctx context.Context, g *Graph, instance *Instance, node *Node, depth int, active map[string]bool) error {
	outgoing := g.OutgoingEdges(node.ID)
	decision, err := e.decider.Decide(ctx, g, node, instance, outgoing)
	if err != nil {
		return fmt.Errorf("gateway %q decision failed: %w", node.ID, err)
	}

	chosenIDs := make([]string, 0, len(decision.ChosenEdges))
	for _, edge := range decision.ChosenEdges {
		chosenIDs = append(chosenIDs, edge.ID)
	}
	record := GatewayDecisionRecord{
		DecisionID:      NewEventID(),
		Strategy:        decision.Strategy,
		ConditionResult: decision.ConditionResult,
		ChosenEdgeIDs:   chosenIDs,
		Diagnostics:     decision.Diagnostics,
		EvaluatedAtUTC:  time.Now().UTC(),
	}
	if err := instance.AppendGatewayDecision(node.ID, record); err != nil {
		e.logger.Error("failed to record gateway decision",
			"instance_id", instance.ID, "node_id", node.ID, "error", err)
	}
	e.diagnostics.Record(ctx, DiagnosticEntry{
		InstanceID: instance.ID,
		NodeID:     node.ID,
		Kind:       "gateway_decision",
		Message:    fmt.Sprintf("gateway %q chose %d of %d edges", node.ID, len(chosenIDs), len(outgoing)),
		Data: map[string]any{
			"strategy":        decision.Strategy,
			"conditionResult": decision.ConditionResult,
			"chosenEdgeIds":   chosenIDs,
		},
	})

	for _, edge := range decision.ChosenEdges {
		if err := e.follow(ctx, g, instance, edge, depth+1, active); err != nil {
			return err
		}
	}
	return nil
}

// createTask materializes the wait-state task for a human task or timer
// node. A human task node declaring exactly one candidate role starts in
// the assigned state; timer tasks carry a due date derived from the node's
// delay.
func (e *Engine) createTask(ctx context.Context, instance *Instance, node *Node) (*Task, error) {
	now := time.Now()
	task := &Task{
		ID:         NewTaskID(),
		TenantID:   instance.TenantID,
		InstanceID: instance.ID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Name:       e.renderTaskName(ctx, instance, node),
		Status:     TaskStatusCreated,
		CreatedAt:  now,
	}
	if role, ok := node.AssignedRole(); ok {
		task.Status = TaskStatusAssigned
		task.AssignedToRole = role
	}
	if node.Kind == NodeKindHumanTask && node.DueInMinutes > 0 {
		task.DueDate = now.Add(time.Duration(node.DueInMinutes) * time.Minute)
	}
	if node.Kind == NodeKindTimer {
		task.DueDate = now.Add(time.Duration(node.DelayMinutes) * time.Minute)
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task for node %q: %w", node.ID, err)
	}
	if err := e.publisher.PublishTaskCreated(ctx, task); err != nil {
		e.logger.Error("failed to publish task created", "task_id", task.ID, "error", err)
	}
	if err := e.notifier.NotifyTenant(ctx, instance.TenantID, EventTaskCreated, task); err != nil {
		e.logger.Warn("failed to notify tenant of new task", "task_id", task.ID, "error", err)
	}
	return task, nil
}

// renderTaskName interpolates ${...} expressions in the node name against
// the instance context. A render failure falls back to the raw name; a bad
// title is not worth failing the traversal over.
func (e *Engine) renderTaskName(ctx context.Context, instance *Instance, node *Node) string {
	name := node.DisplayName()
	if e.compiler == nil || !strings.Contains(name, "${") {
		return name
	}
	tmpl, err := script.NewTemplate(e.compiler, name)
	if err != nil {
		e.logger.Warn("failed to compile task name template",
			"node_id", node.ID, "error", err)
		return name
	}
	rendered, err := tmpl.Eval(ctx, map[string]any{"context": instance.ContextValues()})
	if err != nil {
		e.logger.Warn("failed to render task name template",
			"node_id", node.ID, "error", err)
		return name
	}
	return rendered
}

// applyActiveSet writes the instance's new active node set and finalizes
// the instance when the set drains. completedNodeID, when non-empty, is the
// node the advancement pass just left; under merge semantics it is removed
// from the carried-over set.
func (e *Engine) applyActiveSet(ctx context.Context, instance *Instance, active map[string]bool, completedNodeID string) error {
	nodeIDs := make([]string, 0, len(active))
	for id := range active {
		nodeIDs = append(nodeIDs, id)
	}
	if e.mergeActiveNodes {
		for _, id := range instance.CurrentNodes() {
			if id != completedNodeID {
				nodeIDs = append(nodeIDs, id)
			}
		}
	}
	instance.SetCurrentNodes(nodeIDs)

	if instance.CurrentNodeIDs == "" {
		if pending, err := e.hasPendingTasks(ctx, instance.ID); err == nil && !pending {
			instance.Status = InstanceStatusCompleted
			instance.CompletedAt = time.Now()
		}
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return internalError("save instance", err)
	}
	if instance.Status == InstanceStatusCompleted {
		if err := e.publisher.PublishInstanceCompleted(ctx, instance); err != nil {
			e.logger.Error("failed to publish instance completed",
				"instance_id", instance.ID, "error", err)
		}
		e.logger.Info("instance completed", "instance_id", instance.ID)
	}
	return nil
}

// finalizeIfDrained completes the instance when the node that just finished
// had no outgoing edges and no other branch still holds work.
func (e *Engine) finalizeIfDrained(ctx context.Context, instance *Instance, completedNodeID string) {
	remaining := make([]string, 0)
	for _, id := range instance.CurrentNodes() {
		if id != completedNodeID {
			remaining = append(remaining, id)
		}
	}
	instance.SetCurrentNodes(remaining)

	pending, err := e.hasPendingTasks(ctx, instance.ID)
	if err != nil {
		e.logger.Error("failed to check pending tasks", "instance_id", instance.ID, "error", err)
		return
	}
	if len(remaining) == 0 && !pending {
		instance.Status = InstanceStatusCompleted
		instance.CompletedAt = time.Now()
		instance.CurrentNodeIDs = ""
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		e.logger.Error("failed to save instance", "instance_id", instance.ID, "error", err)
		return
	}
	if instance.Status == InstanceStatusCompleted {
		if err := e.publisher.PublishInstanceCompleted(ctx, instance); err != nil {
			e.logger.Error("failed to publish instance completed",
				"instance_id", instance.ID, "error", err)
		}
		e.logger.Info("instance completed", "instance_id", instance.ID)
	}
}

// failInstance records a traversal failure on the instance.
func (e *Engine) failInstance(ctx context.Context, instance *Instance, cause error) (*Instance, error) {
	instance.Status = InstanceStatusFailed
	instance.CompletedAt = time.Now()
	instance.ErrorMessage = cause.Error()
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		e.logger.Error("failed to save failed instance",
			"instance_id", instance.ID, "error", err)
	}
	if err := e.publisher.PublishInstanceFailed(ctx, instance, cause.Error()); err != nil {
		e.logger.Error("failed to publish instance failed",
			"instance_id", instance.ID, "error", err)
	}
	e.logger.Error("instance failed", "instance_id", instance.ID, "error", cause)
	return nil, internalError("advance instance", cause)
}

// hasPendingTasks reports whether any task of the instance is non-terminal.
func (e *Engine) hasPendingTasks(ctx context.Context, instanceID string) (bool, error) {
	tasks, err := e.store.ListTasksByInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// loadOwnedTask loads a task and verifies tenant ownership.
func (e *Engine) loadOwnedTask(ctx context.Context, taskID string) (*Task, error) {
	tenantID, err := requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("failed to load task",
			"tenant_id", tenantID, "task_id", taskID, "error", err)
		return nil, internalError("load task", err)
	}
	if task == nil || task.TenantID != tenantID {
		return nil, NewError(ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return task, nil
}
