package flowline

import "time"

// TaskStatus represents the lifecycle state of a workflow task.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "inProgress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// rank orders the non-terminal statuses for the monotonicity check.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusCreated:
		return 0
	case TaskStatusAssigned:
		return 1
	case TaskStatusClaimed:
		return 2
	case TaskStatusInProgress:
		return 3
	default:
		return 4
	}
}

// CanTransition reports whether a task may move from one status to another.
// Transitions are monotonic: a task never moves backward except through an
// explicit release, which returns a claimed or in-progress task to its pool.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return false
	}
	// Release path.
	if (from == TaskStatusClaimed || from == TaskStatusInProgress) &&
		(to == TaskStatusAssigned || to == TaskStatusCreated) {
		return true
	}
	return to.rank() > from.rank() || to.IsTerminal()
}

// Task is a unit of work bound to one node of one running instance. Tasks
// are created by the execution engine when traversal reaches a human task or
// timer node and are never deleted.
type Task struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	InstanceID       string     `json:"instance_id"`
	NodeID           string     `json:"node_id"`
	NodeType         string     `json:"node_type"`
	Name             string     `json:"name"`
	Status           TaskStatus `json:"status"`
	AssignedToUserID string     `json:"assigned_to_user_id,omitempty"`
	AssignedToRole   string     `json:"assigned_to_role,omitempty"`
	DueDate          time.Time  `json:"due_date,omitzero"`
	ClaimedAt        time.Time  `json:"claimed_at,omitzero"`
	CompletedAt      time.Time  `json:"completed_at,omitzero"`
	CompletionData   string     `json:"completion_data,omitempty"`
	CreatedAt        time.Time  `json:"created_at,omitzero"`
}

// Copy returns a copy of the task.
func (t *Task) Copy() *Task {
	copied := *t
	return &copied
}

// ReleaseTarget returns the status a released task returns to: Assigned when
// it still has a role pool, Created otherwise.
func (t *Task) ReleaseTarget() TaskStatus {
	if t.AssignedToRole != "" {
		return TaskStatusAssigned
	}
	return TaskStatusCreated
}
