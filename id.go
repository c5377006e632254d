package flowline

import "go.jetify.com/typeid"

// newID returns a new type-prefixed unique ID.
func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewDefinitionID returns a new workflow definition ID.
func NewDefinitionID() string { return newID("wfd") }

// NewInstanceID returns a new workflow instance ID.
func NewInstanceID() string { return newID("wfi") }

// NewTaskID returns a new workflow task ID.
func NewTaskID() string { return newID("task") }

// NewEventID returns a new workflow event ID.
func NewEventID() string { return newID("evt") }

// NewOutboxID returns a new outbox message ID.
func NewOutboxID() string { return newID("obx") }
