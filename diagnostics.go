package flowline

import (
	"context"
	"sync"
	"time"
)

// DiagnosticEntry is one engine diagnostic record, typically a gateway
// evaluation trace.
type DiagnosticEntry struct {
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id"`
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// DiagnosticsSink receives engine diagnostics. Implementations must be safe
// for concurrent use. The sink is injected per engine rather than held in
// process-wide state so tests can assert on it directly.
type DiagnosticsSink interface {
	Record(ctx context.Context, entry DiagnosticEntry)
}

// NullDiagnostics discards all diagnostics.
type NullDiagnostics struct{}

// NewNullDiagnostics creates a sink that discards everything.
func NewNullDiagnostics() *NullDiagnostics {
	return &NullDiagnostics{}
}

func (n *NullDiagnostics) Record(ctx context.Context, entry DiagnosticEntry) {}

// MemoryDiagnostics retains diagnostics in memory for test assertions.
type MemoryDiagnostics struct {
	mutex   sync.Mutex
	entries []DiagnosticEntry
}

// NewMemoryDiagnostics creates an in-memory diagnostics recorder.
func NewMemoryDiagnostics() *MemoryDiagnostics {
	return &MemoryDiagnostics{}
}

func (m *MemoryDiagnostics) Record(ctx context.Context, entry DiagnosticEntry) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	m.entries = append(m.entries, entry)
}

// Entries returns a copy of the recorded diagnostics.
func (m *MemoryDiagnostics) Entries() []DiagnosticEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return append([]DiagnosticEntry(nil), m.entries...)
}
