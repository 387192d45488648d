package ids

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// New returns a time-sortable identifier. Executions, changes and workspaces
// all use KSUIDs so listings sort chronologically without extra bookkeeping.
func New() string {
	return ksuid.New().String()
}

// NewExecutionID returns an identifier for a design execution.
func NewExecutionID() string {
	return "exec_" + ksuid.New().String()
}

// NewChangeID returns an identifier for a tracked file change.
func NewChangeID() string {
	return "chg_" + ksuid.New().String()
}

// NewCorrelationID returns a random identifier used to correlate tool calls
// across the bridge and the agent event stream.
func NewCorrelationID() string {
	return uuid.NewString()
}
