package editor

import "time"

// Operation identifies the kind of mutation a change applied.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpMove   Operation = "move"
)

// Status tracks a change through the apply-then-review lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Change records one mutation to the working tree. The mutation is already on
// disk by the time the record exists; approval is metadata only and rejection
// performs the revert.
type Change struct {
	ID        string    `json:"id"`
	FilePath  string    `json:"file_path"`
	Operation Operation `json:"operation"`

	// OldContent is the create-time disk snapshot and the canonical undo
	// state for this change. Nil for create operations.
	OldContent *string `json:"old_content,omitempty"`
	NewContent *string `json:"new_content,omitempty"`
	OldPath    string  `json:"old_path,omitempty"`

	IsDir bool `json:"is_dir,omitempty"`

	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	Diff         string `json:"diff,omitempty"`
	AddedLines   int    `json:"added_lines,omitempty"`
	DeletedLines int    `json:"deleted_lines,omitempty"`

	// Agent and Block attribute the change to the orchestration step that
	// produced it; empty for direct UI edits.
	Agent string `json:"agent,omitempty"`
	Block string `json:"block,omitempty"`

	// resolving marks a pending change claimed by an in-flight Approve or
	// Reject; a second resolution attempt must observe Conflict, not race the
	// revert. Guarded by the manager's mutex.
	resolving bool
}

// clone returns a copy so callers cannot mutate manager-owned records.
func (c *Change) clone() *Change {
	dup := *c
	return &dup
}

// CreateChangeRequest carries the arguments of the central writer.
type CreateChangeRequest struct {
	Path         string
	Operation    Operation
	NewContent   *string
	OldPath      string
	GenerateDiff bool
	Agent        string
	Block        string
}
