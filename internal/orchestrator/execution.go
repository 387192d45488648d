package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Status tracks an execution through its life-cycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// BlockStatus is the outcome of one block.
type BlockStatus string

const (
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
	BlockSkipped   BlockStatus = "skipped"
)

// AgentOutput is one agent's contribution to a block result, in declaration
// order regardless of completion order.
type AgentOutput struct {
	Name   string `json:"name"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// BlockResult is the tagged outcome of one block execution.
type BlockResult struct {
	BlockID         string        `json:"block_id"`
	Pattern         BlockType     `json:"pattern"`
	Status          BlockStatus   `json:"status"`
	AgentsUsed      []string      `json:"agents_used"`
	FinalOutput     string        `json:"final_output"`
	PerAgentOutputs []AgentOutput `json:"per_agent_outputs"`
	DurationMS      int64         `json:"duration_ms"`
	Error           string        `json:"error,omitempty"`
	SkipReason      string        `json:"skip_reason,omitempty"`
}

// Execution is one run of a design. It owns its workspaces and its event
// stream topic.
type Execution struct {
	ID         string `json:"id"`
	DesignID   string `json:"design_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`

	mu              sync.RWMutex
	status          Status
	startedAt       time.Time
	finishedAt      *time.Time
	blockResults    map[string]*BlockResult
	cancelRequested bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newExecution(id, designID, workflowID, ownerID string, cancel context.CancelFunc) *Execution {
	return &Execution{
		ID:           id,
		DesignID:     designID,
		WorkflowID:   workflowID,
		OwnerID:      ownerID,
		status:       StatusPending,
		startedAt:    time.Now(),
		blockResults: make(map[string]*BlockResult),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation. Running agent turns observe it
// through their contexts; already-applied file changes stay pending.
func (e *Execution) Cancel() {
	e.mu.Lock()
	e.cancelRequested = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Execution) cancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelRequested
}

// Wait blocks until the execution reaches a terminal state or ctx expires.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current life-cycle state.
func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Execution) setStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	if s == StatusCompleted || s == StatusFailed || s == StatusCancelled {
		if e.finishedAt == nil {
			now := time.Now()
			e.finishedAt = &now
			close(e.done)
		}
	}
}

// Terminal reports whether the execution reached a final state.
func (e *Execution) Terminal() bool {
	switch e.Status() {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// FinishedAt returns the completion time, if any.
func (e *Execution) FinishedAt() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.finishedAt
}

// StartedAt returns the creation time.
func (e *Execution) StartedAt() time.Time {
	return e.startedAt
}

func (e *Execution) setBlockResult(r *BlockResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockResults[r.BlockID] = r
}

// BlockResult returns one block's result, if recorded.
func (e *Execution) BlockResult(blockID string) (*BlockResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.blockResults[blockID]
	return r, ok
}

// BlockResults returns a copy of the recorded results.
func (e *Execution) BlockResults() map[string]*BlockResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]*BlockResult, len(e.blockResults))
	for k, v := range e.blockResults {
		out[k] = v
	}
	return out
}

// Snapshot is the JSON shape returned by listing endpoints.
type Snapshot struct {
	ID           string                  `json:"id"`
	DesignID     string                  `json:"design_id"`
	WorkflowID   string                  `json:"workflow_id,omitempty"`
	Status       Status                  `json:"status"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
	BlockResults map[string]*BlockResult `json:"block_results"`
}

// Snapshot captures the execution state for API responses.
func (e *Execution) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	results := make(map[string]*BlockResult, len(e.blockResults))
	for k, v := range e.blockResults {
		results[k] = v
	}
	return Snapshot{
		ID:           e.ID,
		DesignID:     e.DesignID,
		WorkflowID:   e.WorkflowID,
		Status:       e.status,
		StartedAt:    e.startedAt,
		FinishedAt:   e.finishedAt,
		BlockResults: results,
	}
}
