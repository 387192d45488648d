package stream

import "time"

// Event is one element of an execution's event stream. Concrete types form a
// closed set; the SSE layer and the log endpoint serialize via Envelope.
type Event interface {
	EventType() string
	Timestamp() time.Time
	GetExecutionID() string
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	ts          time.Time
	executionID string
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.ts
}

func (e *BaseEvent) GetExecutionID() string {
	return e.executionID
}

// NewBaseEvent stamps an event with its execution and publish time.
func NewBaseEvent(executionID string) BaseEvent {
	return BaseEvent{ts: time.Now(), executionID: executionID}
}

// ExecutionStartedEvent - emitted when the scheduler accepts a design
type ExecutionStartedEvent struct {
	BaseEvent
	DesignID string
}

func (e *ExecutionStartedEvent) EventType() string { return "execution_started" }

// WorkspaceInfoEvent - emitted after workspace provisioning so the UI can
// spawn per-agent panels
type WorkspaceInfoEvent struct {
	BaseEvent
	BlockID string
	Mode    string
	Agents  []WorkspaceAgent
}

// WorkspaceAgent maps one agent to its working directory.
type WorkspaceAgent struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (e *WorkspaceInfoEvent) EventType() string { return "workspace_info" }

// BlockStartedEvent - emitted before a block runs
type BlockStartedEvent struct {
	BaseEvent
	BlockID string
	Pattern string
}

func (e *BlockStartedEvent) EventType() string { return "block_started" }

// AgentStartedEvent - emitted when an agent turn begins
type AgentStartedEvent struct {
	BaseEvent
	BlockID string
	Agent   string
}

func (e *AgentStartedEvent) EventType() string { return "agent_started" }

// AgentChunkEvent - streamed model output
type AgentChunkEvent struct {
	BaseEvent
	BlockID string
	Agent   string
	Text    string
}

func (e *AgentChunkEvent) EventType() string { return "agent_chunk" }

// ToolCallEvent - a tool invocation observed by the runner or logged by the
// bridge. The bridge is authoritative; runner-sourced events may be absent.
type ToolCallEvent struct {
	BaseEvent
	BlockID       string
	Agent         string
	Name          string
	ArgsSummary   string
	ResultSummary string
	Error         string
}

func (e *ToolCallEvent) EventType() string { return "tool_call" }

// AgentCompletedEvent - emitted when an agent turn finishes
type AgentCompletedEvent struct {
	BaseEvent
	BlockID    string
	Agent      string
	DurationMS int64
	Error      string
}

func (e *AgentCompletedEvent) EventType() string { return "agent_completed" }

// BlockCompletedEvent - emitted with the block's result summary
type BlockCompletedEvent struct {
	BaseEvent
	BlockID       string
	Pattern       string
	ResultSummary string
	Error         string
	Skipped       bool
}

func (e *BlockCompletedEvent) EventType() string { return "block_completed" }

// ExecutionCompletedEvent - terminal event of a stream
type ExecutionCompletedEvent struct {
	BaseEvent
	Status string
	Error  string
}

func (e *ExecutionCompletedEvent) EventType() string { return "execution_completed" }

// Envelope flattens an event into the wire shape shared by SSE and the log
// endpoint.
func Envelope(event Event) map[string]any {
	data := map[string]any{
		"event_type":   event.EventType(),
		"timestamp":    event.Timestamp().Format(time.RFC3339Nano),
		"execution_id": event.GetExecutionID(),
	}

	switch e := event.(type) {
	case *ExecutionStartedEvent:
		data["design_id"] = e.DesignID

	case *WorkspaceInfoEvent:
		data["block_id"] = e.BlockID
		data["mode"] = e.Mode
		data["agents"] = e.Agents

	case *BlockStartedEvent:
		data["block_id"] = e.BlockID
		data["pattern"] = e.Pattern

	case *AgentStartedEvent:
		data["block_id"] = e.BlockID
		data["agent"] = e.Agent

	case *AgentChunkEvent:
		data["block_id"] = e.BlockID
		data["agent"] = e.Agent
		data["text"] = e.Text

	case *ToolCallEvent:
		data["block_id"] = e.BlockID
		data["agent"] = e.Agent
		data["name"] = e.Name
		data["args_summary"] = e.ArgsSummary
		if e.ResultSummary != "" {
			data["result_summary"] = e.ResultSummary
		}
		if e.Error != "" {
			data["error"] = e.Error
		}

	case *AgentCompletedEvent:
		data["block_id"] = e.BlockID
		data["agent"] = e.Agent
		data["duration_ms"] = e.DurationMS
		if e.Error != "" {
			data["error"] = e.Error
		}

	case *BlockCompletedEvent:
		data["block_id"] = e.BlockID
		data["pattern"] = e.Pattern
		data["result_summary"] = e.ResultSummary
		data["skipped"] = e.Skipped
		if e.Error != "" {
			data["error"] = e.Error
		}

	case *ExecutionCompletedEvent:
		data["status"] = e.Status
		if e.Error != "" {
			data["error"] = e.Error
		}
	}

	return data
}
