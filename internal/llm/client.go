package llm

import "context"

// Message is one turn of model input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Property describes one tool parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ParameterSchema is a JSON-schema shaped tool parameter description.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition advertises one tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  ParameterSchema `json:"parameters"`
}

// EventKind tags the variants of a model stream event.
type EventKind int

const (
	EventChunk EventKind = iota
	EventToolCall
	EventDone
	EventError
)

// Usage reports token accounting when the provider surfaces it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one element of a model stream. Exactly the fields for its kind
// are set.
type Event struct {
	Kind EventKind

	// EventChunk
	Text string

	// EventToolCall. Providers that dispatch tools internally may never emit
	// these; the tool bridge log is authoritative either way.
	ToolName   string
	ToolArgs   map[string]any
	ToolResult string
	ToolErr    string

	// EventDone
	FinalText string
	Usage     *Usage

	// EventError
	Err error
}

// StreamRequest carries one agent turn to the provider.
type StreamRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition

	// Metadata is passed through to the provider's tool dispatch so bridge
	// logs can be correlated back to the agent (correlation id, agent name).
	Metadata map[string]string
}

// ModelClient is the LLM vendor collaborator. Implementations must honor
// context cancellation and close the returned channel after a terminal event.
type ModelClient interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan Event, error)
}
