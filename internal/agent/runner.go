package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/stream"
	"conductor/internal/xerrors"
)

// Runner executes one agent turn against the model client and republishes
// the typed stream onto the execution's event channel.
type Runner struct {
	client      llm.ModelClient
	hub         *stream.Hub
	logger      *logging.Logger
	turnTimeout time.Duration
}

// NewRunner wraps a model client. turnTimeout bounds a single agent turn.
func NewRunner(client llm.ModelClient, hub *stream.Hub, turnTimeout time.Duration) *Runner {
	return &Runner{
		client:      client,
		hub:         hub,
		logger:      logging.NewComponentLogger("AgentRunner"),
		turnTimeout: turnTimeout,
	}
}

// RunRequest describes one agent turn.
type RunRequest struct {
	ExecutionID string
	BlockID     string
	AgentName   string
	WorkflowID  string

	SystemPrompt string
	UserPrompt   string
	WorkingDir   string

	// Tools is empty when the agent runs without tool access.
	Tools []llm.ToolDefinition

	// Metadata is forwarded to the provider's tool dispatch for correlation.
	Metadata map[string]string
}

// RunResult is the outcome of one agent turn. Err is set instead of a Go
// error return so parallel patterns can collect results uniformly.
type RunResult struct {
	AgentName string
	FinalText string
	Usage     *llm.Usage
	Duration  time.Duration
	Err       error
}

// Run performs the turn. Cancellation propagates to the model client; file
// changes already applied through tools are not rolled back.
func (r *Runner) Run(ctx context.Context, req RunRequest) *RunResult {
	start := time.Now()
	result := &RunResult{AgentName: req.AgentName}

	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	r.publish(&stream.AgentStartedEvent{
		BaseEvent: stream.NewBaseEvent(req.ExecutionID),
		BlockID:   req.BlockID,
		Agent:     req.AgentName,
	})

	system := req.SystemPrompt
	if req.WorkflowID != "" {
		system = fmt.Sprintf("%s\n\nYou are editing workflow %s. Pass it as workflow_id to editor tools.",
			system, req.WorkflowID)
	}
	if req.WorkingDir != "" {
		system = fmt.Sprintf("%s\n\nYour working directory is %s. Pass it as workspace_path to editor tools.",
			system, req.WorkingDir)
	}

	events, err := r.client.Stream(ctx, llm.StreamRequest{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: req.UserPrompt}},
		Tools:    req.Tools,
		Metadata: req.Metadata,
	})
	if err != nil {
		result.Err = xerrors.E(xerrors.KindModelError, "agent.run", req.AgentName, err)
		r.complete(req, result, start)
		return result
	}

	for {
		select {
		case <-ctx.Done():
			result.Err = wrapCtxErr(ctx.Err(), req.AgentName)
			r.complete(req, result, start)
			return result

		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event; treat whatever we
				// accumulated as the final text.
				r.complete(req, result, start)
				return result
			}
			switch ev.Kind {
			case llm.EventChunk:
				r.publish(&stream.AgentChunkEvent{
					BaseEvent: stream.NewBaseEvent(req.ExecutionID),
					BlockID:   req.BlockID,
					Agent:     req.AgentName,
					Text:      ev.Text,
				})

			case llm.EventToolCall:
				r.publish(&stream.ToolCallEvent{
					BaseEvent:     stream.NewBaseEvent(req.ExecutionID),
					BlockID:       req.BlockID,
					Agent:         req.AgentName,
					Name:          ev.ToolName,
					ArgsSummary:   summarizeArgs(ev.ToolArgs),
					ResultSummary: summarize(ev.ToolResult),
					Error:         ev.ToolErr,
				})

			case llm.EventDone:
				result.FinalText = ev.FinalText
				result.Usage = ev.Usage
				r.complete(req, result, start)
				return result

			case llm.EventError:
				if ctxErr := ctx.Err(); ctxErr != nil {
					result.Err = wrapCtxErr(ctxErr, req.AgentName)
				} else {
					result.Err = xerrors.E(xerrors.KindModelError, "agent.run", req.AgentName, ev.Err)
				}
				r.complete(req, result, start)
				return result
			}
		}
	}
}

func wrapCtxErr(err error, agent string) error {
	if xerrors.KindOf(err) == xerrors.KindTimeout {
		return xerrors.E(xerrors.KindTimeout, "agent.run", agent, err)
	}
	return xerrors.E(xerrors.KindCancelled, "agent.run", agent, err)
}

func (r *Runner) complete(req RunRequest, result *RunResult, start time.Time) {
	result.Duration = time.Since(start)
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	r.publish(&stream.AgentCompletedEvent{
		BaseEvent:  stream.NewBaseEvent(req.ExecutionID),
		BlockID:    req.BlockID,
		Agent:      req.AgentName,
		DurationMS: result.Duration.Milliseconds(),
		Error:      errText,
	})
	if result.Err != nil {
		r.logger.Warn("agent %s failed: %v", req.AgentName, result.Err)
	}
}

func (r *Runner) publish(event stream.Event) {
	if r.hub != nil {
		r.hub.Publish(event)
	}
}

const summaryLimit = 200

func summarize(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit] + "..."
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return summarize(string(data))
}
