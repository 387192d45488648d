package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/llm"
	"conductor/internal/stream"
	"conductor/internal/xerrors"
)

func newTestRunner(client *llm.ScriptedClient, turnTimeout time.Duration) (*Runner, *stream.Hub) {
	hub := stream.NewHub(100)
	return NewRunner(client, hub, turnTimeout), hub
}

func TestRunCollectsChunksAndPublishes(t *testing.T) {
	client := llm.NewScriptedClient().
		On("writer", llm.Script{Chunks: []string{"a", "b", "c"}})
	r, hub := newTestRunner(client, time.Second)

	result := r.Run(context.Background(), RunRequest{
		ExecutionID:  "exec1",
		BlockID:      "b1",
		AgentName:    "A",
		SystemPrompt: "you are a writer",
		UserPrompt:   "write",
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "abc", result.FinalText)
	assert.Greater(t, result.Duration, time.Duration(0))

	var types []string
	for _, ev := range hub.Events("exec1") {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []string{"agent_started", "agent_chunk", "agent_chunk", "agent_chunk", "agent_completed"}, types)
}

func TestRunForwardsToolCalls(t *testing.T) {
	client := llm.NewScriptedClient()
	client.On("coder", llm.Script{
		ToolCalls: []llm.ScriptedToolCall{{Name: "editor_read_file", Args: map[string]any{"path": "a.txt"}}},
		Final:     "done",
	})
	client.Invoker = func(_ context.Context, name string, _ map[string]any) (string, error) {
		return `{"content": "file body"}`, nil
	}
	r, hub := newTestRunner(client, time.Second)

	result := r.Run(context.Background(), RunRequest{
		ExecutionID:  "exec1",
		BlockID:      "b1",
		AgentName:    "A",
		SystemPrompt: "you are a coder",
		UserPrompt:   "edit",
	})
	require.NoError(t, result.Err)

	var toolEvents []*stream.ToolCallEvent
	for _, ev := range hub.Events("exec1") {
		if tc, ok := ev.(*stream.ToolCallEvent); ok {
			toolEvents = append(toolEvents, tc)
		}
	}
	require.Len(t, toolEvents, 1)
	assert.Equal(t, "editor_read_file", toolEvents[0].Name)
	assert.Contains(t, toolEvents[0].ArgsSummary, "a.txt")
	assert.Contains(t, toolEvents[0].ResultSummary, "file body")
}

func TestRunAppendsWorkingDirToSystemPrompt(t *testing.T) {
	client := llm.NewScriptedClient()
	r, _ := newTestRunner(client, time.Second)

	result := r.Run(context.Background(), RunRequest{
		ExecutionID:  "exec1",
		AgentName:    "A",
		SystemPrompt: "base prompt",
		UserPrompt:   "go",
		WorkingDir:   "/tmp/ws/agent",
	})
	require.NoError(t, result.Err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "base prompt")
	assert.Contains(t, calls[0].System, "/tmp/ws/agent")
}

func TestRunTimeoutMapsToTimeoutKind(t *testing.T) {
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = "x"
	}
	client := llm.NewScriptedClient()
	client.Default = llm.Script{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	r, _ := newTestRunner(client, 30*time.Millisecond)

	result := r.Run(context.Background(), RunRequest{ExecutionID: "exec1", AgentName: "A", UserPrompt: "go"})
	require.Error(t, result.Err)
	assert.Equal(t, xerrors.KindTimeout, xerrors.KindOf(result.Err))
}

func TestRunCancellationMapsToCancelledKind(t *testing.T) {
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = "x"
	}
	client := llm.NewScriptedClient()
	client.Default = llm.Script{Chunks: chunks, ChunkDelay: 10 * time.Millisecond}
	r, _ := newTestRunner(client, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result := r.Run(ctx, RunRequest{ExecutionID: "exec1", AgentName: "A", UserPrompt: "go"})
	require.Error(t, result.Err)
	assert.Equal(t, xerrors.KindCancelled, xerrors.KindOf(result.Err))
}

func TestRunProviderErrorIsModelError(t *testing.T) {
	client := llm.NewScriptedClient()
	client.Default = llm.Script{Err: errors.New("rate limited")}
	r, hub := newTestRunner(client, time.Second)

	result := r.Run(context.Background(), RunRequest{ExecutionID: "exec1", AgentName: "A", UserPrompt: "go"})
	require.Error(t, result.Err)
	assert.Equal(t, xerrors.KindModelError, xerrors.KindOf(result.Err))

	events := hub.Events("exec1")
	last := events[len(events)-1].(*stream.AgentCompletedEvent)
	assert.NotEmpty(t, last.Error)
}

func TestRunAppendsWorkflowIDToSystemPrompt(t *testing.T) {
	client := llm.NewScriptedClient()
	r, _ := newTestRunner(client, time.Second)

	result := r.Run(context.Background(), RunRequest{
		ExecutionID:  "exec1",
		AgentName:    "A",
		WorkflowID:   "wf42",
		SystemPrompt: "base prompt",
		UserPrompt:   "go",
	})
	require.NoError(t, result.Err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "wf42")
	assert.Contains(t, calls[0].System, "workflow_id")
}
