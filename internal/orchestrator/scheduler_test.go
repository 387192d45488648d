package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/llm"
	"conductor/internal/stream"
)

func newTestScheduler(t *testing.T, client *llm.ScriptedClient, cfg *config.Config) (*Scheduler, *stream.Hub) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	hub := stream.NewHub(500)
	runner := agent.NewRunner(client, hub, 5*time.Second)
	executor := NewBlockExecutor(runner, nil, hub, cfg, nil, nil)
	return NewScheduler(cfg, executor, hub, nil), hub
}

func waitDone(t *testing.T, exec *Execution) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exec.Wait(ctx))
}

func TestStartRejectsInvalidDesign(t *testing.T) {
	s, _ := newTestScheduler(t, llm.NewScriptedClient(), nil)
	_, err := s.Start(&Design{ID: "empty"}, "", "", "")
	assert.Error(t, err)
}

func TestLinearDesignPropagatesBlockOutput(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "result of stage one"}).
		On("you are B", llm.Script{Final: "final answer"})
	s, _ := newTestScheduler(t, client, nil)

	design := &Design{
		ID: "d1",
		Blocks: []Block{
			{ID: "b1", Type: BlockSequential, Task: "stage one", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}},
			{ID: "b2", Type: BlockSequential, Task: "stage two", Agents: []AgentDef{{Name: "B", SystemPrompt: "you are B"}}},
		},
		Connections: []Connection{{SourceBlock: "b1", TargetBlock: "b2", Kind: ConnBlock}},
	}

	exec, err := s.Start(design, "", "user1", "")
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, StatusCompleted, exec.Status())
	r2, ok := exec.BlockResult("b2")
	require.True(t, ok)
	assert.Equal(t, "final answer", r2.FinalOutput)

	bPrompts := callsTo(client, "you are B")
	require.Len(t, bPrompts, 1)
	assert.Contains(t, bPrompts[0], "stage two")
	assert.Contains(t, bPrompts[0], "Output of b1")
	assert.Contains(t, bPrompts[0], "result of stage one")
}

func TestAgentConnectionTargetsSingleAgent(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "handoff payload"}).
		On("you are B", llm.Script{Final: "b done"}).
		On("you are C", llm.Script{Final: "c done"})
	s, _ := newTestScheduler(t, client, nil)

	design := &Design{
		ID: "d1",
		Blocks: []Block{
			{ID: "b1", Type: BlockSequential, Task: "produce", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}},
			{ID: "b2", Type: BlockParallel, Task: "consume", Agents: []AgentDef{
				{Name: "B", SystemPrompt: "you are B"},
				{Name: "C", SystemPrompt: "you are C"},
			}},
		},
		Connections: []Connection{
			{SourceBlock: "b1", TargetBlock: "b2", SourceAgent: "A", TargetAgent: "B", Kind: ConnAgent},
		},
	}

	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)
	waitDone(t, exec)
	require.Equal(t, StatusCompleted, exec.Status())

	bPrompts := callsTo(client, "you are B")
	require.Len(t, bPrompts, 1)
	assert.Contains(t, bPrompts[0], "handoff payload")

	cPrompts := callsTo(client, "you are C")
	require.Len(t, cPrompts, 1)
	assert.NotContains(t, cPrompts[0], "handoff payload")
}

func TestFailureSkipsDownstream(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Err: errors.New("boom")}).
		On("you are B", llm.Script{Final: "never runs"})
	s, hub := newTestScheduler(t, client, nil)

	design := &Design{
		ID: "d1",
		Blocks: []Block{
			{ID: "b1", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}},
			{ID: "b2", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "B", SystemPrompt: "you are B"}}},
		},
		Connections: []Connection{{SourceBlock: "b1", TargetBlock: "b2", Kind: ConnBlock}},
	}

	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, StatusFailed, exec.Status())

	r1, _ := exec.BlockResult("b1")
	assert.Equal(t, BlockFailed, r1.Status)
	r2, _ := exec.BlockResult("b2")
	assert.Equal(t, BlockSkipped, r2.Status)
	assert.Equal(t, "upstream_failure", r2.SkipReason)
	assert.Empty(t, callsTo(client, "you are B"))

	// The skip is visible on the stream.
	var sawSkip bool
	for _, ev := range hub.Events(exec.ID) {
		if bc, ok := ev.(*stream.BlockCompletedEvent); ok && bc.BlockID == "b2" {
			sawSkip = bc.Skipped
		}
	}
	assert.True(t, sawSkip)
}

// A failing branch does not poison an independent branch; the run counts as
// completed when a terminal block still produced output.
func TestIndependentBranchSurvivesFailure(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Err: errors.New("boom")}).
		On("you are B", llm.Script{Final: "good output"})
	s, _ := newTestScheduler(t, client, nil)

	design := &Design{
		ID: "d1",
		Blocks: []Block{
			{ID: "bad", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}},
			{ID: "good", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "B", SystemPrompt: "you are B"}}},
		},
	}

	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, StatusCompleted, exec.Status())
	good, _ := exec.BlockResult("good")
	assert.Equal(t, BlockCompleted, good.Status)
	bad, _ := exec.BlockResult("bad")
	assert.Equal(t, BlockFailed, bad.Status)
}

func TestCancelMidExecution(t *testing.T) {
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = "x"
	}
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Chunks: chunks, ChunkDelay: 10 * time.Millisecond})
	s, hub := newTestScheduler(t, client, nil)

	design := &Design{
		ID:     "d1",
		Blocks: []Block{{ID: "b1", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}}},
	}

	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Cancel(exec.ID))
	waitDone(t, exec)

	assert.Equal(t, StatusCancelled, exec.Status())

	events := hub.Events(exec.ID)
	last := events[len(events)-1]
	done, ok := last.(*stream.ExecutionCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, "cancelled", done.Status)

	// Cancelling a finished execution conflicts.
	assert.Error(t, s.Cancel(exec.ID))
}

func TestExecutionTimeoutFailsRun(t *testing.T) {
	cfg := config.Default()
	cfg.ExecutionTimeout = 30 * time.Millisecond
	chunks := make([]string, 100)
	for i := range chunks {
		chunks[i] = "x"
	}
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Chunks: chunks, ChunkDelay: 10 * time.Millisecond})
	s, _ := newTestScheduler(t, client, cfg)

	design := &Design{
		ID:     "d1",
		Blocks: []Block{{ID: "b1", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}}},
	}

	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Equal(t, StatusFailed, exec.Status())
}

func TestGetListAndUnknownExecution(t *testing.T) {
	client := llm.NewScriptedClient().On("you are A", llm.Script{Final: "ok"})
	s, _ := newTestScheduler(t, client, nil)

	design := &Design{
		ID:     "d1",
		Blocks: []Block{{ID: "b1", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}}},
	}
	exec, err := s.Start(design, "wf1", "user1", "")
	require.NoError(t, err)
	waitDone(t, exec)

	got, err := s.Get(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.WorkflowID)

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, exec.ID, list[0].ID)
	assert.Equal(t, StatusCompleted, list[0].Status)
	assert.NotNil(t, list[0].FinishedAt)

	_, err = s.Get("exec_ghost")
	assert.Error(t, err)
	assert.Error(t, s.Cancel("exec_ghost"))
}

func TestRetentionEvictsFinishedExecutions(t *testing.T) {
	cfg := config.Default()
	cfg.ExecutionRetention = 20 * time.Millisecond
	client := llm.NewScriptedClient().On("you are A", llm.Script{Final: "ok"})
	s, hub := newTestScheduler(t, client, cfg)

	design := &Design{
		ID:     "d1",
		Blocks: []Block{{ID: "b1", Type: BlockSequential, Task: "t", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}}},
	}
	exec, err := s.Start(design, "", "", "")
	require.NoError(t, err)
	waitDone(t, exec)

	assert.Eventually(t, func() bool {
		_, err := s.Get(exec.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.Events(exec.ID))
}

func TestUserPromptPrefixesBlockTasks(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "one"}).
		On("you are B", llm.Script{Final: "two"})
	s, _ := newTestScheduler(t, client, nil)

	design := &Design{
		ID: "d1",
		Blocks: []Block{
			{ID: "b1", Type: BlockSequential, Task: "stage one", Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}}},
			{ID: "b2", Type: BlockSequential, Task: "stage two", Agents: []AgentDef{{Name: "B", SystemPrompt: "you are B"}}},
		},
		Connections: []Connection{{SourceBlock: "b1", TargetBlock: "b2", Kind: ConnBlock}},
	}

	exec, err := s.Start(design, "wf1", "user1", "ship the release")
	require.NoError(t, err)
	waitDone(t, exec)
	require.Equal(t, StatusCompleted, exec.Status())

	aPrompts := callsTo(client, "you are A")
	require.Len(t, aPrompts, 1)
	assert.Contains(t, aPrompts[0], "User request: ship the release")
	assert.Contains(t, aPrompts[0], "stage one")

	// Downstream blocks see the request alongside their upstream context.
	bPrompts := callsTo(client, "you are B")
	require.Len(t, bPrompts, 1)
	assert.Contains(t, bPrompts[0], "User request: ship the release")
	assert.Contains(t, bPrompts[0], "Output of b1")

	// The workflow id flows to every agent turn.
	for _, call := range client.Calls() {
		assert.Equal(t, "wf1", call.Metadata["workflow_id"])
	}
}
