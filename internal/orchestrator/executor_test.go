package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/llm"
	"conductor/internal/stream"
)

func testExecutor(t *testing.T, client *llm.ScriptedClient) (*BlockExecutor, *stream.Hub, *llm.ScriptedClient) {
	t.Helper()
	hub := stream.NewHub(500)
	runner := agent.NewRunner(client, hub, 5*time.Second)
	metrics := MustNewMetrics(prometheus.NewRegistry())
	x := NewBlockExecutor(runner, nil, hub, config.Default(), metrics, nil)
	return x, hub, client
}

// callsTo returns the user prompts observed for an agent, matched by its
// system prompt marker.
func callsTo(client *llm.ScriptedClient, marker string) []string {
	var prompts []string
	for _, call := range client.Calls() {
		if strings.Contains(call.System, marker) {
			prompts = append(prompts, call.Messages[0].Content)
		}
	}
	return prompts
}

func TestSequentialChainsOutputs(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "output-A"}).
		On("you are B", llm.Script{Final: "output-B"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockSequential,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}, {Name: "B", SystemPrompt: "you are B"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "the task"})

	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "output-B", result.FinalOutput)
	assert.Equal(t, []string{"A", "B"}, result.AgentsUsed)

	bPrompts := callsTo(client, "you are B")
	require.Len(t, bPrompts, 1)
	assert.Contains(t, bPrompts[0], "the task")
	assert.Contains(t, bPrompts[0], "Previous: output-A")
}

func TestSequentialStopsOnFailure(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Err: errors.New("provider down")}).
		On("you are B", llm.Script{Final: "never"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockSequential,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}, {Name: "B", SystemPrompt: "you are B"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	assert.Equal(t, BlockFailed, result.Status)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, callsTo(client, "you are B"))
}

func TestParallelCollectsInDeclarationOrder(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "alpha", ChunkDelay: 5 * time.Millisecond, Chunks: []string{"al", "pha"}}).
		On("you are B", llm.Script{Final: "beta"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockParallel,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}, {Name: "B", SystemPrompt: "you are B"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	require.Equal(t, BlockCompleted, result.Status)
	// Declaration order regardless of which finished first.
	require.Len(t, result.PerAgentOutputs, 2)
	assert.Equal(t, "A", result.PerAgentOutputs[0].Name)
	assert.Equal(t, "B", result.PerAgentOutputs[1].Name)
	assert.Contains(t, result.FinalOutput, "alpha")
	assert.Contains(t, result.FinalOutput, "beta")
}

func TestParallelModeratorAggregates(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "alpha"}).
		On("you are B", llm.Script{Final: "beta"}).
		On("you are Mod", llm.Script{Final: "the combined answer"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockParallel,
		Agents: []AgentDef{
			{Name: "A", SystemPrompt: "you are A"},
			{Name: "B", SystemPrompt: "you are B"},
			{Name: "Mod", Role: RoleModerator, SystemPrompt: "you are Mod"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "the combined answer", result.FinalOutput)

	modPrompts := callsTo(client, "you are Mod")
	require.Len(t, modPrompts, 1)
	assert.Contains(t, modPrompts[0], "alpha")
	assert.Contains(t, modPrompts[0], "beta")
}

func TestParallelWorkerFailureFailsBlock(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "alpha"}).
		On("you are B", llm.Script{Err: errors.New("boom")})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockParallel,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}, {Name: "B", SystemPrompt: "you are B"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	assert.Equal(t, BlockFailed, result.Status)
	require.Len(t, result.PerAgentOutputs, 2)
	assert.Empty(t, result.PerAgentOutputs[0].Error)
	assert.NotEmpty(t, result.PerAgentOutputs[1].Error)
}

func TestHierarchicalDelegatesAndSynthesizes(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are M", llm.Script{Final: `{"W1": "subtask one", "W2": "subtask two"}`}).
		On("you are W1", llm.Script{Final: "done one"}).
		On("you are W2", llm.Script{Final: "done two"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockHierarchical,
		Agents: []AgentDef{
			{Name: "M", Role: RoleManager, SystemPrompt: "you are M"},
			{Name: "W1", SystemPrompt: "you are W1"},
			{Name: "W2", SystemPrompt: "you are W2"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "big task"})

	require.Equal(t, BlockCompleted, result.Status)

	w1 := callsTo(client, "you are W1")
	require.Len(t, w1, 1)
	assert.Contains(t, w1[0], "subtask one")
	w2 := callsTo(client, "you are W2")
	require.Len(t, w2, 1)
	assert.Contains(t, w2[0], "subtask two")

	// Manager runs twice: delegation and synthesis.
	managerPrompts := callsTo(client, "you are M")
	require.Len(t, managerPrompts, 2)
	assert.Contains(t, managerPrompts[1], "done one")
	assert.Contains(t, managerPrompts[1], "done two")
}

func TestDebateRoundsBuildTranscript(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "position of A"}).
		On("you are B", llm.Script{Final: "position of B"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockDebate,
		Rounds: 2,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}, {Name: "B", SystemPrompt: "you are B"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "the topic"})

	require.Equal(t, BlockCompleted, result.Status)
	// 2 rounds x 2 participants.
	assert.Len(t, result.PerAgentOutputs, 4)
	assert.Contains(t, result.FinalOutput, "position of A")
	assert.Contains(t, result.FinalOutput, "position of B")

	// Second-round speakers see the first round in their prompt.
	aPrompts := callsTo(client, "you are A")
	require.Len(t, aPrompts, 2)
	assert.Contains(t, aPrompts[1], "[Round 1] B: position of B")
}

func TestDebateModeratorSummarizes(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "pro"}).
		On("you are B", llm.Script{Final: "con"}).
		On("you are Mod", llm.Script{Final: "verdict"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockDebate,
		Agents: []AgentDef{
			{Name: "A", SystemPrompt: "you are A"},
			{Name: "B", SystemPrompt: "you are B"},
			{Name: "Mod", Role: RoleModerator, SystemPrompt: "you are Mod"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "topic"})

	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "verdict", result.FinalOutput)
	// The moderator observes but does not debate.
	modPrompts := callsTo(client, "you are Mod")
	require.Len(t, modPrompts, 1)
	assert.Contains(t, modPrompts[0], "pro")
	assert.Contains(t, modPrompts[0], "con")
}

func TestRoutingDispatchesToChosenSpecialist(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are R", llm.Script{Final: `{"specialist": "S2", "reason": "best fit"}`}).
		On("you are S1", llm.Script{Final: "from S1"}).
		On("you are S2", llm.Script{Final: "from S2"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockRouting,
		Agents: []AgentDef{
			{Name: "R", Role: RoleRouter, SystemPrompt: "you are R"},
			{Name: "S1", Role: RoleSpecialist, SystemPrompt: "you are S1"},
			{Name: "S2", Role: RoleSpecialist, SystemPrompt: "you are S2"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "from S2", result.FinalOutput)
	assert.Empty(t, callsTo(client, "you are S1"))
	assert.Equal(t, []string{"R", "S2"}, result.AgentsUsed)
}

func TestRoutingFallsBackToFirstSpecialist(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are R", llm.Script{Final: "I cannot decide"}).
		On("you are S1", llm.Script{Final: "from S1"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockRouting,
		Agents: []AgentDef{
			{Name: "R", Role: RoleRouter, SystemPrompt: "you are R"},
			{Name: "S1", Role: RoleSpecialist, SystemPrompt: "you are S1"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "from S1", result.FinalOutput)
}

func TestReflectionCritiqueAndRevision(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are W", llm.Script{Final: "the draft"}).
		On("you are X", llm.Script{Final: "needs work"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:   "b1",
		Type: BlockReflection,
		Agents: []AgentDef{
			{Name: "W", SystemPrompt: "you are W"},
			{Name: "X", Role: RoleReflector, SystemPrompt: "you are X"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})

	require.Equal(t, BlockCompleted, result.Status)
	// Draft, critique, revision.
	assert.Len(t, result.PerAgentOutputs, 3)

	critiques := callsTo(client, "you are X")
	require.Len(t, critiques, 1)
	assert.Contains(t, critiques[0], "the draft")

	revisions := callsTo(client, "you are W")
	require.Len(t, revisions, 2)
	assert.Contains(t, revisions[1], "needs work")
}

func TestExecutePublishesBlockEvents(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Chunks: []string{"hel", "lo"}})
	x, hub, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockSequential,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t"})
	require.Equal(t, BlockCompleted, result.Status)
	assert.Equal(t, "hello", result.FinalOutput)

	var types []string
	for _, ev := range hub.Events("exec1") {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []string{
		"block_started",
		"agent_started",
		"agent_chunk",
		"agent_chunk",
		"agent_completed",
		"block_completed",
	}, types)
}

func TestAgentInputOverridesReachPrompt(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "ok"})
	x, _, _ := testExecutor(t, client)

	block := &Block{
		ID:     "b1",
		Type:   BlockSequential,
		Agents: []AgentDef{{Name: "A", SystemPrompt: "you are A"}},
	}
	in := blockInput{Task: "base task", AgentInputs: map[string]string{"A": "handoff from upstream"}}
	result := x.Execute(context.Background(), "exec1", block, in)
	require.Equal(t, BlockCompleted, result.Status)

	prompts := callsTo(client, "you are A")
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "base task")
	assert.Contains(t, prompts[0], "handoff from upstream")
}

// Tool access follows the agent definition alone; a block without a cloned
// workspace still offers tools, and the workflow id rides along for them.
func TestToolAgentKeepsToolsWithoutWorkspace(t *testing.T) {
	client := llm.NewScriptedClient().
		On("you are A", llm.Script{Final: "ok"}).
		On("you are B", llm.Script{Final: "ok"})
	hub := stream.NewHub(500)
	runner := agent.NewRunner(client, hub, 5*time.Second)
	metrics := MustNewMetrics(prometheus.NewRegistry())
	tools := []llm.ToolDefinition{{Name: "editor_read_file"}}
	x := NewBlockExecutor(runner, nil, hub, config.Default(), metrics, tools)

	block := &Block{
		ID:   "b1",
		Type: BlockSequential,
		Agents: []AgentDef{
			{Name: "A", SystemPrompt: "you are A", UseTools: true},
			{Name: "B", SystemPrompt: "you are B"},
		},
	}
	result := x.Execute(context.Background(), "exec1", block, blockInput{Task: "t", WorkflowID: "wf7"})
	require.Equal(t, BlockCompleted, result.Status)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].Tools)
	assert.Empty(t, calls[1].Tools)
	for _, call := range calls {
		assert.Equal(t, "wf7", call.Metadata["workflow_id"])
	}
	assert.Contains(t, calls[0].System, "wf7")
}
