package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelegationJSON(t *testing.T) {
	workers := []AgentDef{worker("W1"), worker("W2")}

	out := parseDelegation(`Here is my plan: {"W1": "write the parser", "W2": "write the tests"}`, workers, "fallback")
	assert.Equal(t, "write the parser", out["W1"])
	assert.Equal(t, "write the tests", out["W2"])
}

func TestParseDelegationRepairsAlmostJSON(t *testing.T) {
	workers := []AgentDef{worker("W1"), worker("W2")}

	// Trailing comma: invalid JSON that the repair pass fixes.
	out := parseDelegation(`{"W1": "task one", "W2": "task two",}`, workers, "fallback")
	assert.Equal(t, "task one", out["W1"])
	assert.Equal(t, "task two", out["W2"])
}

func TestParseDelegationHeaderSplit(t *testing.T) {
	workers := []AgentDef{worker("W1"), worker("W2")}

	text := "W1: build the index\nW2: write documentation"
	out := parseDelegation(text, workers, "fallback")
	assert.Equal(t, "build the index", out["W1"])
	assert.Equal(t, "write documentation", out["W2"])
}

func TestParseDelegationFallsBackToTask(t *testing.T) {
	workers := []AgentDef{worker("W1"), worker("W2")}

	out := parseDelegation("no assignments here at all", workers, "the original task")
	assert.Equal(t, "the original task", out["W1"])
	assert.Equal(t, "the original task", out["W2"])
}

func TestParseDelegationPartialJSONFillsMissing(t *testing.T) {
	workers := []AgentDef{worker("W1"), worker("W2")}

	out := parseDelegation(`{"W1": "only one assignment"}`, workers, "fallback")
	assert.Equal(t, "only one assignment", out["W1"])
	assert.Equal(t, "fallback", out["W2"])
}

func TestParseRouteDecisionJSON(t *testing.T) {
	specialists := []AgentDef{
		{Name: "CodeExpert", Role: RoleSpecialist},
		{Name: "DocsExpert", Role: RoleSpecialist},
	}

	decision, ok := parseRouteDecision(`{"specialist": "DocsExpert", "reason": "documentation task"}`, specialists)
	require.True(t, ok)
	assert.Equal(t, "DocsExpert", decision.Specialist)
	assert.Equal(t, "documentation task", decision.Reason)

	// Case-insensitive name matching.
	decision, ok = parseRouteDecision(`{"target": "codeexpert"}`, specialists)
	require.True(t, ok)
	assert.Equal(t, "CodeExpert", decision.Specialist)
}

func TestParseRouteDecisionNameScan(t *testing.T) {
	specialists := []AgentDef{{Name: "CodeExpert", Role: RoleSpecialist}}

	decision, ok := parseRouteDecision("I would send this to CodeExpert because it is code.", specialists)
	require.True(t, ok)
	assert.Equal(t, "CodeExpert", decision.Specialist)
}

func TestParseRouteDecisionUnparseable(t *testing.T) {
	specialists := []AgentDef{{Name: "CodeExpert", Role: RoleSpecialist}}

	_, ok := parseRouteDecision("no idea", specialists)
	assert.False(t, ok)
}
