package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/agent"
	"conductor/internal/config"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/stream"
	"conductor/internal/workspace"
	"conductor/internal/xerrors"
)

// BlockExecutor runs one block of a design with the pattern it declares.
// The tool catalogue is injected at construction so workspace-bound agents
// can be offered editor tools without the executor knowing the bridge.
type BlockExecutor struct {
	runner     *agent.Runner
	workspaces *workspace.Manager
	hub        *stream.Hub
	cfg        *config.Config
	metrics    *Metrics
	tools      []llm.ToolDefinition
	logger     *logging.Logger
}

// NewBlockExecutor wires the executor. tools may be nil when no tool bridge
// is running.
func NewBlockExecutor(runner *agent.Runner, workspaces *workspace.Manager, hub *stream.Hub, cfg *config.Config, metrics *Metrics, tools []llm.ToolDefinition) *BlockExecutor {
	if cfg == nil {
		cfg = config.Default()
	}
	if metrics == nil {
		metrics = defaultMetrics()
	}
	return &BlockExecutor{
		runner:     runner,
		workspaces: workspaces,
		hub:        hub,
		cfg:        cfg,
		metrics:    metrics,
		tools:      tools,
		logger:     logging.NewComponentLogger("BlockExecutor"),
	}
}

// blockInput carries the data flowing into a block: the composed task, any
// agent-addressed upstream outputs, and the workflow the execution edits.
type blockInput struct {
	Task        string
	WorkflowID  string
	AgentInputs map[string]string
}

// Execute runs the block to completion and returns a tagged result. The
// result is never nil; pattern failures are reported in Status/Error rather
// than as a Go error so the scheduler can continue independent branches.
func (x *BlockExecutor) Execute(ctx context.Context, executionID string, block *Block, in blockInput) *BlockResult {
	start := time.Now()
	result := &BlockResult{
		BlockID: block.ID,
		Pattern: block.Type,
		Status:  BlockCompleted,
	}

	if x.cfg.BlockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.cfg.BlockTimeout)
		defer cancel()
	}

	x.publish(&stream.BlockStartedEvent{
		BaseEvent: stream.NewBaseEvent(executionID),
		BlockID:   block.ID,
		Pattern:   string(block.Type),
	})

	ws, err := x.provisionWorkspace(ctx, executionID, block)
	if err != nil {
		result.Status = BlockFailed
		result.Error = err.Error()
	} else {
		switch block.Type {
		case BlockSequential:
			err = x.runSequential(ctx, executionID, block, in, ws, result)
		case BlockParallel:
			err = x.runParallel(ctx, executionID, block, in, ws, result)
		case BlockHierarchical:
			err = x.runHierarchical(ctx, executionID, block, in, ws, result)
		case BlockDebate:
			err = x.runDebate(ctx, executionID, block, in, ws, result)
		case BlockRouting:
			err = x.runRouting(ctx, executionID, block, in, ws, result)
		case BlockReflection:
			err = x.runReflection(ctx, executionID, block, in, ws, result)
		default:
			err = xerrors.E(xerrors.KindInvalidDesign, "executor.run", block.ID, fmt.Sprintf("unknown block type %q", block.Type))
		}
		if err != nil {
			result.Status = BlockFailed
			result.Error = err.Error()
		}
	}

	result.DurationMS = time.Since(start).Milliseconds()
	x.metrics.ObserveBlockDuration(string(block.Type), string(result.Status), time.Since(start))
	if result.Status == BlockFailed {
		x.metrics.IncBlockFailure(string(block.Type), failureReason(err))
	}

	x.publish(&stream.BlockCompletedEvent{
		BaseEvent:     stream.NewBaseEvent(executionID),
		BlockID:       block.ID,
		Pattern:       string(block.Type),
		ResultSummary: truncate(result.FinalOutput, 300),
		Error:         result.Error,
	})
	return result
}

func failureReason(err error) string {
	if err == nil {
		return "unknown"
	}
	return xerrors.KindOf(err).String()
}

// provisionWorkspace clones the block's repository when one is declared and
// announces the layout on the stream.
func (x *BlockExecutor) provisionWorkspace(ctx context.Context, executionID string, block *Block) (*workspace.Workspace, error) {
	if block.GitRepo == "" || x.workspaces == nil {
		return nil, nil
	}

	names := make([]string, 0, len(block.Agents))
	for _, a := range block.Agents {
		names = append(names, a.Name)
	}
	ws, err := x.workspaces.Prepare(ctx, executionID, block.ID, block.GitRepo, block.GitRef, names, block.IsolateAgentWorkspaces)
	if err != nil {
		return nil, err
	}

	agents := make([]stream.WorkspaceAgent, 0, len(block.Agents))
	for _, a := range block.Agents {
		path, perr := x.workspaces.PathFor(ws, a.Name)
		if perr != nil {
			continue
		}
		agents = append(agents, stream.WorkspaceAgent{Name: a.Name, Path: path})
	}
	x.publish(&stream.WorkspaceInfoEvent{
		BaseEvent: stream.NewBaseEvent(executionID),
		BlockID:   block.ID,
		Mode:      string(ws.Mode),
		Agents:    agents,
	})
	return ws, nil
}

// runAgent performs one agent turn with the block's workspace and tool
// wiring applied.
func (x *BlockExecutor) runAgent(ctx context.Context, executionID, workflowID string, block *Block, def AgentDef, ws *workspace.Workspace, prompt string) *agent.RunResult {
	workingDir := ""
	if ws != nil {
		if path, err := x.workspaces.PathFor(ws, def.Name); err == nil {
			workingDir = path
		}
	}

	// Tool-using agents keep their tools even without a cloned workspace;
	// the workflow's shared tree is still addressable by workflow_id.
	var tools []llm.ToolDefinition
	if def.UseTools {
		tools = x.tools
	}

	return x.runner.Run(ctx, agent.RunRequest{
		ExecutionID:  executionID,
		BlockID:      block.ID,
		AgentName:    def.Name,
		WorkflowID:   workflowID,
		SystemPrompt: def.SystemPrompt,
		UserPrompt:   prompt,
		WorkingDir:   workingDir,
		Tools:        tools,
		Metadata: map[string]string{
			"execution_id":   executionID,
			"block_id":       block.ID,
			"agent_name":     def.Name,
			"workflow_id":    workflowID,
			"workspace_path": workingDir,
		},
	})
}

// promptFor composes an agent's prompt from the block task and any upstream
// output addressed to that agent.
func promptFor(in blockInput, agentName, base string) string {
	prompt := base
	if extra, ok := in.AgentInputs[agentName]; ok && extra != "" {
		prompt = prompt + "\n\nInput from upstream agent:\n" + extra
	}
	return prompt
}

func (x *BlockExecutor) runSequential(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	carry := in.Task
	for _, def := range block.Agents {
		res := x.runAgent(ctx, executionID, in.WorkflowID, block, def, ws, promptFor(in, def.Name, carry))
		result.AgentsUsed = append(result.AgentsUsed, def.Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
		if res.Err != nil {
			return res.Err
		}
		carry = in.Task + "\n\nPrevious: " + res.FinalText
		result.FinalOutput = res.FinalText
	}
	return nil
}

func (x *BlockExecutor) runParallel(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	moderators := block.agentsWithRole(RoleModerator)
	workers := block.agentsWithoutRole(RoleModerator)

	results := make([]*agent.RunResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range workers {
		g.Go(func() error {
			results[i] = x.runAgent(gctx, executionID, in.WorkflowID, block, def, ws, promptFor(in, def.Name, in.Task))
			return nil // individual failures are collected, not propagated
		})
	}
	_ = g.Wait()

	var firstErr error
	var combined strings.Builder
	for i, res := range results {
		result.AgentsUsed = append(result.AgentsUsed, workers[i].Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		fmt.Fprintf(&combined, "## %s\n%s\n\n", workers[i].Name, res.FinalText)
	}
	if firstErr != nil {
		return firstErr
	}
	result.FinalOutput = strings.TrimSpace(combined.String())

	if len(moderators) > 0 {
		mod := moderators[0]
		prompt := fmt.Sprintf("Task: %s\n\nCombine the following agent outputs into a single answer.\n\n%s", in.Task, result.FinalOutput)
		res := x.runAgent(ctx, executionID, in.WorkflowID, block, mod, ws, prompt)
		result.AgentsUsed = append(result.AgentsUsed, mod.Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
		if res.Err != nil {
			return res.Err
		}
		result.FinalOutput = res.FinalText
	}
	return nil
}

func (x *BlockExecutor) runHierarchical(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	manager := block.agentsWithRole(RoleManager)[0]
	workers := block.agentsWithoutRole(RoleManager)

	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name)
	}
	delegatePrompt := fmt.Sprintf(
		"Task: %s\n\nSplit this task among your workers: %s.\nRespond with a JSON object mapping each worker name to its sub-task.",
		in.Task, strings.Join(names, ", "))

	res := x.runAgent(ctx, executionID, in.WorkflowID, block, manager, ws, promptFor(in, manager.Name, delegatePrompt))
	result.AgentsUsed = append(result.AgentsUsed, manager.Name)
	result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
	if res.Err != nil {
		return res.Err
	}
	assignments := parseDelegation(res.FinalText, workers, in.Task)

	workerResults := make([]*agent.RunResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, def := range workers {
		g.Go(func() error {
			workerResults[i] = x.runAgent(gctx, executionID, in.WorkflowID, block, def, ws, promptFor(in, def.Name, assignments[def.Name]))
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	var report strings.Builder
	for i, wres := range workerResults {
		result.AgentsUsed = append(result.AgentsUsed, workers[i].Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(wres))
		if wres.Err != nil {
			if firstErr == nil {
				firstErr = wres.Err
			}
			continue
		}
		fmt.Fprintf(&report, "## %s\nAssigned: %s\n\n%s\n\n", workers[i].Name, assignments[workers[i].Name], wres.FinalText)
	}
	if firstErr != nil {
		return firstErr
	}

	synthPrompt := fmt.Sprintf("Task: %s\n\nYour workers reported back:\n\n%s\nSynthesize their results into the final answer.",
		in.Task, report.String())
	synth := x.runAgent(ctx, executionID, in.WorkflowID, block, manager, ws, synthPrompt)
	result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(synth))
	if synth.Err != nil {
		return synth.Err
	}
	result.FinalOutput = synth.FinalText
	return nil
}

func (x *BlockExecutor) runDebate(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	participants := block.participants()
	moderators := block.agentsWithRole(RoleModerator)
	rounds := block.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	var transcript strings.Builder
	fmt.Fprintf(&transcript, "Topic: %s\n", in.Task)

	for round := 1; round <= rounds; round++ {
		for _, def := range participants {
			prompt := fmt.Sprintf("%s\n\nRound %d of %d. It is your turn, %s. State your position, responding to the transcript above.",
				transcript.String(), round, rounds, def.Name)
			res := x.runAgent(ctx, executionID, in.WorkflowID, block, def, ws, promptFor(in, def.Name, prompt))
			result.AgentsUsed = appendUnique(result.AgentsUsed, def.Name)
			result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintf(&transcript, "\n[Round %d] %s: %s\n", round, def.Name, res.FinalText)
		}
	}

	if len(moderators) > 0 {
		mod := moderators[0]
		prompt := transcript.String() + "\n\nThe debate is over. Summarize the positions and state the conclusion."
		res := x.runAgent(ctx, executionID, in.WorkflowID, block, mod, ws, prompt)
		result.AgentsUsed = append(result.AgentsUsed, mod.Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
		if res.Err != nil {
			return res.Err
		}
		result.FinalOutput = res.FinalText
	} else {
		result.FinalOutput = transcript.String()
	}
	return nil
}

func (x *BlockExecutor) runRouting(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	router := block.agentsWithRole(RoleRouter)[0]
	specialists := block.agentsWithRole(RoleSpecialist)

	names := make([]string, 0, len(specialists))
	for _, s := range specialists {
		names = append(names, s.Name)
	}
	routePrompt := fmt.Sprintf(
		"Task: %s\n\nChoose the single best specialist for this task from: %s.\nRespond with a JSON object {\"specialist\": \"<name>\", \"reason\": \"...\"}.",
		in.Task, strings.Join(names, ", "))

	res := x.runAgent(ctx, executionID, in.WorkflowID, block, router, ws, promptFor(in, router.Name, routePrompt))
	result.AgentsUsed = append(result.AgentsUsed, router.Name)
	result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
	if res.Err != nil {
		return res.Err
	}

	decision, ok := parseRouteDecision(res.FinalText, specialists)
	if !ok {
		decision = routeDecision{Specialist: specialists[0].Name, Reason: "router output unparseable; using first specialist"}
		x.logger.Warn("block %s: router output did not name a specialist, falling back to %s", block.ID, decision.Specialist)
	}

	chosen := block.agent(decision.Specialist)
	sres := x.runAgent(ctx, executionID, in.WorkflowID, block, *chosen, ws, promptFor(in, chosen.Name, in.Task))
	result.AgentsUsed = append(result.AgentsUsed, chosen.Name)
	result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(sres))
	if sres.Err != nil {
		return sres.Err
	}
	result.FinalOutput = sres.FinalText
	return nil
}

func (x *BlockExecutor) runReflection(ctx context.Context, executionID string, block *Block, in blockInput, ws *workspace.Workspace, result *BlockResult) error {
	reflector := block.agentsWithRole(RoleReflector)[0]
	worker := block.agentsWithoutRole(RoleReflector)[0]
	rounds := block.Rounds
	if rounds <= 0 {
		rounds = 1
	}

	res := x.runAgent(ctx, executionID, in.WorkflowID, block, worker, ws, promptFor(in, worker.Name, in.Task))
	result.AgentsUsed = append(result.AgentsUsed, worker.Name)
	result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(res))
	if res.Err != nil {
		return res.Err
	}
	draft := res.FinalText

	for round := 1; round <= rounds; round++ {
		critiquePrompt := fmt.Sprintf("Task: %s\n\nDraft:\n%s\n\nCritique this draft. Point out concrete problems and improvements.", in.Task, draft)
		critique := x.runAgent(ctx, executionID, in.WorkflowID, block, reflector, ws, critiquePrompt)
		result.AgentsUsed = appendUnique(result.AgentsUsed, reflector.Name)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(critique))
		if critique.Err != nil {
			return critique.Err
		}

		revisePrompt := fmt.Sprintf("Task: %s\n\nYour draft:\n%s\n\nReviewer feedback:\n%s\n\nProduce a revised version addressing the feedback.",
			in.Task, draft, critique.FinalText)
		revised := x.runAgent(ctx, executionID, in.WorkflowID, block, worker, ws, revisePrompt)
		result.PerAgentOutputs = append(result.PerAgentOutputs, agentOutput(revised))
		if revised.Err != nil {
			return revised.Err
		}
		draft = revised.FinalText
	}

	result.FinalOutput = draft
	return nil
}

func agentOutput(res *agent.RunResult) AgentOutput {
	out := AgentOutput{Name: res.AgentName, Output: res.FinalText}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func appendUnique(list []string, name string) []string {
	for _, v := range list {
		if v == name {
			return list
		}
	}
	return append(list, name)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func (x *BlockExecutor) publish(event stream.Event) {
	if x.hub != nil {
		x.hub.Publish(event)
	}
}
