package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/ids"
	"conductor/internal/logging"
	"conductor/internal/stream"
	"conductor/internal/workspace"
	"conductor/internal/xerrors"
)

// Scheduler accepts designs, validates them, and runs their blocks in stable
// topological order. It keeps finished executions around for the retention
// window so clients can fetch logs and results after the fact.
type Scheduler struct {
	cfg        *config.Config
	executor   *BlockExecutor
	hub        *stream.Hub
	workspaces *workspace.Manager
	metrics    *Metrics
	logger     *logging.Logger

	mu         sync.Mutex
	executions map[string]*Execution
}

// NewScheduler wires the scheduler around a block executor.
func NewScheduler(cfg *config.Config, executor *BlockExecutor, hub *stream.Hub, workspaces *workspace.Manager) *Scheduler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Scheduler{
		cfg:        cfg,
		executor:   executor,
		hub:        hub,
		workspaces: workspaces,
		metrics:    defaultMetrics(),
		logger:     logging.NewComponentLogger("Scheduler"),
		executions: make(map[string]*Execution),
	}
}

// Start validates the design and launches it asynchronously. The returned
// execution is registered immediately so streams can attach before the first
// block runs.
func (s *Scheduler) Start(design *Design, workflowID, ownerID, userPrompt string) (*Execution, error) {
	if err := design.Validate(); err != nil {
		return nil, err
	}
	levels, err := design.topoLevels()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if s.cfg.ExecutionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	exec := newExecution(ids.NewExecutionID(), design.ID, workflowID, ownerID, cancel)
	s.mu.Lock()
	s.executions[exec.ID] = exec
	s.mu.Unlock()

	go s.run(ctx, cancel, exec, design, levels, userPrompt)
	return exec, nil
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, exec *Execution, design *Design, levels [][]string, userPrompt string) {
	defer cancel()

	exec.setStatus(StatusRunning)
	s.metrics.IncActiveExecutions()
	defer s.metrics.DecActiveExecutions()

	s.hub.Publish(&stream.ExecutionStartedEvent{
		BaseEvent: stream.NewBaseEvent(exec.ID),
		DesignID:  design.ID,
	})
	s.logger.Info("execution %s started for design %s (%d blocks)", exec.ID, design.ID, len(design.Blocks))

	for _, level := range levels {
		if ctx.Err() != nil {
			break
		}
		for _, blockID := range level {
			if ctx.Err() != nil {
				break
			}
			block := design.block(blockID)

			in, skipReason := s.composeInput(design, exec, block, userPrompt)
			if skipReason != "" {
				result := &BlockResult{
					BlockID:    block.ID,
					Pattern:    block.Type,
					Status:     BlockSkipped,
					SkipReason: skipReason,
				}
				exec.setBlockResult(result)
				s.hub.Publish(&stream.BlockCompletedEvent{
					BaseEvent: stream.NewBaseEvent(exec.ID),
					BlockID:   block.ID,
					Pattern:   string(block.Type),
					Skipped:   true,
					Error:     skipReason,
				})
				continue
			}

			result := s.executor.Execute(ctx, exec.ID, block, in)
			exec.setBlockResult(result)
		}
	}

	s.finish(exec, design)
}

// composeInput builds a block's input from the user's request and its
// upstream results. A non-empty skip reason means the block must not run.
func (s *Scheduler) composeInput(design *Design, exec *Execution, block *Block, userPrompt string) (blockInput, string) {
	in := blockInput{
		Task:        block.Task,
		WorkflowID:  exec.WorkflowID,
		AgentInputs: make(map[string]string),
	}
	if userPrompt != "" {
		in.Task = "User request: " + userPrompt + "\n\n" + block.Task
	}

	var sections []string
	for _, conn := range design.upstream(block.ID) {
		upstream, ok := exec.BlockResult(conn.SourceBlock)
		if !ok || upstream.Status == BlockFailed || upstream.Status == BlockSkipped {
			return blockInput{}, "upstream_failure"
		}

		if conn.Kind == ConnAgent {
			output := upstream.FinalOutput
			if conn.SourceAgent != "" {
				for _, ao := range upstream.PerAgentOutputs {
					if ao.Name == conn.SourceAgent {
						output = ao.Output
					}
				}
			}
			prev := in.AgentInputs[conn.TargetAgent]
			if prev != "" {
				output = prev + "\n\n" + output
			}
			in.AgentInputs[conn.TargetAgent] = output
			continue
		}

		sections = append(sections, "## Output of "+conn.SourceBlock+"\n"+upstream.FinalOutput)
	}

	if len(sections) > 0 {
		in.Task = in.Task + "\n\nContext from previous blocks:\n\n" + strings.Join(sections, "\n\n")
	}
	return in, ""
}

// finish derives the terminal status, emits the terminal event and hands the
// workspaces over to the grace-window destroyer.
func (s *Scheduler) finish(exec *Execution, design *Design) {
	status := StatusCompleted
	errText := ""

	results := exec.BlockResults()
	anyFailed := false
	sinkCompleted := false
	for _, b := range design.Blocks {
		r, ok := results[b.ID]
		if !ok || r.Status != BlockCompleted {
			anyFailed = true
			if r != nil && r.Error != "" && errText == "" {
				errText = r.Error
			}
			continue
		}
		if !design.hasDownstream(b.ID) {
			sinkCompleted = true
		}
	}

	switch {
	case exec.cancelled():
		status = StatusCancelled
		errText = "execution cancelled"
	case anyFailed && !sinkCompleted:
		status = StatusFailed
	case anyFailed:
		// A terminal block still produced output; surface the partial
		// failure in block results but report the run as completed.
		status = StatusCompleted
	}

	exec.setStatus(status)
	s.hub.Publish(&stream.ExecutionCompletedEvent{
		BaseEvent: stream.NewBaseEvent(exec.ID),
		Status:    string(status),
		Error:     errText,
	})
	s.hub.CloseTopic(exec.ID)

	if s.workspaces != nil {
		s.workspaces.ScheduleDestroy(exec.ID)
	}

	retention := s.cfg.ExecutionRetention
	if retention > 0 {
		time.AfterFunc(retention, func() { s.evict(exec.ID) })
	}
	s.logger.Info("execution %s finished with status %s", exec.ID, status)
}

func (s *Scheduler) evict(executionID string) {
	s.mu.Lock()
	delete(s.executions, executionID)
	s.mu.Unlock()
	s.hub.Drop(executionID)
}

// Get returns a registered execution.
func (s *Scheduler) Get(executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "scheduler.get", executionID, "unknown execution")
	}
	return exec, nil
}

// Cancel requests cancellation of a running execution.
func (s *Scheduler) Cancel(executionID string) error {
	exec, err := s.Get(executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return xerrors.E(xerrors.KindConflict, "scheduler.cancel", executionID, "execution already finished")
	}
	exec.Cancel()
	return nil
}

// List returns snapshots of all retained executions, newest first.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	execs := make([]*Execution, 0, len(s.executions))
	for _, e := range s.executions {
		execs = append(execs, e)
	}
	s.mu.Unlock()

	sort.Slice(execs, func(i, j int) bool { return execs[i].StartedAt().After(execs[j].StartedAt()) })
	out := make([]Snapshot, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.Snapshot())
	}
	return out
}

// Shutdown cancels every live execution. Used on process exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	execs := make([]*Execution, 0, len(s.executions))
	for _, e := range s.executions {
		execs = append(execs, e)
	}
	s.mu.Unlock()

	for _, e := range execs {
		if !e.Terminal() {
			e.Cancel()
		}
	}
}
