package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"conductor/internal/config"
	"conductor/internal/editor"
	"conductor/internal/editorsvc"
	"conductor/internal/llm"
	"conductor/internal/logging"
	"conductor/internal/stream"
	"conductor/internal/xerrors"
)

// Bridge dispatches model tool calls onto the editor service. Every call is
// logged to the execution's event stream when the caller passes correlation
// arguments; the bridge log is the authoritative tool-call record.
type Bridge struct {
	svc    *editorsvc.Service
	hub    *stream.Hub
	cfg    *config.Config
	logger *logging.Logger

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted // per-agent concurrency caps
}

// NewBridge wires the bridge to the editor service.
func NewBridge(svc *editorsvc.Service, hub *stream.Hub, cfg *config.Config) *Bridge {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Bridge{
		svc:    svc,
		hub:    hub,
		cfg:    cfg,
		logger: logging.NewComponentLogger("ToolBridge"),
		sems:   make(map[string]*semaphore.Weighted),
	}
}

// Tools returns the catalogue advertised to agents.
func (b *Bridge) Tools() []llm.ToolDefinition {
	return Catalogue()
}

// Invoker adapts the bridge to the model client's tool dispatch signature.
func (b *Bridge) Invoker() llm.ToolInvoker {
	return b.Invoke
}

// requiredToolArgs indexes the catalogue's required parameters by tool name.
var requiredToolArgs = func() map[string][]string {
	out := make(map[string][]string)
	for _, def := range Catalogue() {
		out[def.Name] = def.Parameters.Required
	}
	return out
}()

// ValidateArgs checks a tools/call request against the catalogue before
// dispatch. Missing required arguments and malformed workspace paths are
// caller mistakes, reported as invalid params rather than tool failures.
func (b *Bridge) ValidateArgs(name string, args map[string]any) *RPCError {
	required, known := requiredToolArgs[name]
	if !known {
		return nil // unknown tools are reported by dispatch
	}
	for _, key := range required {
		if strArg(args, key) == "" {
			return &RPCError{
				Code:    InvalidParams,
				Message: fmt.Sprintf("%s requires argument %q", name, key),
			}
		}
	}
	if ws := strArg(args, "workspace_path"); ws != "" {
		if err := b.svc.ValidateWorkspacePath(ws); err != nil {
			return &RPCError{Code: InvalidParams, Message: err.Error()}
		}
	}
	return nil
}

func (b *Bridge) semFor(agentKey string) *semaphore.Weighted {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.sems[agentKey]
	if !ok {
		n := int64(b.cfg.ToolCallConcurrency)
		if n <= 0 {
			n = 8
		}
		sem = semaphore.NewWeighted(n)
		b.sems[agentKey] = sem
	}
	return sem
}

// Invoke executes one tool call and returns the JSON-encoded result. Editor
// errors come back as Go errors so the caller can surface them as tool
// failures rather than transport failures.
func (b *Bridge) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if b.cfg.ToolCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.ToolCallTimeout)
		defer cancel()
	}

	agentKey := strArg(args, "agent_name")
	if agentKey == "" {
		agentKey = "anonymous"
	}
	sem := b.semFor(agentKey)
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", xerrors.E(xerrors.KindTimeout, "mcp.invoke", name, err)
	}
	defer sem.Release(1)

	result, err := b.dispatch(ctx, name, args)
	b.record(name, args, result, err)
	if err != nil {
		return "", err
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return "", xerrors.E(xerrors.KindIOError, "mcp.invoke", name, merr)
	}
	return string(data), nil
}

// record publishes a tool-call event when correlation arguments are present.
func (b *Bridge) record(name string, args map[string]any, result any, err error) {
	executionID := strArg(args, "execution_id")
	if executionID == "" || b.hub == nil {
		return
	}

	ev := &stream.ToolCallEvent{
		BaseEvent:   stream.NewBaseEvent(executionID),
		BlockID:     strArg(args, "block_id"),
		Agent:       strArg(args, "agent_name"),
		Name:        name,
		ArgsSummary: summarizeArgs(args),
	}
	if err != nil {
		ev.Error = err.Error()
	} else if data, merr := json.Marshal(result); merr == nil {
		ev.ResultSummary = summarize(string(data))
	}
	b.hub.Publish(ev)
}

func (b *Bridge) dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	const op = "mcp.dispatch"

	mgr, err := b.managerFor(ctx, args)
	if err != nil {
		return nil, err
	}

	switch name {
	case ToolReadFile:
		return mgr.Read(strArg(args, "file_path"))

	case ToolBrowseDirectory:
		return mgr.Browse(strArg(args, "path"), boolArg(args, "include_hidden"))

	case ToolGetTree:
		return mgr.Tree(intArg(args, "max_depth"))

	case ToolSearchFiles:
		return mgr.Search(strArg(args, "query"), strArg(args, "path"), boolArg(args, "case_sensitive"))

	case ToolCreateChange:
		req := editor.CreateChangeRequest{
			Path:         strArg(args, "file_path"),
			Operation:    editor.Operation(strArg(args, "operation")),
			OldPath:      strArg(args, "old_path"),
			GenerateDiff: boolArg(args, "generate_diff"),
			Agent:        strArg(args, "agent_name"),
			Block:        strArg(args, "block_id"),
		}
		if v, ok := args["new_content"]; ok {
			if s, ok := v.(string); ok {
				req.NewContent = &s
			}
		}
		return mgr.CreateChange(req)

	case ToolGetChanges:
		return mgr.ListChanges(editor.Status(strArg(args, "status"))), nil

	case ToolApproveChange:
		return mgr.Approve(strArg(args, "change_id"))

	case ToolRejectChange:
		return mgr.Reject(strArg(args, "change_id"))

	case ToolRollbackChange:
		return mgr.Rollback(strArg(args, "change_id"))

	case ToolCreateDirectory:
		return mgr.CreateDirectory(strArg(args, "path"))

	case ToolMoveFile:
		return mgr.Move(strArg(args, "old_path"), strArg(args, "new_path"), boolArg(args, "generate_diff"))

	case ToolDeleteFile:
		return mgr.Delete(strArg(args, "path"))

	default:
		return nil, xerrors.E(xerrors.KindToolError, op, name, fmt.Sprintf("unknown tool %q", name))
	}
}

// managerFor resolves the editor manager for a tool call. Bridge calls are
// internal: ownership was checked when the execution was accepted.
func (b *Bridge) managerFor(ctx context.Context, args map[string]any) (*editor.Manager, error) {
	workflowID := strArg(args, "workflow_id")
	workspacePath := strArg(args, "workspace_path")
	return b.svc.ManagerFor(ctx, workflowID, workspacePath, editorsvc.Principal{Internal: true})
}

func strArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func boolArg(args map[string]any, key string) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

const summaryLimit = 200

func summarize(s string) string {
	if len(s) <= summaryLimit {
		return s
	}
	return s[:summaryLimit] + "..."
}

func summarizeArgs(args map[string]any) string {
	trimmed := make(map[string]any, len(args))
	for k, v := range args {
		if k == "new_content" {
			if s, ok := v.(string); ok {
				trimmed[k] = fmt.Sprintf("<%d bytes>", len(s))
				continue
			}
		}
		trimmed[k] = v
	}
	data, err := json.Marshal(trimmed)
	if err != nil {
		return ""
	}
	return summarize(string(data))
}
