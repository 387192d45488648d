package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/xerrors"
)

// Mode distinguishes one shared clone from per-agent clones.
type Mode string

const (
	ModeShared   Mode = "shared"
	ModePerAgent Mode = "per_agent"
)

// Workspace is one block's working tree allocation. It is owned exclusively
// by the execution that created it.
type Workspace struct {
	ExecutionID   string            `json:"execution_id"`
	BlockID       string            `json:"block_id"`
	RootPath      string            `json:"root_path"`
	Mode          Mode              `json:"mode"`
	PerAgentPaths map[string]string `json:"per_agent_paths,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// GitRunner clones repositories. Broken out so tests can substitute a fake
// that populates directories without network access.
type GitRunner interface {
	Clone(ctx context.Context, repo, ref, dest string) error
}

// ExecGitRunner shells out to git for clones.
type ExecGitRunner struct {
	logger *logging.Logger
}

// NewExecGitRunner returns the production git runner.
func NewExecGitRunner() *ExecGitRunner {
	return &ExecGitRunner{logger: logging.NewComponentLogger("GitRunner")}
}

// Clone performs a shallow clone of repo at ref into dest.
func (r *ExecGitRunner) Clone(ctx context.Context, repo, ref, dest string) error {
	args := []string{"clone", "--depth=1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repo, dest)

	r.logger.Debug("cloning %s into %s", repo, dest)
	cmd := exec.CommandContext(ctx, "git", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone failed: %w\noutput: %s", err, string(output))
	}
	return nil
}

// releaseFunc is invoked before a root is removed so the editor layer can
// drop its manager for that path.
type releaseFunc func(root string)

// Manager owns the life-cycle of temp working trees per execution and block.
type Manager struct {
	cfg     *config.Config
	git     GitRunner
	logger  *logging.Logger
	release releaseFunc

	mu         sync.Mutex
	workspaces map[string][]*Workspace // executionID -> workspaces
	timers     map[string]*time.Timer  // executionID -> pending grace destroy
}

// NewManager creates a workspace manager using the given git runner.
func NewManager(cfg *config.Config, git GitRunner) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if git == nil {
		git = NewExecGitRunner()
	}
	return &Manager{
		cfg:        cfg,
		git:        git,
		logger:     logging.NewComponentLogger("WorkspaceManager"),
		workspaces: make(map[string][]*Workspace),
		timers:     make(map[string]*time.Timer),
	}
}

// SetReleaseHook registers a callback invoked for each root before removal.
func (m *Manager) SetReleaseHook(fn func(root string)) {
	m.release = fn
}

var unsafeAgentChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeAgentName maps an agent name to a filesystem-safe directory name.
func SanitizeAgentName(name string) string {
	return unsafeAgentChars.ReplaceAllString(name, "_")
}

// executionRoot is the temp parent for all of one execution's workspaces.
// The prefix is load-bearing: the editor service validates untrusted
// workspace_path arguments against it.
func (m *Manager) executionRoot(executionID string) string {
	return m.cfg.IsolatedRootPrefix + executionID
}

// Prepare allocates a working tree for a block. Shared mode performs a single
// clone used by every agent; isolated mode gives each agent a full clone of
// the same ref under a sanitized subdirectory.
func (m *Manager) Prepare(ctx context.Context, executionID, blockID, gitRepo, ref string, agents []string, isolate bool) (*Workspace, error) {
	const op = "workspace.prepare"

	blockRoot := filepath.Join(m.executionRoot(executionID), blockID)
	if err := os.MkdirAll(filepath.Dir(blockRoot), 0o755); err != nil {
		return nil, xerrors.E(xerrors.KindIOError, op, blockRoot, err)
	}

	ws := &Workspace{
		ExecutionID: executionID,
		BlockID:     blockID,
		RootPath:    blockRoot,
		Mode:        ModeShared,
		CreatedAt:   time.Now(),
	}

	if isolate {
		ws.Mode = ModePerAgent
		ws.PerAgentPaths = make(map[string]string, len(agents))
		if err := os.MkdirAll(blockRoot, 0o755); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, blockRoot, err)
		}
		for _, agent := range agents {
			dest := filepath.Join(blockRoot, SanitizeAgentName(agent))
			if err := m.git.Clone(ctx, gitRepo, ref, dest); err != nil {
				m.cleanupPartial(blockRoot)
				return nil, xerrors.E(xerrors.KindIOError, op, dest, err)
			}
			ws.PerAgentPaths[agent] = dest
		}
	} else {
		if err := m.git.Clone(ctx, gitRepo, ref, blockRoot); err != nil {
			m.cleanupPartial(blockRoot)
			return nil, xerrors.E(xerrors.KindIOError, op, blockRoot, err)
		}
	}

	m.mu.Lock()
	m.workspaces[executionID] = append(m.workspaces[executionID], ws)
	m.mu.Unlock()

	m.logger.Info("prepared %s workspace for execution=%s block=%s at %s",
		ws.Mode, executionID, blockID, blockRoot)
	return ws, nil
}

func (m *Manager) cleanupPartial(root string) {
	if err := os.RemoveAll(root); err != nil {
		m.logger.Warn("failed to clean up partial workspace %s: %v", root, err)
	}
}

// PathFor returns the working directory for an agent within a workspace.
func (m *Manager) PathFor(ws *Workspace, agentName string) (string, error) {
	if ws.Mode == ModeShared {
		return ws.RootPath, nil
	}
	path, ok := ws.PerAgentPaths[agentName]
	if !ok {
		return "", xerrors.E(xerrors.KindNotFound, "workspace.path_for", agentName, "unknown agent")
	}
	return path, nil
}

// Workspaces returns the workspaces owned by an execution.
func (m *Manager) Workspaces(executionID string) []*Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Workspace, len(m.workspaces[executionID]))
	copy(out, m.workspaces[executionID])
	return out
}

// OwnsPath reports whether path belongs to one of the execution's workspaces.
func (m *Manager) OwnsPath(executionID, path string) bool {
	root := m.executionRoot(executionID)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepathHasDotDotPrefix(rel))
}

// ExecutionOfPath resolves which live execution owns a workspace path.
// Destroyed workspaces no longer match.
func (m *Manager) ExecutionOfPath(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for executionID := range m.workspaces {
		if m.OwnsPath(executionID, path) {
			return executionID, true
		}
	}
	return "", false
}

func filepathHasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// Destroy removes every workspace of an execution immediately. Safe to call
// twice; the second call is a no-op.
func (m *Manager) Destroy(executionID string) error {
	m.mu.Lock()
	list := m.workspaces[executionID]
	delete(m.workspaces, executionID)
	if t, ok := m.timers[executionID]; ok {
		t.Stop()
		delete(m.timers, executionID)
	}
	m.mu.Unlock()

	if m.release != nil {
		for _, ws := range list {
			m.release(ws.RootPath)
			for _, p := range ws.PerAgentPaths {
				m.release(p)
			}
		}
	}

	root := m.executionRoot(executionID)
	if err := os.RemoveAll(root); err != nil {
		return xerrors.E(xerrors.KindIOError, "workspace.destroy", root, err)
	}
	m.logger.Info("destroyed workspaces for execution=%s", executionID)
	return nil
}

// ScheduleDestroy arranges destruction after the grace window so the operator
// can inspect pending changes before they disappear.
func (m *Manager) ScheduleDestroy(executionID string) {
	grace := m.cfg.WorkspaceGrace
	if grace <= 0 {
		_ = m.Destroy(executionID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[executionID]; ok {
		return
	}
	m.timers[executionID] = time.AfterFunc(grace, func() {
		if err := m.Destroy(executionID); err != nil {
			m.logger.Warn("grace destroy failed for execution=%s: %v", executionID, err)
		}
	})
	m.logger.Debug("scheduled destroy for execution=%s in %s", executionID, grace)
}

// Shutdown destroys everything immediately. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Destroy(id); err != nil {
			m.logger.Warn("shutdown destroy failed for execution=%s: %v", id, err)
		}
	}
}
