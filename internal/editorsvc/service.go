package editorsvc

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"conductor/internal/config"
	"conductor/internal/editor"
	"conductor/internal/logging"
	"conductor/internal/store"
	"conductor/internal/xerrors"
)

const (
	workflowCacheSize = 512
	managerCacheSize  = 1024
)

// Principal identifies the caller of an editor operation. Internal callers
// (the tool bridge) carry the workflow owner's identity forward.
type Principal struct {
	UserID   string
	Internal bool
}

// WorkspaceOwnership resolves the user owning an isolated workspace path.
// The workspace manager and scheduler provide the production implementation.
type WorkspaceOwnership interface {
	OwnerOfPath(path string) (ownerID string, ok bool)
}

// Service multiplexes editor requests to the correct Manager by workflow id
// (shared mode) or workspace path (isolated mode).
type Service struct {
	cfg       *config.Config
	store     store.Store
	ownership WorkspaceOwnership
	logger    *logging.Logger

	// workflowCache reduces Store load under high call rates. Entries expire
	// after WORKFLOW_CACHE_TTL_SECONDS so workflow updates are observed.
	workflowCache *expirable.LRU[string, *store.Workflow]

	// managers keeps one Manager per root so the pending-change set stays
	// coherent across requests within the grace window.
	managers *expirable.LRU[string, *editor.Manager]
}

// NewService creates the editor multiplexer.
func NewService(cfg *config.Config, st store.Store) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:    cfg,
		store:  st,
		logger: logging.NewComponentLogger("EditorService"),
	}
	s.workflowCache = expirable.NewLRU[string, *store.Workflow](workflowCacheSize, nil, cfg.WorkflowCacheTTL)
	s.managers = expirable.NewLRU[string, *editor.Manager](managerCacheSize, func(_ string, m *editor.Manager) {
		m.Release()
	}, cfg.WorkspaceGrace)
	return s
}

// SetWorkspaceOwnership installs the isolated-workspace ownership resolver.
// Without one, workspace paths are validated by prefix alone.
func (s *Service) SetWorkspaceOwnership(o WorkspaceOwnership) {
	s.ownership = o
}

// lookupWorkflow fetches a workflow through the TTL cache.
func (s *Service) lookupWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error) {
	if wf, ok := s.workflowCache.Get(workflowID); ok {
		return wf, nil
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	s.workflowCache.Add(workflowID, wf)
	return wf, nil
}

// ManagerFor resolves the editor manager for a request. Shared mode roots at
// the workflow's working clone; isolated mode validates the workspace path
// prefix and roots there.
func (s *Service) ManagerFor(ctx context.Context, workflowID, workspacePath string, p Principal) (*editor.Manager, error) {
	const op = "editorsvc.manager_for"

	if strings.TrimSpace(workflowID) == "" {
		return nil, xerrors.E(xerrors.KindInvalidInput, op, "workflow_id is required")
	}

	wf, err := s.lookupWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !p.Internal && wf.OwnerID != p.UserID {
		return nil, xerrors.E(xerrors.KindAccessDenied, op, workflowID, "workflow not owned by caller")
	}

	root := wf.LocalPath
	if workspacePath != "" {
		if err := s.ValidateWorkspacePath(workspacePath); err != nil {
			return nil, err
		}
		if s.ownership != nil {
			owner, ok := s.ownership.OwnerOfPath(workspacePath)
			if !ok {
				return nil, xerrors.E(xerrors.KindNotFound, op, workspacePath, "no live workspace at path")
			}
			if !p.Internal && owner != p.UserID {
				return nil, xerrors.E(xerrors.KindAccessDenied, op, workspacePath, "workspace not owned by caller")
			}
		}
		root = workspacePath
	}
	if root == "" {
		return nil, xerrors.E(xerrors.KindNotFound, op, workflowID, "workflow has no working clone")
	}

	return s.managerForRoot(root)
}

// ValidateWorkspacePath enforces the isolated-root prefix on untrusted
// workspace_path arguments.
func (s *Service) ValidateWorkspacePath(workspacePath string) error {
	const op = "editorsvc.validate_workspace_path"

	cleaned := filepath.Clean(workspacePath)
	if !strings.HasPrefix(cleaned, s.cfg.IsolatedRootPrefix) {
		return xerrors.E(xerrors.KindAccessDenied, op, workspacePath, "workspace_path outside isolated root")
	}
	if strings.Contains(workspacePath, "..") {
		return xerrors.E(xerrors.KindAccessDenied, op, workspacePath, "workspace_path must be canonical")
	}
	return nil
}

func (s *Service) managerForRoot(root string) (*editor.Manager, error) {
	if m, ok := s.managers.Get(root); ok {
		return m, nil
	}
	m, err := editor.NewManager(root, s.cfg)
	if err != nil {
		return nil, err
	}
	// A concurrent request may have raced us here; keep the cached one so
	// both callers share a pending set.
	if existing, ok := s.managers.Get(root); ok {
		return existing, nil
	}
	s.managers.Add(root, m)
	return m, nil
}

// ReleaseRoot drops the manager for a root ahead of workspace destruction.
func (s *Service) ReleaseRoot(root string) {
	if m, ok := s.managers.Get(root); ok {
		m.Release()
		s.managers.Remove(root)
	}
}

// ClearCaches resets the workflow and manager caches. Operational recovery
// endpoint support.
func (s *Service) ClearCaches() {
	s.workflowCache.Purge()
	s.managers.Purge()
	s.logger.Info("caches cleared")
}
