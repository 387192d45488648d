package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conductor/internal/editor"
	"conductor/internal/xerrors"
)

// workspaceRef addresses a working tree: the workflow's shared clone or, when
// workspace_path is set, one isolated agent clone.
type workspaceRef struct {
	WorkflowID    string `json:"workflow_id" binding:"required"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

func (s *Server) managerFor(c *gin.Context, ref workspaceRef) (*editor.Manager, bool) {
	mgr, err := s.editors.ManagerFor(c.Request.Context(), ref.WorkflowID, ref.WorkspacePath, principal(c))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return mgr, true
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, xerrors.E(xerrors.KindInvalidInput, "http.bind", err))
		return false
	}
	return true
}

type readRequest struct {
	workspaceRef
	FilePath string `json:"file_path"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	result, err := mgr.Read(req.FilePath)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type browseRequest struct {
	workspaceRef
	Path          string `json:"path"`
	IncludeHidden bool   `json:"include_hidden"`
}

func (s *Server) handleBrowse(c *gin.Context) {
	var req browseRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	entries, err := mgr.Browse(req.Path, req.IncludeHidden)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type treeRequest struct {
	workspaceRef
	MaxDepth int `json:"max_depth"`
}

func (s *Server) handleTree(c *gin.Context) {
	var req treeRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	tree, err := mgr.Tree(req.MaxDepth)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

type searchRequest struct {
	workspaceRef
	Query         string `json:"query"`
	Path          string `json:"path"`
	CaseSensitive bool   `json:"case_sensitive"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	hits, err := mgr.Search(req.Query, req.Path, req.CaseSensitive)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

type createChangeRequest struct {
	workspaceRef
	FilePath     string  `json:"file_path"`
	Operation    string  `json:"operation"`
	NewContent   *string `json:"new_content"`
	OldPath      string  `json:"old_path"`
	GenerateDiff bool    `json:"generate_diff"`
}

func (s *Server) handleCreateChange(c *gin.Context) {
	var req createChangeRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	change, err := mgr.CreateChange(editor.CreateChangeRequest{
		Path:         req.FilePath,
		Operation:    editor.Operation(req.Operation),
		NewContent:   req.NewContent,
		OldPath:      req.OldPath,
		GenerateDiff: req.GenerateDiff,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

type listChangesRequest struct {
	workspaceRef
	Status string `json:"status"`
}

func (s *Server) handleListChanges(c *gin.Context) {
	var req listChangesRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	changes := mgr.ListChanges(editor.Status(req.Status))
	c.JSON(http.StatusOK, gin.H{
		"changes":     changes,
		"dirty_files": mgr.DirtyFiles(),
	})
}

type changeIDRequest struct {
	workspaceRef
	ChangeID string `json:"change_id" binding:"required"`
}

func (s *Server) handleApprove(c *gin.Context) {
	s.resolveChange(c, func(mgr *editor.Manager, id string) (*editor.Change, error) {
		return mgr.Approve(id)
	})
}

func (s *Server) handleReject(c *gin.Context) {
	s.resolveChange(c, func(mgr *editor.Manager, id string) (*editor.Change, error) {
		return mgr.Reject(id)
	})
}

func (s *Server) handleRollback(c *gin.Context) {
	s.resolveChange(c, func(mgr *editor.Manager, id string) (*editor.Change, error) {
		return mgr.Rollback(id)
	})
}

func (s *Server) resolveChange(c *gin.Context, op func(*editor.Manager, string) (*editor.Change, error)) {
	var req changeIDRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	change, err := op(mgr, req.ChangeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

type createDirectoryRequest struct {
	workspaceRef
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleCreateDirectory(c *gin.Context) {
	var req createDirectoryRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	change, err := mgr.CreateDirectory(req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

type moveRequest struct {
	workspaceRef
	OldPath      string `json:"old_path" binding:"required"`
	NewPath      string `json:"new_path" binding:"required"`
	GenerateDiff bool   `json:"generate_diff"`
}

func (s *Server) handleMove(c *gin.Context) {
	var req moveRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	change, err := mgr.Move(req.OldPath, req.NewPath, req.GenerateDiff)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

type deleteRequest struct {
	workspaceRef
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteRequest
	if !bindJSON(c, &req) {
		return
	}
	mgr, ok := s.managerFor(c, req.workspaceRef)
	if !ok {
		return
	}
	change, err := mgr.Delete(req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}
