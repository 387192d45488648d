package store

import (
	"context"
	"sync"

	"conductor/internal/xerrors"
)

// Workflow pairs an owner with a repository. Created and updated by external
// collaborators; the engine consumes it read-only.
type Workflow struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	GitRepo       string `json:"git_repo"`
	DefaultBranch string `json:"default_branch"`

	// LocalPath is the workflow's working clone on this host, maintained by
	// the collaborator that owns workflow life-cycle. Shared-mode editor
	// requests are rooted here.
	LocalPath string `json:"local_path"`
}

// Store is the persistence collaborator. Only the lookups the engine needs
// are specified here.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
}

// MemoryStore is an in-memory Store used by tests and single-node setups.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// PutWorkflow inserts or replaces a workflow.
func (s *MemoryStore) PutWorkflow(wf *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *wf
	s.workflows[wf.ID] = &dup
}

// GetWorkflow implements Store.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, xerrors.E(xerrors.KindNotFound, "store.get_workflow", id)
	}
	dup := *wf
	return &dup, nil
}
