package editor

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"conductor/internal/config"
	"conductor/internal/diff"
	"conductor/internal/ids"
	"conductor/internal/logging"
	"conductor/internal/xerrors"
)

// Manager is the authoritative interface to one working tree. All file
// operations for a workspace root go through a single Manager so pending
// changes stay coherent across HTTP handlers and tool bridge calls.
type Manager struct {
	root    string
	cfg     *config.Config
	diffGen *diff.Generator
	logger  *logging.Logger

	// rollbackWindow bounds how old an approved change may be and still be
	// rolled back. Reuses the workspace grace window.
	rollbackWindow time.Duration

	mu        sync.Mutex
	pending   map[string]*Change
	history   []*Change
	fileLocks map[string]*sync.Mutex
}

// NewManager creates a manager rooted at root. The root must exist.
func NewManager(root string, cfg *config.Config) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.E(xerrors.KindIOError, "editor.new", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.E(xerrors.KindNotFound, "editor.new", root)
		}
		return nil, xerrors.E(xerrors.KindIOError, "editor.new", root, err)
	}
	if !info.IsDir() {
		return nil, xerrors.E(xerrors.KindNotDirectory, "editor.new", root)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Manager{
		root:           abs,
		cfg:            cfg,
		diffGen:        diff.NewGenerator(3),
		logger:         logging.NewComponentLogger("EditorManager"),
		rollbackWindow: cfg.WorkspaceGrace,
		pending:        make(map[string]*Change),
		fileLocks:      make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the absolute workspace root this manager owns.
func (m *Manager) Root() string {
	return m.root
}

// fileLock returns the per-path mutex, creating it on first use.
func (m *Manager) fileLock(relPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.fileLocks[relPath]
	if !ok {
		lock = &sync.Mutex{}
		m.fileLocks[relPath] = lock
	}
	return lock
}

// lockPaths acquires the per-file locks for the given relative paths in
// lexicographic order so concurrent moves cannot deadlock.
func (m *Manager) lockPaths(paths ...string) func() {
	uniq := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p != "" && !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	locks := make([]*sync.Mutex, 0, len(uniq))
	for _, p := range uniq {
		lock := m.fileLock(p)
		lock.Lock()
		locks = append(locks, lock)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// CreateChange is the central writer: it captures the current disk state,
// applies the mutation atomically and records a pending change.
func (m *Manager) CreateChange(req CreateChangeRequest) (*Change, error) {
	const op = "editor.create_change"

	switch req.Operation {
	case OpCreate, OpUpdate:
		if req.NewContent == nil {
			return nil, xerrors.E(xerrors.KindInvalidInput, op, req.Path, "new_content is required")
		}
	case OpDelete:
		if req.NewContent != nil {
			return nil, xerrors.E(xerrors.KindInvalidInput, op, req.Path, "delete does not take new_content")
		}
	case OpMove:
		if req.OldPath == "" {
			return nil, xerrors.E(xerrors.KindInvalidInput, op, req.Path, "move requires old_path")
		}
	default:
		return nil, xerrors.E(xerrors.KindInvalidInput, op, req.Path, "unknown operation")
	}

	abs, err := m.resolve(op, req.Path)
	if err != nil {
		return nil, err
	}
	var absOld string
	if req.Operation == OpMove {
		absOld, err = m.resolve(op, req.OldPath)
		if err != nil {
			return nil, err
		}
	}

	relPath := m.rel(abs)
	relOld := ""
	if absOld != "" {
		relOld = m.rel(absOld)
	}

	unlock := m.lockPaths(relPath, relOld)
	defer unlock()

	change := &Change{
		ID:        ids.NewChangeID(),
		FilePath:  relPath,
		Operation: req.Operation,
		OldPath:   relOld,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Agent:     req.Agent,
		Block:     req.Block,
	}

	switch req.Operation {
	case OpCreate:
		if _, statErr := os.Lstat(abs); statErr == nil {
			return nil, xerrors.E(xerrors.KindAlreadyExists, op, relPath)
		}
		change.NewContent = req.NewContent
		if err := m.writeFileAtomic(abs, []byte(*req.NewContent)); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
		}

	case OpUpdate:
		old, readErr := m.snapshot(op, abs, relPath)
		if readErr != nil {
			return nil, readErr
		}
		change.OldContent = old
		change.NewContent = req.NewContent
		if err := m.writeFileAtomic(abs, []byte(*req.NewContent)); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
		}

	case OpDelete:
		old, readErr := m.snapshot(op, abs, relPath)
		if readErr != nil {
			return nil, readErr
		}
		change.OldContent = old
		if err := os.Remove(abs); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
		}

	case OpMove:
		old, readErr := m.snapshot(op, absOld, relOld)
		if readErr != nil {
			return nil, readErr
		}
		change.OldContent = old
		if _, statErr := os.Lstat(abs); statErr == nil {
			return nil, xerrors.E(xerrors.KindAlreadyExists, op, relPath)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
		}
		if err := os.Rename(absOld, abs); err != nil {
			return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
		}
	}

	if req.GenerateDiff && req.Operation != OpMove {
		oldText := ""
		if change.OldContent != nil {
			oldText = *change.OldContent
		}
		newText := ""
		if change.NewContent != nil {
			newText = *change.NewContent
		}
		result := m.diffGen.GenerateUnified(oldText, newText, relPath)
		change.Diff = result.UnifiedDiff
		change.AddedLines = result.AddedLines
		change.DeletedLines = result.DeletedLines
	}

	m.mu.Lock()
	m.pending[change.ID] = change
	m.mu.Unlock()

	m.logger.Debug("change %s recorded: %s %s", change.ID, change.Operation, change.FilePath)
	return change.clone(), nil
}

// snapshot reads the current disk content as the canonical undo state.
func (m *Manager) snapshot(op, abs, relPath string) (*string, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.E(xerrors.KindNotFound, op, relPath)
		}
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
	}
	if info.IsDir() {
		return nil, xerrors.E(xerrors.KindIsDirectory, op, relPath)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
	}
	content := string(data)
	return &content, nil
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs and
// renames so readers never observe a partial write.
func (m *Manager) writeFileAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".conductor-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, abs)
}

// Approve marks a pending change approved. Metadata transition only; the
// mutation is already on disk.
func (m *Manager) Approve(changeID string) (*Change, error) {
	return m.resolveChange("editor.approve", changeID, StatusApproved, nil)
}

// Reject reverts the change's disk mutation and moves it to history.
// Overlapping pending changes on the same file should be rejected newest
// first; the manager does not enforce this but lists chronologically.
func (m *Manager) Reject(changeID string) (*Change, error) {
	return m.resolveChange("editor.reject", changeID, StatusRejected, m.revert)
}

func (m *Manager) resolveChange(op, changeID string, to Status, revert func(string, *Change) error) (*Change, error) {
	// Claim the change under the lock so exactly one resolution proceeds;
	// concurrent callers see Conflict instead of racing the revert.
	m.mu.Lock()
	change, ok := m.pending[changeID]
	switch {
	case !ok && m.historyContains(changeID):
		m.mu.Unlock()
		return nil, xerrors.E(xerrors.KindConflict, op, changeID, "change already resolved")
	case !ok:
		m.mu.Unlock()
		return nil, xerrors.E(xerrors.KindNotFound, op, changeID)
	case change.resolving:
		m.mu.Unlock()
		return nil, xerrors.E(xerrors.KindConflict, op, changeID, "change already resolved")
	}
	change.resolving = true
	m.mu.Unlock()

	if revert != nil {
		unlock := m.lockPaths(change.FilePath, change.OldPath)
		err := revert(op, change)
		unlock()
		if err != nil {
			m.mu.Lock()
			change.resolving = false
			m.mu.Unlock()
			return nil, err
		}
	}

	now := time.Now()
	m.mu.Lock()
	change.Status = to
	change.ResolvedAt = &now
	delete(m.pending, changeID)
	m.history = append(m.history, change)
	m.mu.Unlock()

	m.logger.Debug("change %s resolved: %s", changeID, to)
	return change.clone(), nil
}

// revert undoes a change's disk mutation using its create-time snapshot.
// Caller holds the relevant file locks.
func (m *Manager) revert(op string, change *Change) error {
	abs := filepath.Join(m.root, filepath.FromSlash(change.FilePath))

	switch change.Operation {
	case OpCreate:
		if change.IsDir {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return xerrors.E(xerrors.KindIOError, op, change.FilePath, err)
			}
			return nil
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return xerrors.E(xerrors.KindIOError, op, change.FilePath, err)
		}

	case OpUpdate, OpDelete:
		if change.OldContent == nil {
			return xerrors.E(xerrors.KindConflict, op, change.FilePath, "missing undo snapshot")
		}
		if err := m.writeFileAtomic(abs, []byte(*change.OldContent)); err != nil {
			return xerrors.E(xerrors.KindIOError, op, change.FilePath, err)
		}

	case OpMove:
		absOld := filepath.Join(m.root, filepath.FromSlash(change.OldPath))
		if err := os.MkdirAll(filepath.Dir(absOld), 0o755); err != nil {
			return xerrors.E(xerrors.KindIOError, op, change.OldPath, err)
		}
		if err := os.Rename(abs, absOld); err != nil {
			// Destination vanished; restore from snapshot if we have one.
			if change.OldContent != nil {
				if werr := m.writeFileAtomic(absOld, []byte(*change.OldContent)); werr != nil {
					return xerrors.E(xerrors.KindIOError, op, change.OldPath, werr)
				}
				return nil
			}
			return xerrors.E(xerrors.KindIOError, op, change.FilePath, err)
		}
	}
	return nil
}

// Rollback reverts an approved change within the rollback window, recording a
// compensating change in history rather than rewriting intermediate states.
func (m *Manager) Rollback(changeID string) (*Change, error) {
	const op = "editor.rollback"

	m.mu.Lock()
	var target *Change
	for _, c := range m.history {
		if c.ID == changeID {
			target = c
			break
		}
	}
	m.mu.Unlock()

	if target == nil {
		return nil, xerrors.E(xerrors.KindNotFound, op, changeID)
	}
	if target.Status != StatusApproved {
		return nil, xerrors.E(xerrors.KindConflict, op, changeID, "only approved changes can be rolled back")
	}
	if target.ResolvedAt != nil && time.Since(*target.ResolvedAt) > m.rollbackWindow {
		return nil, xerrors.E(xerrors.KindConflict, op, changeID, "rollback window elapsed")
	}

	unlock := m.lockPaths(target.FilePath, target.OldPath)
	err := m.revert(op, target)
	unlock()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	comp := &Change{
		ID:         ids.NewChangeID(),
		FilePath:   target.FilePath,
		Operation:  inverseOperation(target.Operation),
		OldContent: target.NewContent,
		NewContent: target.OldContent,
		OldPath:    target.OldPath,
		Status:     StatusApproved,
		CreatedAt:  now,
		ResolvedAt: &now,
	}

	m.mu.Lock()
	m.history = append(m.history, comp)
	m.mu.Unlock()

	m.logger.Info("change %s rolled back via %s", changeID, comp.ID)
	return comp.clone(), nil
}

func inverseOperation(op Operation) Operation {
	switch op {
	case OpCreate:
		return OpDelete
	case OpDelete:
		return OpCreate
	default:
		return OpUpdate
	}
}

// ListChanges returns pending and resolved changes in chronological order,
// optionally filtered by status.
func (m *Manager) ListChanges(statusFilter Status) []*Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Change, 0, len(m.pending)+len(m.history))
	for _, c := range m.pending {
		if statusFilter == "" || c.Status == statusFilter {
			out = append(out, c.clone())
		}
	}
	for _, c := range m.history {
		if statusFilter == "" || c.Status == statusFilter {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DirtyFiles returns the set of paths touched by pending changes.
func (m *Manager) DirtyFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, c := range m.pending {
		seen[c.FilePath] = true
		if c.OldPath != "" {
			seen[c.OldPath] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// historyContains reports whether a change already resolved. Caller holds m.mu.
func (m *Manager) historyContains(changeID string) bool {
	for _, c := range m.history {
		if c.ID == changeID {
			return true
		}
	}
	return false
}

// CreateDirectory creates a directory and records it as a pending change so
// the reviewer can reject it while it is still empty.
func (m *Manager) CreateDirectory(path string) (*Change, error) {
	const op = "editor.create_directory"

	abs, err := m.resolve(op, path)
	if err != nil {
		return nil, err
	}
	relPath := m.rel(abs)

	unlock := m.lockPaths(relPath)
	defer unlock()

	if _, statErr := os.Lstat(abs); statErr == nil {
		return nil, xerrors.E(xerrors.KindAlreadyExists, op, relPath)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
	}

	change := &Change{
		ID:        ids.NewChangeID(),
		FilePath:  relPath,
		Operation: OpCreate,
		IsDir:     true,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.pending[change.ID] = change
	m.mu.Unlock()
	return change.clone(), nil
}

// Move is a convenience wrapper around CreateChange with operation=move.
func (m *Manager) Move(oldPath, newPath string, generateDiff bool) (*Change, error) {
	return m.CreateChange(CreateChangeRequest{
		Path:         newPath,
		Operation:    OpMove,
		OldPath:      oldPath,
		GenerateDiff: generateDiff,
	})
}

// Delete is a convenience wrapper around CreateChange with operation=delete.
func (m *Manager) Delete(path string) (*Change, error) {
	return m.CreateChange(CreateChangeRequest{
		Path:      path,
		Operation: OpDelete,
	})
}

// Release drops in-memory state ahead of workspace destruction. Pending
// changes are implicitly discarded; disk cleanup is the workspace's job.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pending)
	m.pending = make(map[string]*Change)
	m.history = nil
	m.fileLocks = make(map[string]*sync.Mutex)
	if n > 0 {
		m.logger.Info("released manager for %s with %d unresolved changes", m.root, n)
	}
}
