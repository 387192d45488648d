package editor

import (
	"os"
	"path/filepath"
	"strings"

	"conductor/internal/xerrors"
)

// resolve maps a caller-supplied relative path to an absolute path confined to
// the manager root. Absolute inputs and `..` escapes are rejected. Symlinks
// are followed only when their target stays under the root.
func (m *Manager) resolve(op, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "." {
		return m.root, nil
	}
	if filepath.IsAbs(trimmed) {
		return "", xerrors.E(xerrors.KindAccessDenied, op, raw, "absolute paths are not allowed")
	}

	joined := filepath.Join(m.root, filepath.Clean(trimmed))
	if !pathWithinBase(m.root, joined) {
		return "", xerrors.E(xerrors.KindAccessDenied, op, raw, "path escapes the workspace root")
	}

	// Re-check after resolving symlinks on the deepest existing ancestor so a
	// link inside the tree cannot point outside of it.
	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", xerrors.E(xerrors.KindIOError, op, raw, err)
	}
	rootResolved, err := resolveExisting(m.root)
	if err != nil {
		return "", xerrors.E(xerrors.KindIOError, op, raw, err)
	}
	if !pathWithinBase(rootResolved, resolved) {
		return "", xerrors.E(xerrors.KindAccessDenied, op, raw, "symlink target escapes the workspace root")
	}

	return joined, nil
}

// rel converts an absolute path under root back to the external relative form.
func (m *Manager) rel(abs string) string {
	r, err := filepath.Rel(m.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false
	}
	return true
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and rejoins the non-existing suffix.
func resolveExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
