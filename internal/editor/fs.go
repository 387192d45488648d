package editor

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conductor/internal/xerrors"
)

// ReadResult carries file content plus the metadata the UI needs.
type ReadResult struct {
	Path       string    `json:"path"`
	Content    string    `json:"content"`
	Size       int64     `json:"size"`
	IsBinary   bool      `json:"is_binary"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Entry is one row of a directory listing.
type Entry struct {
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// TreeNode is one node of the recursive listing.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	IsDir    bool        `json:"is_dir"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree wraps the recursive listing with truncation info.
type Tree struct {
	Root      *TreeNode `json:"root"`
	NodeCount int       `json:"node_count"`
	Truncated bool      `json:"truncated"`
}

// Hit is one search match.
type Hit struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// Read returns file content. Reads take no lock: concurrent writers are
// atomic-rename based, so a reader observes a pre- or post-write state but
// never a partial one.
func (m *Manager) Read(path string) (*ReadResult, error) {
	const op = "editor.read"

	abs, err := m.resolve(op, path)
	if err != nil {
		return nil, err
	}
	relPath := m.rel(abs)

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.E(xerrors.KindNotFound, op, relPath)
		}
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
	}
	if info.IsDir() {
		return nil, xerrors.E(xerrors.KindIsDirectory, op, relPath)
	}
	if info.Size() > m.cfg.MaxFileSizeBytes {
		return nil, xerrors.E(xerrors.KindTooLarge, op, relPath)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, err)
	}

	result := &ReadResult{
		Path:       relPath,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
	}
	if isBinaryBytes(data) {
		result.IsBinary = true
		return result, nil
	}
	result.Content = string(data)
	return result, nil
}

// Browse lists one directory level.
func (m *Manager) Browse(path string, includeHidden bool) ([]Entry, error) {
	const op = "editor.browse"

	abs, err := m.resolve(op, path)
	if err != nil {
		return nil, err
	}
	relPath := m.rel(abs)

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.E(xerrors.KindNotFound, op, relPath)
		}
		var pathErr error = err
		if info, statErr := os.Stat(abs); statErr == nil && !info.IsDir() {
			return nil, xerrors.E(xerrors.KindNotDirectory, op, relPath)
		}
		return nil, xerrors.E(xerrors.KindIOError, op, relPath, pathErr)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:       name,
			IsDir:      e.IsDir(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Tree returns the recursive listing bounded by maxDepth and the node cap.
// Hitting a bound truncates instead of failing so the UI always renders
// something useful.
func (m *Manager) Tree(maxDepth int) (*Tree, error) {
	if maxDepth <= 0 || maxDepth > m.cfg.TreeMaxDepth {
		maxDepth = m.cfg.TreeMaxDepth
	}

	tree := &Tree{
		Root: &TreeNode{Name: filepath.Base(m.root), Path: ".", IsDir: true},
	}
	tree.NodeCount = 1
	m.fillTree(tree.Root, m.root, 1, maxDepth, tree)
	return tree, nil
}

func (m *Manager) fillTree(node *TreeNode, abs string, depth, maxDepth int, tree *Tree) {
	if depth > maxDepth || tree.Truncated {
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == ".git" {
			continue
		}
		if tree.NodeCount >= m.cfg.TreeMaxNodes {
			tree.Truncated = true
			return
		}
		childAbs := filepath.Join(abs, name)
		child := &TreeNode{
			Name:  name,
			Path:  m.rel(childAbs),
			IsDir: e.IsDir(),
		}
		node.Children = append(node.Children, child)
		tree.NodeCount++
		if e.IsDir() {
			m.fillTree(child, childAbs, depth+1, maxDepth, tree)
		}
	}
}

// Search performs a substring scan under path (default: root). Binary files
// are skipped; results are capped by SEARCH_MAX_HITS.
func (m *Manager) Search(query, path string, caseSensitive bool) ([]Hit, error) {
	const op = "editor.search"

	if strings.TrimSpace(query) == "" {
		return nil, xerrors.E(xerrors.KindInvalidInput, op, path, "query cannot be empty")
	}

	abs, err := m.resolve(op, path)
	if err != nil {
		return nil, err
	}

	needle := query
	if !caseSensitive {
		needle = strings.ToLower(query)
	}

	hits := make([]Hit, 0, 32)
	maxHits := m.cfg.SearchMaxHits

	walkErr := filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= maxHits {
			return filepath.SkipAll
		}

		info, err := d.Info()
		if err != nil || info.Size() > m.cfg.MaxFileSizeBytes {
			return nil
		}

		file, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer file.Close()

		sniff := make([]byte, 8192)
		n, _ := file.Read(sniff)
		if bytes.IndexByte(sniff[:n], 0) >= 0 {
			return nil
		}
		if _, err := file.Seek(0, 0); err != nil {
			return nil
		}

		relPath := m.rel(p)
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			haystack := line
			if !caseSensitive {
				haystack = strings.ToLower(line)
			}
			col := strings.Index(haystack, needle)
			if col < 0 {
				continue
			}
			hits = append(hits, Hit{
				Path:   relPath,
				Line:   lineNo,
				Column: col + 1,
				Text:   truncateLine(line),
			})
			if len(hits) >= maxHits {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, xerrors.E(xerrors.KindIOError, op, path, walkErr)
	}
	return hits, nil
}

const maxHitLineLength = 500

func truncateLine(line string) string {
	if len(line) <= maxHitLineLength {
		return line
	}
	return line[:maxHitLineLength]
}

// isBinaryBytes sniffs the first 8 KiB for NUL bytes.
func isBinaryBytes(data []byte) bool {
	limit := len(data)
	if limit > 8192 {
		limit = 8192
	}
	return bytes.IndexByte(data[:limit], 0) >= 0
}
