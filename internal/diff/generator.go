package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator handles unified diff generation for change records.
type Generator struct {
	contextLines int
}

// NewGenerator creates a new diff generator.
func NewGenerator(contextLines int) *Generator {
	if contextLines <= 0 {
		contextLines = 3
	}
	return &Generator{contextLines: contextLines}
}

// Result contains the generated diff and statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// maxDiffableSize caps diff generation; larger payloads get a placeholder.
const maxDiffableSize = 10 * 1024 * 1024

// GenerateUnified creates a unified diff between old and new content.
func (g *Generator) GenerateUnified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}

	if len(oldContent) > maxDiffableSize || len(newContent) > maxDiffableSize {
		return &Result{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ Large file, diff skipped @@",
				filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	unified := dmp.PatchToText(patches)

	added, deleted := countLines(diffs)

	return &Result{
		UnifiedDiff:  g.withHeader(unified, filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func (g *Generator) withHeader(patchText, filename string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", filename, filename)
	b.WriteString(patchText)
	return b.String()
}

func countLines(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if lines == 0 && d.Text != "" {
			lines = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			deleted += lines
		}
	}
	return added, deleted
}

// isBinary sniffs for NUL bytes in the first 8 KiB.
func isBinary(content string) bool {
	limit := len(content)
	if limit > 8192 {
		limit = 8192
	}
	return strings.ContainsRune(content[:limit], '\x00')
}
