package contextengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestUUID() uuid.UUID {
	return uuid.New()
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCollectFilesRespectsIncludeExclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "export const a = 1;")
	writeFile(t, root, "src/b.test.ts", "test")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = {};")

	e := New(Config{
		RootPath:        root,
		IncludePatterns: []string{"src/**"},
		ExcludePatterns: []string{"**/*.test.ts"},
	})

	files, err := e.CollectFiles()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) != 1 || files[0] != "src/a.ts" {
		t.Fatalf("expected only src/a.ts, got %v", files)
	}
}

func TestRankPutsAuthFileFirst(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "auth.ts", "authentication logic")
	writeFile(t, root, "utils.ts", "helpers")
	writeFile(t, root, "login.ts", "login flow")

	e := New(Config{RootPath: root})
	ranked, err := e.Rank("fix authentication bug")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(ranked) == 0 || ranked[0].Path != "auth.ts" {
		t.Fatalf("expected auth.ts to rank first, got %v", ranked)
	}
}

func TestSnapshotDelta(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "original content")

	e := New(Config{RootPath: root})
	s1, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, root, "b.ts", "new file")
	writeFile(t, root, "a.ts", "modified content, now longer than before")

	delta, err := e.GetDelta(s1.ID)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(delta.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %#v", len(delta.Changes), delta.Changes)
	}

	var sawAdded, sawModified bool
	for _, c := range delta.Changes {
		switch {
		case c.Path == "b.ts" && c.Action == "created":
			sawAdded = true
		case c.Path == "a.ts" && c.Action == "modified":
			sawModified = true
			if c.Diff == "" {
				t.Fatal("expected a non-empty diff for the modified file")
			}
		}
	}
	if !sawAdded || !sawModified {
		t.Fatalf("missing expected changes: %#v", delta.Changes)
	}
}

func TestGetDeltaUnknownSnapshotFails(t *testing.T) {
	e := New(Config{RootPath: t.TempDir()})
	if _, err := e.GetDelta(newTestUUID()); err == nil {
		t.Fatal("expected SnapshotNotFound")
	}
}

func TestAssembleChunksFitsBudget(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "one two three four five six seven eight nine ten")

	e := New(Config{RootPath: root})
	chunks, err := e.AssembleChunks("a", 1000)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Path != "a.ts" {
		t.Fatalf("expected a.ts chunk, got %#v", chunks)
	}
}

func TestTruncateToBudgetDropsWholeWords(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	truncated, endLine := truncateToBudget(text, 2)
	if estimateTokens(truncated) > 2 {
		t.Fatalf("expected truncated text to fit budget, got %q", truncated)
	}
	if endLine != 1 {
		t.Fatalf("expected endLine 1 for single-line input, got %d", endLine)
	}
}

func TestTruncateToBudgetTracksLineNumberAcrossMultipleLines(t *testing.T) {
	text := "one two three\nfour five six\nseven eight nine\nten"

	truncated, endLine := truncateToBudget(text, 6)

	if estimateTokens(truncated) > 6 {
		t.Fatalf("expected truncated text to fit budget, got %q", truncated)
	}
	wantLines := strings.Count(truncated, "\n") + 1
	if endLine != wantLines {
		t.Fatalf("expected endLine to match the truncated text's actual line count %d, got %d", wantLines, endLine)
	}
	if endLine == 1 {
		t.Fatalf("expected truncation to span more than one source line")
	}
	if !strings.HasPrefix(truncated, "one two three\nfour") {
		t.Fatalf("expected earlier lines to survive verbatim, got %q", truncated)
	}
}

func TestAssembleChunksSetsLineRangeOnTruncation(t *testing.T) {
	root := t.TempDir()
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line number %d with some words in it", i)
	}
	writeFile(t, root, "big.ts", strings.Join(lines, "\n"))

	e := New(Config{RootPath: root})
	chunks, err := e.AssembleChunks("big", 20)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one truncated chunk, got %#v", chunks)
	}
	chunk := chunks[0]
	if chunk.StartLine != 1 {
		t.Fatalf("expected StartLine 1, got %d", chunk.StartLine)
	}
	wantEndLine := strings.Count(chunk.Content, "\n") + 1
	if chunk.EndLine != wantEndLine {
		t.Fatalf("expected EndLine %d to match truncated content's line count, got %d", wantEndLine, chunk.EndLine)
	}
	if chunk.EndLine == 1 {
		t.Fatalf("expected truncation of a 50-line file to span more than one line")
	}
}
