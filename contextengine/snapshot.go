package contextengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
	"github.com/willjackson/claude-code-bridge/protocol"
)

var keyFileBasenames = map[string]bool{
	"package.json": true, "tsconfig.json": true,
	"index.ts": true, "index.js": true,
	"main.ts": true, "main.js": true,
	"app.ts": true, "app.js": true,
	"README.md": true, "CLAUDE.md": true,
}

type fileStat struct {
	MtimeMs int64
	Size    int64
}

// Snapshot is a point-in-time record of the engine's matching file set,
// per spec.md §4.8.
type Snapshot struct {
	ID        uuid.UUID
	Timestamp int64
	Tree      *protocol.DirectoryTree
	Summary   string
	KeyFiles  []string

	files map[string]fileStat
}

// Change describes one file's difference between two snapshots.
type Change struct {
	Path   string
	Action protocol.ArtifactAction
	Diff   string
}

// Delta is the set of changes between a prior snapshot and now.
type Delta struct {
	FromID  uuid.UUID
	Changes []Change
}

// Snapshot walks the root, stat's every matching file, and records the
// result under a fresh id so a later GetDelta can diff against it.
func (e *Engine) Snapshot() (*Snapshot, error) {
	result, err := e.walk()
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.Context, "snapshot_failed", "failed to walk root path", err).With("rootPath", e.cfg.RootPath)
	}

	files := make(map[string]fileStat, len(result.files))
	var keyFiles []string
	for _, rel := range result.files {
		abs := filepath.Join(e.cfg.RootPath, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		files[rel] = fileStat{MtimeMs: info.ModTime().UnixMilli(), Size: info.Size()}
		if keyFileBasenames[filepath.Base(rel)] {
			keyFiles = append(keyFiles, rel)
		}
	}
	sort.Strings(keyFiles)

	snap := &Snapshot{
		ID:        uuid.New(),
		Timestamp: time.Now().UnixMilli(),
		Tree:      result.tree,
		Summary:   summarize(result.files),
		KeyFiles:  keyFiles,
		files:     files,
	}

	e.mu.Lock()
	e.snapshots[snap.ID] = snap
	e.mu.Unlock()

	return snap, nil
}

// GetDelta computes the added/modified/deleted changes between the
// snapshot identified by fromID and the current file set.
func (e *Engine) GetDelta(fromID uuid.UUID) (*Delta, error) {
	e.mu.Lock()
	from, ok := e.snapshots[fromID]
	e.mu.Unlock()
	if !ok {
		return nil, bridgeerr.ErrSnapshotNotFound.With("snapshotId", fromID.String())
	}

	result, err := e.walk()
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.Context, "delta_failed", "failed to walk root path", err).With("rootPath", e.cfg.RootPath)
	}

	now := make(map[string]fileStat, len(result.files))
	for _, rel := range result.files {
		abs := filepath.Join(e.cfg.RootPath, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		now[rel] = fileStat{MtimeMs: info.ModTime().UnixMilli(), Size: info.Size()}
	}

	var changes []Change
	for path, stat := range now {
		prior, existed := from.files[path]
		switch {
		case !existed:
			changes = append(changes, Change{Path: path, Action: protocol.ArtifactCreated})
		case prior.MtimeMs != stat.MtimeMs || prior.Size != stat.Size:
			abs := filepath.Join(e.cfg.RootPath, filepath.FromSlash(path))
			changes = append(changes, Change{Path: path, Action: protocol.ArtifactModified, Diff: readDiffPrefix(abs)})
		}
	}
	for path := range from.files {
		if _, stillExists := now[path]; !stillExists {
			changes = append(changes, Change{Path: path, Action: protocol.ArtifactDeleted})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	return &Delta{FromID: fromID, Changes: changes}, nil
}

const diffPrefixBytes = 1000

// readDiffPrefix reads the first 1000 bytes of a modified file's current
// content, appending "..." if the file is longer, per spec.md §4.8.
func readDiffPrefix(absPath string) string {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return ""
	}
	if len(data) <= diffPrefixBytes {
		return string(data)
	}
	return string(data[:diffPrefixBytes]) + "..."
}

// summarize produces spec.md §4.8's one-line count of files and top-5
// extensions by count.
func summarize(files []string) string {
	counts := make(map[string]int)
	for _, f := range files {
		ext := filepath.Ext(f)
		if ext == "" {
			ext = "(none)"
		}
		counts[ext]++
	}
	type extCount struct {
		ext   string
		count int
	}
	var sorted []extCount
	for ext, c := range counts {
		sorted = append(sorted, extCount{ext, c})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].ext < sorted[j].ext
	})
	if len(sorted) > 5 {
		sorted = sorted[:5]
	}
	parts := make([]string, 0, len(sorted))
	for _, ec := range sorted {
		parts = append(parts, fmt.Sprintf("%s:%d", ec.ext, ec.count))
	}
	return fmt.Sprintf("%d files (%s)", len(files), strings.Join(parts, ", "))
}
