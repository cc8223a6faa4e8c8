// Package contextengine builds a filtered view of a project directory:
// a tree, a ranked file list, budgeted content chunks, and
// snapshot/delta tracking of file state, per spec.md §4.8.
//
// Grounded on the teacher's observer/registry bookkeeping style
// (pkg/mcast/core) for the snapshot table, generalized from "peer
// observers" to "named point-in-time file-state records".
package contextengine

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/protocol"
)

// Config holds the engine's fixed settings, mirroring spec.md §4.8's
// enumerated ContextEngine options.
type Config struct {
	RootPath        string
	IncludePatterns []string
	ExcludePatterns []string
	MaxDepth        int
}

// DefaultMaxDepth is spec.md §4.8's default traversal cap.
const DefaultMaxDepth = 10

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// Engine is a configured view over one root directory.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	snapshots map[uuid.UUID]*Snapshot
}

// New builds an Engine rooted at cfg.RootPath.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), snapshots: make(map[uuid.UUID]*Snapshot)}
}

// BuildTree returns the filtered directory tree rooted at RootPath.
func (e *Engine) BuildTree() (*protocol.DirectoryTree, error) {
	result, err := e.walk()
	if err != nil {
		return nil, err
	}
	return result.tree, nil
}

// CollectFiles returns the root-relative, forward-slash paths of every
// file matching the include/exclude configuration.
func (e *Engine) CollectFiles() ([]string, error) {
	result, err := e.walk()
	if err != nil {
		return nil, err
	}
	return result.files, nil
}

// Rank scores and sorts the matching file set for a free-text query.
func (e *Engine) Rank(query string) ([]RankedFile, error) {
	files, err := e.CollectFiles()
	if err != nil {
		return nil, err
	}
	return rank(query, files), nil
}

// AssembleChunks walks the ranked file list for query, reading whole
// files while the running token estimate fits budgetTokens; the first
// file that would overflow the budget is truncated to fit and assembly
// stops there, per spec.md §4.8. Files that are not valid UTF-8 text are
// skipped.
func (e *Engine) AssembleChunks(query string, budgetTokens int) ([]protocol.FileChunk, error) {
	ranked, err := e.Rank(query)
	if err != nil {
		return nil, err
	}

	var chunks []protocol.FileChunk
	remaining := budgetTokens
	for _, rf := range ranked {
		if remaining <= 0 {
			break
		}
		abs := filepath.Join(e.cfg.RootPath, filepath.FromSlash(rf.Path))
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		if !isValidUTF8Text(data) {
			continue
		}
		content := string(data)
		tokens := estimateTokens(content)
		if tokens <= remaining {
			chunks = append(chunks, protocol.FileChunk{Path: rf.Path, Content: content, Language: languageFor(rf.Path)})
			remaining -= tokens
			continue
		}

		truncated, endLine := truncateToBudget(content, remaining)
		if truncated != "" {
			chunks = append(chunks, protocol.FileChunk{
				Path:      rf.Path,
				Content:   truncated,
				StartLine: 1,
				EndLine:   endLine,
				Language:  languageFor(rf.Path),
			})
		}
		break
	}
	return chunks, nil
}
