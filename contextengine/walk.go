package contextengine

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/willjackson/claude-code-bridge/protocol"
)

// walkResult is the product of one filtered directory walk: a directory
// tree rooted at cfg.RootPath and the flat set of matching files'
// root-relative, forward-slash paths.
type walkResult struct {
	tree  *protocol.DirectoryTree
	files []string
}

// walk performs the depth-first traversal described in spec.md §4.8:
// symlinks followed but each resolved real path visited at most once,
// broken symlinks and unreadable entries skipped silently, directories
// entered only when descendHeuristic says they might contain a match,
// children sorted directories-first then by name.
func (e *Engine) walk() (*walkResult, error) {
	root := e.cfg.RootPath
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrInvalid
	}

	visited := make(map[string]bool)
	result := &walkResult{tree: &protocol.DirectoryTree{Name: filepath.Base(root), Type: protocol.EntryDirectory}}

	realRoot, err := filepath.EvalSymlinks(root)
	if err == nil {
		visited[realRoot] = true
	}

	children, files := e.walkDir(root, "", 0, visited)
	result.tree.Children = children
	result.files = files
	return result, nil
}

func (e *Engine) walkDir(absDir, relDir string, depth int, visited map[string]bool) ([]protocol.DirectoryTree, []string) {
	if depth >= e.cfg.MaxDepth {
		return nil, nil
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, nil
	}

	type node struct {
		entry os.DirEntry
		isDir bool
	}
	var nodes []node
	for _, entry := range entries {
		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(filepath.Join(absDir, entry.Name()))
			if err != nil {
				continue // broken symlink, skip silently
			}
			fi, err := os.Stat(target)
			if err != nil {
				continue
			}
			isDir = fi.IsDir()
		}
		nodes = append(nodes, node{entry: entry, isDir: isDir})
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].isDir != nodes[j].isDir {
			return nodes[i].isDir
		}
		return nodes[i].entry.Name() < nodes[j].entry.Name()
	})

	var children []protocol.DirectoryTree
	var files []string

	for _, n := range nodes {
		name := n.entry.Name()
		absPath := filepath.Join(absDir, name)
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}

		if n.isDir {
			if !descendHeuristic(relPath, e.cfg.IncludePatterns) {
				continue
			}
			realPath, err := filepath.EvalSymlinks(absPath)
			if err == nil {
				if visited[realPath] {
					continue
				}
				visited[realPath] = true
			}
			grandchildren, subfiles := e.walkDir(absPath, relPath, depth+1, visited)
			children = append(children, protocol.DirectoryTree{Name: name, Type: protocol.EntryDirectory, Children: grandchildren})
			files = append(files, subfiles...)
			continue
		}

		if !e.matches(relPath) {
			continue
		}
		children = append(children, protocol.DirectoryTree{Name: name, Type: protocol.EntryFile})
		files = append(files, relPath)
	}

	return children, files
}

// matches applies spec.md §4.8's exclude-before-include rule: a path is
// kept if it is not excluded, and either no include patterns are
// configured or at least one matches.
func (e *Engine) matches(relPath string) bool {
	for _, pattern := range e.cfg.ExcludePatterns {
		if matchGlob(pattern, relPath) {
			return false
		}
	}
	if len(e.cfg.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range e.cfg.IncludePatterns {
		if matchGlob(pattern, relPath) {
			return true
		}
	}
	return false
}
