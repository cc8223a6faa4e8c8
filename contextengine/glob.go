package contextengine

import (
	"path/filepath"
	"strings"
)

// matchGlob reports whether relPath (forward-slash, root-relative) matches
// pattern. "**" matches zero or more whole path segments; any other
// segment is matched with filepath.Match, which matches dot-files like any
// other character per spec.md §4.8.
func matchGlob(pattern, relPath string) bool {
	return matchSegments(splitSlash(pattern), splitSlash(relPath))
}

func splitSlash(p string) []string {
	p = filepath.ToSlash(p)
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, _ := filepath.Match(pattern[0], name[0])
	if !ok {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}

// descendHeuristic reports whether a directory at relPath could plausibly
// contain a file matched by one of includes: include is empty, an include
// pattern begins with "**", or a segment-by-segment prefix comparison
// against dirSegs has not falsified every pattern, per spec.md §4.8.
func descendHeuristic(relPath string, includes []string) bool {
	if len(includes) == 0 {
		return true
	}
	dirSegs := splitSlash(relPath)
	for _, pattern := range includes {
		patSegs := splitSlash(pattern)
		if len(patSegs) > 0 && patSegs[0] == "**" {
			return true
		}
		if prefixPlausible(patSegs, dirSegs) {
			return true
		}
	}
	return false
}

func prefixPlausible(patSegs, dirSegs []string) bool {
	for i, seg := range dirSegs {
		if i >= len(patSegs) {
			return false
		}
		if patSegs[i] == "**" {
			return true
		}
		if ok, _ := filepath.Match(patSegs[i], seg); !ok {
			return false
		}
	}
	return true
}
