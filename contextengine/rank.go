package contextengine

import (
	"path/filepath"
	"sort"
	"strings"
)

// RankedFile pairs a root-relative path with its query score.
type RankedFile struct {
	Path  string
	Score int
}

var indexBasenames = map[string]bool{
	"index.ts": true, "index.js": true, "main.ts": true, "main.js": true,
}

// keywords lowercases query, splits on whitespace, and keeps tokens
// longer than two characters, per spec.md §4.8.
func keywords(query string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) > 2 {
			out = append(out, tok)
		}
	}
	return out
}

// rank scores and sorts files for a free-text query, per spec.md §4.8's
// ranking function. Ties break on ascending path.
func rank(query string, files []string) []RankedFile {
	kws := keywords(query)
	ranked := make([]RankedFile, 0, len(files))
	for _, path := range files {
		ranked = append(ranked, RankedFile{Path: path, Score: score(path, kws)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Path < ranked[j].Path
	})
	return ranked
}

// score matches a keyword against relPath in either direction: the
// lowered path contains the keyword, or the keyword contains the file's
// basename stem (e.g. query keyword "authentication" against "auth.ts").
// The latter direction is what makes a short, on-topic filename rank for
// a longer descriptive query term.
func score(relPath string, kws []string) int {
	lowered := strings.ToLower(relPath)
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)))
	s := 0
	for _, kw := range kws {
		if strings.Contains(lowered, kw) || (len(stem) > 2 && strings.Contains(kw, stem)) {
			s += 10
		}
	}
	base := filepath.Base(relPath)
	if indexBasenames[base] {
		s += 5
	}
	if base == "package.json" {
		s += 3
	}
	return s
}
