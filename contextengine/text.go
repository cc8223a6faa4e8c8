package contextengine

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

func isValidUTF8Text(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

var extLanguages = map[string]string{
	".ts": "typescript", ".tsx": "typescript",
	".js": "javascript", ".jsx": "javascript",
	".go": "go", ".py": "python", ".rs": "rust",
	".java": "java", ".rb": "ruby", ".md": "markdown",
	".json": "json", ".yaml": "yaml", ".yml": "yaml",
}

func languageFor(relPath string) string {
	return extLanguages[strings.ToLower(filepath.Ext(relPath))]
}
