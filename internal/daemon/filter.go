package daemon

import (
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// NameFilter hides configured paths from protocol clients. Patterns use
// gitignore syntax and match against slash-separated paths relative to
// the export root.
type NameFilter struct {
	ignore *ignore.GitIgnore
}

// NewNameFilter compiles hide patterns into a filter. nil or empty
// patterns yield a filter that hides nothing.
func NewNameFilter(patterns []string) *NameFilter {
	if len(patterns) == 0 {
		return &NameFilter{}
	}
	return &NameFilter{ignore: ignore.CompileIgnoreLines(patterns...)}
}

// Hidden reports whether path should be hidden from clients.
func (f *NameFilter) Hidden(path string, isDir bool) bool {
	if f == nil || f.ignore == nil {
		return false
	}
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return false
	}
	if isDir {
		p += "/"
	}
	return f.ignore.MatchesPath(p)
}
