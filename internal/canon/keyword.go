package canon

import (
	"regexp"
	"strings"
)

var reSpace = regexp.MustCompile(`\s+`)

// Keyword normalises a search term before it is logged so that "Red  Shoe"
// and "red shoe" count as one trending entry.
func Keyword(s string) string {
	return strings.ToLower(collapseSpaces(s))
}

// Tags normalises a comma separated tag list: entries are trimmed, blanks
// and case-insensitive duplicates dropped, order kept.
func Tags(s string) string {
	parts := strings.Split(s, ",")
	seen := make(map[string]bool, len(parts))
	out := parts[:0]
	for _, p := range parts {
		p = collapseSpaces(p)
		if p == "" {
			continue
		}
		k := strings.ToLower(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return strings.Join(out, ", ")
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}
