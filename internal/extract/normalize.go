package extract

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	nonColumnChars = regexp.MustCompile(`[^a-z0-9_\s]+`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
	underscoreRun  = regexp.MustCompile(`_+`)
)

// NormalizeColumn lower-cases name, strips everything except letters,
// digits, underscores and whitespace, and turns whitespace into
// underscores. Names that normalize to nothing become column_{index+1}.
func NormalizeColumn(name string, index int) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonColumnChars.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fmt.Sprintf("column_%d", index+1)
	}
	return s
}

// NormalizeColumns normalizes every name and disambiguates collisions with
// numeric suffixes (_2, _3, ...).
func NormalizeColumns(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, name := range names {
		base := NormalizeColumn(name, i)
		n := base
		for k := 2; used[n]; k++ {
			n = fmt.Sprintf("%s_%d", base, k)
		}
		used[n] = true
		out[i] = n
	}
	return out
}

// cleanText collapses internal whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
