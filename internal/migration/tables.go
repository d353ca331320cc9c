package migration

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"stagegate/pkg/errors"
)

// SelectTables matches pattern against available table names. The pattern is a
// glob or a comma-separated list of names and globs; empty or "*" selects all.
// Matching ignores case and the result is sorted without duplicates.
func SelectTables(available []string, pattern string) ([]string, error) {
	var globs []string
	for _, p := range strings.Split(pattern, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid table pattern %q", p), "run.tables")
		}
		globs = append(globs, p)
	}
	if len(globs) == 0 {
		globs = []string{"*"}
	}

	seen := make(map[string]bool)
	var out []string
	for _, name := range available {
		lower := strings.ToLower(name)
		for _, g := range globs {
			if ok, _ := path.Match(g, lower); ok && !seen[name] {
				seen[name] = true
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
