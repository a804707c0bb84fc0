package workflow

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ExpandInputs resolves the map phase's input patterns against root
// and returns the matching file paths, relative to root, sorted and
// deduplicated. A pattern with no glob metacharacters is treated as a
// literal path and must exist.
func ExpandInputs(root string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var matches []string

	add := func(rel string) {
		rel = filepath.ToSlash(rel)
		if !seen[rel] {
			seen[rel] = true
			matches = append(matches, rel)
		}
	}

	var globs []glob.Glob
	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[{") {
			if _, err := os.Stat(filepath.Join(root, pattern)); err != nil {
				return nil, fmt.Errorf("input %q: %w", pattern, err)
			}
			add(pattern)
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("input pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	if len(globs) > 0 {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if d.Name() == ".git" {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			for _, g := range globs {
				if g.Match(rel) {
					add(rel)
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	sort.Strings(matches)
	return matches, nil
}
