package conformance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openfroyo/provision/pkg/discovery"
)

// ScanCorpus expands glob patterns ("packs/*", "vendor/**/*.gtpack") into
// pack paths. A match is a pack when it is a directory holding a manifest or
// a pack archive; other matches are skipped. The result is sorted and free
// of duplicates.
func ScanCorpus(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid corpus pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if seen[m] || !isPack(m) {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func isPack(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return discovery.IsArchive(path)
	}
	for _, name := range discovery.ManifestFileNames {
		if _, err := os.Stat(filepath.Join(path, name)); err == nil {
			return true
		}
	}
	return false
}
