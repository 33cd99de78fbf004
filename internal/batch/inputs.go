package batch

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/zerr"
)

// ResolveInputs expands each argument with filepath.Glob. A pattern that
// matches nothing is kept as a literal path. Paths matching an ignore
// pattern are dropped and duplicates are removed keeping the first one.
func ResolveInputs(args, ignore []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "invalid input pattern"), "pattern", arg)
		}
		if len(matches) == 0 {
			matches = []string{arg}
		}
		for _, m := range matches {
			if ignored(m, ignore) {
				continue
			}
			out = append(out, m)
		}
	}
	return Dedupe(out), nil
}

// ReadManifest reads one path per line. Lines are trimmed and blank lines
// skipped.
func ReadManifest(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, zerr.Wrap(err, "failed to read manifest")
	}
	return Dedupe(out), nil
}

// LoadManifest reads the manifest file at path.
func LoadManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open manifest"), "path", path)
	}
	defer f.Close()
	return ReadManifest(f)
}

// Dedupe removes repeated strings, keeping the first occurrence of each.
func Dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ignored reports whether path or its base name matches a pattern.
func ignored(path string, patterns []string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, slashed); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
