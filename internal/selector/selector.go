// Package selector picks device serials by glob pattern.
package selector

import (
	"fmt"
	"path"
	"strings"
)

// Filter keeps the serials that match at least one include pattern (all of
// them when include is empty) and no exclude pattern. Order is preserved.
func Filter(serials, include, exclude []string) ([]string, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if err := validate(p); err != nil {
			return nil, err
		}
	}

	var kept []string
	for _, s := range serials {
		if len(include) > 0 && !matchAny(include, s) {
			continue
		}
		if matchAny(exclude, s) {
			continue
		}
		kept = append(kept, s)
	}
	return kept, nil
}

// Resolve maps a comma-separated list of serials or glob patterns to the
// matching serials, deduplicated and in discovery order. An empty selector
// or "all" selects every serial. Each part must match something.
func Resolve(sel string, serials []string) ([]string, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "all" {
		return serials, nil
	}

	var patterns []string
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validate(part); err != nil {
			return nil, err
		}
		if !matchAnySerial(part, serials) {
			return nil, fmt.Errorf("no devices match %q", part)
		}
		patterns = append(patterns, part)
	}

	var result []string
	for _, s := range serials {
		if matchAny(patterns, s) {
			result = append(result, s)
		}
	}
	return result, nil
}

func validate(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return nil
}

func matchAny(patterns []string, serial string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, serial); ok {
			return true
		}
	}
	return false
}

func matchAnySerial(pattern string, serials []string) bool {
	for _, s := range serials {
		if ok, _ := path.Match(pattern, s); ok {
			return true
		}
	}
	return false
}
