// Package pathutil resolves user-supplied file paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading ~ or ~/ to the user's home directory.
// Paths like ~otheruser/... are returned unchanged since other users' home
// directories cannot be resolved reliably.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
