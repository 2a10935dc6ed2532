package ws

import "path/filepath"

// maskDirectory keeps only the last path element so clients can tell
// workspaces apart without learning where they live.
func maskDirectory(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(dir))
}
