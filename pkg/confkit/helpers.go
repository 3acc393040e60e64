package confkit

import (
	"os"
	"path/filepath"
)

// maxWalkDepth bounds upward directory searches.
const maxWalkDepth = 8

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}

// walkUp visits start and its ancestors until stop reports true.
func walkUp(start string, stop func(dir string) bool) (string, bool) {
	dir := filepath.Clean(start)
	for i := 0; i < maxWalkDepth; i++ {
		if stop(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
