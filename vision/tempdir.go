package vision

import (
	"fmt"
	"os"
	"path/filepath"
)

// tempDir creates the scratch directory for one document's figure crops.
// Every run gets its own directory so concurrent documents never collide,
// and the caller removes it whether the run succeeds or fails.
func tempDir(documentID string) (string, error) {
	dir := filepath.Join(os.TempDir(), "docpipe_vision", documentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create vision temp dir: %w", err)
	}
	return dir, nil
}

func removeTempDir(dir string) {
	if dir != "" {
		os.RemoveAll(dir)
	}
}
