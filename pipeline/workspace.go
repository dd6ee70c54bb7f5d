package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Workspace is the exclusively-owned scratch directory tree of one
// conversion run. Exactly one exists per run and it is never shared or
// reused across source images; concurrent runs each allocate their own.
type Workspace struct {
	Root string

	mu        sync.Mutex
	destroyed bool
}

// NewWorkspace allocates a uniquely named scratch directory under parentDir
// (the system temp directory when empty).
func NewWorkspace(parentDir string) (ws *Workspace, err error) {
	if parentDir == "" {
		parentDir = os.TempDir()
	}

	var root string = filepath.Join(parentDir, "isoforge-"+uuid.NewString())
	if err = os.MkdirAll(filepath.Join(root, "tree"), 0o755); err != nil {
		err = fmt.Errorf("create workspace: %w", err)
		return
	}

	ws = &Workspace{Root: root}
	return
}

// TreeDir is where the extracted image contents live.
func (w *Workspace) TreeDir() string {
	return filepath.Join(w.Root, "tree")
}

// Destroy releases the whole scratch tree. It is idempotent and safe to
// defer on every exit path, including cancellation.
func (w *Workspace) Destroy() (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.destroyed {
		return
	}

	w.destroyed = true
	return os.RemoveAll(w.Root)
}
