package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkDir is the filesystem scope owned by one cached call.
type WorkDir struct {
	stage  string
	id     string
	path   string
	marker string
}

func (w *WorkDir) Stage() string    { return w.stage }
func (w *WorkDir) Identity() string { return w.id }
func (w *WorkDir) Path() string     { return w.path }

// Join returns the absolute path of an artifact inside the directory.
func (w *WorkDir) Join(name string) string { return filepath.Join(w.path, name) }

// Complete reports whether the completion marker is present.
func (w *WorkDir) Complete() bool {
	_, err := os.Stat(filepath.Join(w.path, w.marker))
	return err == nil
}

// Exists reports whether the named artifact is present.
func (w *WorkDir) Exists(name string) bool {
	path, err := w.pathFor(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (w *WorkDir) ReadFile(name string) ([]byte, error) {
	path, err := w.pathFor(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (w *WorkDir) WriteFile(name string, content []byte) error {
	path, err := w.pathFor(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

func (w *WorkDir) pathFor(name string) (string, error) {
	if w == nil {
		return "", fmt.Errorf("working directory is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("artifact name is required")
	}
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid artifact name: %s", name)
	}
	return filepath.Join(w.path, name), nil
}

type workDirKey struct{}

// WithWorkDir scopes ctx to a working directory. The parent context is left
// untouched, so returning from the call restores the caller's scope.
func WithWorkDir(ctx context.Context, wd *WorkDir) context.Context {
	return context.WithValue(ctx, workDirKey{}, wd)
}

// FromContext returns the working directory of the innermost cached call.
func FromContext(ctx context.Context) (*WorkDir, bool) {
	wd, ok := ctx.Value(workDirKey{}).(*WorkDir)
	return wd, ok && wd != nil
}
