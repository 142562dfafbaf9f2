// Package remote mirrors completed cache working directories to shared object
// storage so another machine can reuse a finished stage instead of recomputing it.
package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Mirror pushes completed working directories and pulls them back on a local miss.
type Mirror interface {
	// Push uploads every file of dir. The completion marker goes last.
	Push(ctx context.Context, stage, id, dir string) error
	// Pull downloads the entry into dir. It returns false when the remote has no
	// completed entry for the identity.
	Pull(ctx context.Context, stage, id, dir string) (bool, error)
}

// MemoryMirror keeps mirrored entries in process memory. Used by tests and
// single-machine dry runs.
type MemoryMirror struct {
	mu      sync.Mutex
	marker  string
	entries map[string]map[string][]byte
}

func NewMemoryMirror(marker string) *MemoryMirror {
	if strings.TrimSpace(marker) == "" {
		marker = "done"
	}
	return &MemoryMirror{marker: marker, entries: make(map[string]map[string][]byte)}
}

func (m *MemoryMirror) Push(_ context.Context, stage, id, dir string) error {
	files, err := listFiles(dir)
	if err != nil {
		return err
	}
	blobs := make(map[string][]byte, len(files))
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return err
		}
		blobs[f] = b
	}
	m.mu.Lock()
	m.entries[stage+"/"+id] = blobs
	m.mu.Unlock()
	return nil
}

func (m *MemoryMirror) Pull(_ context.Context, stage, id, dir string) (bool, error) {
	m.mu.Lock()
	blobs, ok := m.entries[stage+"/"+id]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if _, ok := blobs[m.marker]; !ok {
		return false, nil
	}
	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	sortMarkerLast(names, m.marker)
	for _, name := range names {
		path, err := entryPath(dir, name)
		if err != nil {
			return false, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, err
		}
		if err := os.WriteFile(path, blobs[name], 0o644); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Len reports how many entries have been pushed.
func (m *MemoryMirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func listFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

// entryPath resolves a mirrored file name below dir and rejects names that
// would land outside it.
func entryPath(dir, name string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(rel) || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("mirrored file %q escapes %s", name, dir)
	}
	return filepath.Join(dir, rel), nil
}

// sortMarkerLast orders names so the completion marker is transferred last; a
// transfer interrupted halfway then never looks complete.
func sortMarkerLast(names []string, marker string) {
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == marker) != (names[j] == marker) {
			return names[j] == marker
		}
		return names[i] < names[j]
	})
}
