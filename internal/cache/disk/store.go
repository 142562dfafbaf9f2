package disk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	defaultMarkerFile = "done"
	defaultMetaFile   = "meta.json"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type Config struct {
	Root       string
	MarkerFile string
	MetaFile   string
}

// Meta records the identity components of a working directory.
type Meta struct {
	Stage       string          `json:"stage"`
	Version     int             `json:"version"`
	Identity    string          `json:"identity"`
	Fingerprint string          `json:"fingerprint"`
	Args        json.RawMessage `json:"args,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Entry is one working directory as seen by List.
type Entry struct {
	Meta
	Dir      string `json:"dir"`
	Complete bool   `json:"complete"`
}

// Store maps cached-call identities to working directories:
//
//	{Root}/
//	  {stage}/
//	    {identity}/
//	      meta.json
//	      done        (written last)
//	      ...artifacts
//
// One identity has exactly one writer. The store does no locking; running two
// processes against the same identity concurrently is unsupported.
type Store struct {
	root     string
	marker   string
	metaFile string
}

func NewStore(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	marker := strings.TrimSpace(cfg.MarkerFile)
	if marker == "" {
		marker = defaultMarkerFile
	}
	metaFile := strings.TrimSpace(cfg.MetaFile)
	if metaFile == "" {
		metaFile = defaultMetaFile
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs, marker: marker, metaFile: metaFile}, nil
}

func (s *Store) Root() string       { return s.root }
func (s *Store) MarkerFile() string { return s.marker }

// Lookup returns the completed working directory for an identity. It returns
// ErrNotFound when nothing exists and *IncompleteResultError (together with the
// directory) when a previous attempt did not finish.
func (s *Store) Lookup(stage, id string) (*WorkDir, error) {
	dir, err := s.dirFor(stage, id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checking cache entry: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cache entry %s is not a directory", dir)
	}
	wd := s.workDir(stage, id, dir)
	if !wd.Complete() {
		return wd, &IncompleteResultError{Stage: stage, Identity: id, Dir: dir}
	}
	return wd, nil
}

// Acquire creates a fresh working directory for meta's identity. Leftovers of a
// failed attempt are removed first so artifacts never mix across attempts.
func (s *Store) Acquire(meta Meta) (*WorkDir, error) {
	dir, err := s.dirFor(meta.Stage, meta.Identity)
	if err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing partial cache entry: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache entry: %w", err)
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, s.metaFile), raw); err != nil {
		return nil, fmt.Errorf("writing cache metadata: %w", err)
	}
	return s.workDir(meta.Stage, meta.Identity, dir), nil
}

// Complete writes the completion marker. After this the directory is immutable.
func (s *Store) Complete(wd *WorkDir) error {
	if wd == nil {
		return fmt.Errorf("working directory is nil")
	}
	if err := writeFileAtomic(filepath.Join(wd.path, s.marker), nil); err != nil {
		return fmt.Errorf("writing completion marker: %w", err)
	}
	return nil
}

// Remove deletes the working directory of one identity.
func (s *Store) Remove(stage, id string) error {
	dir, err := s.dirFor(stage, id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ReadMeta loads the metadata file of a working directory.
func (s *Store) ReadMeta(wd *WorkDir) (Meta, error) {
	var m Meta
	raw, err := os.ReadFile(filepath.Join(wd.path, s.metaFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("parsing cache metadata: %w", err)
	}
	// meta.json is indented, which re-indents the embedded args too.
	if len(m.Args) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, m.Args); err != nil {
			return m, fmt.Errorf("parsing cache metadata args: %w", err)
		}
		m.Args = buf.Bytes()
	}
	return m, nil
}

// List returns every working directory, optionally restricted to one stage,
// sorted by stage then creation time.
func (s *Store) List(stage string) ([]Entry, error) {
	stages := []string{stage}
	if strings.TrimSpace(stage) == "" {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil, err
		}
		stages = stages[:0]
		for _, e := range entries {
			if e.IsDir() {
				stages = append(stages, e.Name())
			}
		}
	}
	var out []Entry
	for _, st := range stages {
		ids, err := os.ReadDir(filepath.Join(s.root, st))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range ids {
			if !e.IsDir() {
				continue
			}
			wd := s.workDir(st, e.Name(), filepath.Join(s.root, st, e.Name()))
			m, err := s.ReadMeta(wd)
			if err != nil {
				m = Meta{Stage: st, Identity: e.Name()}
			}
			out = append(out, Entry{Meta: m, Dir: wd.path, Complete: wd.Complete()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Dir returns where the working directory of an identity lives, whether or not
// it exists yet.
func (s *Store) Dir(stage, id string) (string, error) { return s.dirFor(stage, id) }

// Open returns a handle on the directory of an identity without checking it.
func (s *Store) Open(stage, id string) (*WorkDir, error) {
	dir, err := s.dirFor(stage, id)
	if err != nil {
		return nil, err
	}
	return s.workDir(stage, id, dir), nil
}

func (s *Store) workDir(stage, id, dir string) *WorkDir {
	return &WorkDir{stage: stage, id: id, path: dir, marker: s.marker}
}

func (s *Store) dirFor(stage, id string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("store is nil")
	}
	if !nameRe.MatchString(stage) {
		return "", fmt.Errorf("invalid stage name: %q", stage)
	}
	if !nameRe.MatchString(id) {
		return "", fmt.Errorf("invalid identity: %q", id)
	}
	return filepath.Join(s.root, stage, id), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
