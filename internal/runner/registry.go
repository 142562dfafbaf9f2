package runner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"threatscan/internal/cache/disk"
	"threatscan/internal/cache/remote"
	"threatscan/internal/ledger"
)

const defaultHotEntries = 64

// Stage is a registered cached function as seen by the dependency graph.
// Only values returned by Register implement it.
type Stage interface {
	Name() string
	Version() int
	Dependencies() []Stage
	registry() *Registry
}

// Registry owns the set of cached stages sharing one store. Stage names are
// unique within a registry and every declared dependency must belong to it.
type Registry struct {
	store  *disk.Store
	mirror remote.Mirror
	ledger ledger.Recorder
	runID  string

	hotEntries int
	hot        *lru.Cache[string, any]

	mu     sync.Mutex
	stages map[string]Stage
	order  []string
	fps    map[string]string
}

type Option func(*Registry)

// WithMirror pulls missing entries from m before executing and pushes freshly
// completed ones after.
func WithMirror(m remote.Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithLedger(l ledger.Recorder) Option {
	return func(r *Registry) {
		if l != nil {
			r.ledger = l
		}
	}
}

// WithHotEntries bounds the in-process result cache. Zero disables it.
// Eviction only drops the reference: an evicted ArrayPair may still be held by
// a caller, so its staged arrays stay open until the caller closes them or the
// garbage collector finalizes the file handles.
func WithHotEntries(n int) Option { return func(r *Registry) { r.hotEntries = n } }

func WithRunID(id string) Option {
	return func(r *Registry) {
		if id != "" {
			r.runID = id
		}
	}
}

func NewRegistry(store *disk.Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	r := &Registry{
		store:      store,
		ledger:     ledger.Nop{},
		runID:      uuid.NewString(),
		hotEntries: defaultHotEntries,
		stages:     make(map[string]Stage),
		fps:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hotEntries > 0 {
		hot, err := lru.New[string, any](r.hotEntries)
		if err != nil {
			return nil, fmt.Errorf("hot cache: %w", err)
		}
		r.hot = hot
	}
	return r, nil
}

func (r *Registry) Store() *disk.Store { return r.store }
func (r *Registry) RunID() string      { return r.runID }

// Stages returns the registered stages in registration order.
func (r *Registry) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stages[name])
	}
	return out
}

// Stage looks a registered stage up by name.
func (r *Registry) Stage(name string) (Stage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[name]
	return s, ok
}

// StageNames returns registered names sorted alphabetically.
func (r *Registry) StageNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

func (r *Registry) add(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, dup := r.stages[name]; dup {
		return &DependencyError{Stage: name, Reason: "stage name already registered"}
	}
	for _, d := range s.Dependencies() {
		if err := r.checkLocked(name, d); err != nil {
			return err
		}
	}
	r.stages[name] = s
	r.order = append(r.order, name)
	return nil
}

// checkLocked verifies that d is a stage registered with r. owner names the
// stage declaring d and is empty when d itself is being fingerprinted.
func (r *Registry) checkLocked(owner string, d Stage) error {
	if d == nil {
		return &DependencyError{Stage: owner, Dep: "<nil>", Reason: "not a cached function"}
	}
	stage, dep := owner, d.Name()
	if owner == "" {
		stage, dep = d.Name(), ""
	}
	if d.registry() != r {
		return &DependencyError{Stage: stage, Dep: dep, Reason: "registered with a different registry"}
	}
	if got, ok := r.stages[d.Name()]; !ok || got != d {
		return &DependencyError{Stage: stage, Dep: dep, Reason: "not registered"}
	}
	return nil
}

func (r *Registry) hotGet(id string) (any, bool) {
	if r.hot == nil {
		return nil, false
	}
	return r.hot.Get(id)
}

func (r *Registry) hotAdd(id string, v any) {
	if r.hot != nil {
		r.hot.Add(id, v)
	}
}

func (r *Registry) hotRemove(id string) {
	if r.hot != nil {
		r.hot.Remove(id)
	}
}

func (r *Registry) record(ctx context.Context, e ledger.Entry) {
	e.RunID = r.runID
	if err := r.ledger.Record(ctx, e); err != nil {
		log.WithError(err).WithField("stage", e.Stage).Warn("ledger write failed")
	}
}

// pull asks the mirror for a completed entry and returns it from the local
// store when one was fetched.
func (r *Registry) pull(ctx context.Context, stage, id string) (*disk.WorkDir, bool) {
	if r.mirror == nil {
		return nil, false
	}
	dir, err := r.store.Dir(stage, id)
	if err != nil {
		return nil, false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.WithError(err).Warn("mirror pull skipped")
		return nil, false
	}
	ok, err := r.mirror.Pull(ctx, stage, id, dir)
	if err != nil {
		log.WithError(err).WithField("stage", stage).Warn("mirror pull failed")
		return nil, false
	}
	if !ok {
		_ = os.RemoveAll(dir)
		return nil, false
	}
	wd, err := r.store.Lookup(stage, id)
	if err != nil {
		return nil, false
	}
	return wd, true
}

func (r *Registry) push(ctx context.Context, wd *disk.WorkDir) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Push(ctx, wd.Stage(), wd.Identity(), wd.Path()); err != nil {
		log.WithError(err).WithField("stage", wd.Stage()).Warn("mirror push failed")
	}
}
