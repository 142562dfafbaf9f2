package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"threatscan/internal/cache/disk"
	"threatscan/internal/ledger"
)

// Func is the body of a cached stage. wd is the call's exclusive working
// directory; ctx carries the same scope for helpers that only see ctx.
type Func[A, R any] func(ctx context.Context, wd *disk.WorkDir, args A) (R, error)

// Cached is a memoized stage. A call with the same arguments, version and
// dependency fingerprint executes at most once per store; later calls load
// the committed result.
type Cached[A, R any] struct {
	reg     *Registry
	name    string
	version int
	deps    []Stage
	codec   Codec[R]
	fn      Func[A, R]
}

// Register wraps fn as a cached stage named name. deps must already be
// registered with reg; their fingerprints become part of every identity.
func Register[A, R any](reg *Registry, name string, version int, codec Codec[R], fn Func[A, R], deps ...Stage) (*Cached[A, R], error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if codec == nil || fn == nil {
		return nil, fmt.Errorf("stage %s: codec and function are required", name)
	}
	if _, err := reg.store.Dir(name, "probe"); err != nil {
		return nil, err
	}
	c := &Cached[A, R]{
		reg:     reg,
		name:    name,
		version: version,
		deps:    append([]Stage(nil), deps...),
		codec:   codec,
		fn:      fn,
	}
	if err := reg.add(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cached[A, R]) Name() string          { return c.name }
func (c *Cached[A, R]) Version() int          { return c.version }
func (c *Cached[A, R]) Dependencies() []Stage { return append([]Stage(nil), c.deps...) }
func (c *Cached[A, R]) Kind() ResultKind      { return c.codec.Kind() }
func (c *Cached[A, R]) registry() *Registry   { return c.reg }

// Identity returns the content address Call would use for args.
func (c *Cached[A, R]) Identity(args A) (string, error) {
	id, _, _, err := c.resolve(args)
	return id, err
}

func (c *Cached[A, R]) resolve(args A) (id, fp string, raw []byte, err error) {
	raw, err = json.Marshal(args)
	if err != nil {
		return "", "", nil, fmt.Errorf("stage %s: encoding arguments: %w", c.name, err)
	}
	fp, err = c.reg.Fingerprint(c)
	if err != nil {
		return "", "", nil, err
	}
	return identity(c.name, c.version, raw, fp), fp, raw, nil
}

// Call returns the cached result for args, executing the stage when no
// completed entry exists locally or on the mirror. A directory left behind by
// an interrupted attempt is cleared and the stage executed again.
func (c *Cached[A, R]) Call(ctx context.Context, args A) (R, error) {
	var zero R
	id, fp, raw, err := c.resolve(args)
	if err != nil {
		return zero, err
	}
	logger := log.WithFields(log.Fields{"stage": c.name, "identity": shortID(id)})
	entry := ledger.Entry{
		Stage:       c.name,
		Version:     c.version,
		Identity:    id,
		Fingerprint: fp,
		Args:        raw,
	}

	if v, ok := c.reg.hotGet(id); ok {
		if r, ok := v.(R); ok {
			logger.Debug("hot cache hit")
			return r, nil
		}
	}

	recovered := false
	wd, err := c.reg.store.Lookup(c.name, id)
	var incomplete *disk.IncompleteResultError
	switch {
	case err == nil:
		return c.load(ctx, logger, wd, entry)
	case errors.Is(err, disk.ErrNotFound):
		if wd, ok := c.reg.pull(ctx, c.name, id); ok {
			logger.Info("restored from mirror")
			return c.load(ctx, logger, wd, entry)
		}
	case errors.As(err, &incomplete):
		logger.WithError(err).Warn("previous attempt did not complete, executing again")
		recovered = true
	default:
		return zero, err
	}
	return c.execute(ctx, logger, args, entry, recovered)
}

func (c *Cached[A, R]) load(ctx context.Context, logger *log.Entry, wd *disk.WorkDir, entry ledger.Entry) (R, error) {
	r, err := c.codec.Load(wd)
	if err != nil {
		var zero R
		return zero, fmt.Errorf("stage %s: loading cached result %s: %w", c.name, shortID(entry.Identity), err)
	}
	logger.Info("cache hit")
	entry.Status = ledger.StatusHit
	c.reg.record(ctx, entry)
	c.reg.hotAdd(entry.Identity, r)
	return r, nil
}

func (c *Cached[A, R]) execute(ctx context.Context, logger *log.Entry, args A, entry ledger.Entry, recovered bool) (R, error) {
	var zero R
	wd, err := c.reg.store.Acquire(disk.Meta{
		Stage:       c.name,
		Version:     c.version,
		Identity:    entry.Identity,
		Fingerprint: entry.Fingerprint,
		Args:        entry.Args,
		RunID:       c.reg.runID,
	})
	if err != nil {
		return zero, fmt.Errorf("stage %s: %w", c.name, err)
	}
	started := entry
	started.Status = ledger.StatusStarted
	c.reg.record(ctx, started)

	logger.Info("executing")
	begin := time.Now()
	r, err := c.fn(disk.WithWorkDir(ctx, wd), wd, args)
	if err == nil {
		r, err = c.codec.Save(wd, r)
	}
	if err == nil {
		err = c.reg.store.Complete(wd)
	}
	entry.Duration = time.Since(begin)
	if err != nil {
		entry.Status = ledger.StatusFailed
		entry.Error = err.Error()
		c.reg.record(ctx, entry)
		logger.WithError(err).Error("failed")
		return zero, fmt.Errorf("stage %s: %w", c.name, err)
	}

	c.reg.push(ctx, wd)
	entry.Status = ledger.StatusCompleted
	if recovered {
		entry.Status = ledger.StatusRecovered
	}
	c.reg.record(ctx, entry)
	c.reg.hotAdd(entry.Identity, r)
	logger.WithField("elapsed", entry.Duration.Round(time.Millisecond).String()).Info("completed")
	return r, nil
}

// Invalidate removes the committed result for args so the next call executes.
func (c *Cached[A, R]) Invalidate(args A) error {
	id, _, _, err := c.resolve(args)
	if err != nil {
		return err
	}
	c.reg.hotRemove(id)
	return c.reg.store.Remove(c.name, id)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
