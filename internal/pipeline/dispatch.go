package pipeline

import (
	"context"
	"fmt"

	"threatscan/internal/dataio"
	"threatscan/internal/runner"
)

// RunArgs is the union of every stage's arguments. Each stage keeps only the
// fields it declares, so unused flags never change an identity.
type RunArgs struct {
	Mode      dataio.Mode
	Size      int
	Symmetric bool
}

func (a RunArgs) mode() ModeArgs { return ModeArgs{Mode: a.Mode} }
func (a RunArgs) global() GlobalArgs {
	return GlobalArgs{Mode: a.Mode, Size: a.Size, Symmetric: a.Symmetric}
}
func (a RunArgs) globalTest() GlobalTestArgs { return GlobalTestArgs{Mode: a.Mode, Size: a.Size} }

// Entry is a stage addressed by name with erased argument and result types.
type Entry struct {
	Stage runner.Stage
	Kind  runner.ResultKind

	run        func(ctx context.Context, a RunArgs) (any, error)
	identity   func(a RunArgs) (string, error)
	invalidate func(a RunArgs) error
}

func (e Entry) Name() string { return e.Stage.Name() }

func (e Entry) Run(ctx context.Context, a RunArgs) (any, error) { return e.run(ctx, a) }

func (e Entry) Identity(a RunArgs) (string, error) { return e.identity(a) }

func (e Entry) Invalidate(a RunArgs) error { return e.invalidate(a) }

func bind[A, R any](c *runner.Cached[A, R], conv func(RunArgs) A) Entry {
	return Entry{
		Stage: c,
		Kind:  c.Kind(),
		run: func(ctx context.Context, a RunArgs) (any, error) {
			return c.Call(ctx, conv(a))
		},
		identity:   func(a RunArgs) (string, error) { return c.Identity(conv(a)) },
		invalidate: func(a RunArgs) error { return c.Invalidate(conv(a)) },
	}
}

// Entries lists every stage in dependency order.
func (p *Pipeline) Entries() []Entry {
	return []Entry{
		bind(p.BodyParts, RunArgs.mode),
		bind(p.BodyPartsTest, RunArgs.mode),
		bind(p.GlobalImages, RunArgs.global),
		bind(p.GlobalImagesTest, RunArgs.globalTest),
		bind(p.LocalModel, RunArgs.mode),
		bind(p.LocalPredictions, RunArgs.mode),
		bind(p.AugmentedGlobalImages, RunArgs.global),
		bind(p.AugmentedGlobalImagesTest, RunArgs.globalTest),
		bind(p.GlobalModel, RunArgs.global),
		bind(p.GlobalPredictions, RunArgs.globalTest),
		bind(p.LocalAnswer, RunArgs.mode),
		bind(p.GlobalAnswer, RunArgs.globalTest),
	}
}

func (p *Pipeline) Entry(name string) (Entry, error) {
	for _, e := range p.Entries() {
		if e.Name() == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("unknown stage %q", name)
}
