package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"threatscan/internal/cache/disk"
	"threatscan/internal/cache/remote"
	"threatscan/internal/ledger"
	"threatscan/internal/tensor"
)

type modeArgs struct {
	Mode string `json:"mode"`
}

func newTestRegistry(t *testing.T, root string, opts ...Option) *Registry {
	t.Helper()
	store, err := disk.NewStore(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := NewRegistry(store, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func countingStage(t *testing.T, reg *Registry, name string, version int, calls *int, deps ...Stage) *Cached[modeArgs, string] {
	t.Helper()
	c, err := Register(reg, name, version, BlobCodec[string](), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (string, error) {
		*calls++
		return name + ":" + a.Mode, nil
	}, deps...)
	if err != nil {
		t.Fatalf("Register %s: %v", name, err)
	}
	return c
}

func TestCallExecutesOnce(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	calls := 0
	reg := newTestRegistry(t, root, WithHotEntries(0))
	stage := countingStage(t, reg, "body_parts", 0, &calls)

	for i := 0; i < 3; i++ {
		got, err := stage.Call(ctx, modeArgs{Mode: "sample"})
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got != "body_parts:sample" {
			t.Fatalf("unexpected result %q", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}

	if _, err := stage.Call(ctx, modeArgs{Mode: "train"}); err != nil {
		t.Fatalf("Call train: %v", err)
	}
	if calls != 2 {
		t.Fatalf("different args must execute, got %d calls", calls)
	}

	// A fresh process over the same root sees the committed entries.
	again := 0
	reg2 := newTestRegistry(t, root)
	stage2 := countingStage(t, reg2, "body_parts", 0, &again)
	if _, err := stage2.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Call after restart: %v", err)
	}
	if again != 0 {
		t.Fatalf("restart should hit the disk cache, executed %d times", again)
	}
}

func TestVersionBumpChangesDownstream(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	build := func(upVersion int) (*Cached[modeArgs, string], *int) {
		calls := 0
		var up int
		reg := newTestRegistry(t, root, WithHotEntries(0))
		parts := countingStage(t, reg, "body_parts", upVersion, &up)
		model := countingStage(t, reg, "local_model", 1, &calls, parts)
		return model, &calls
	}

	m1, calls1 := build(0)
	fp1, err := m1.reg.Fingerprint(m1)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if _, err := m1.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if *calls1 != 1 {
		t.Fatalf("expected execution, got %d", *calls1)
	}

	m2, calls2 := build(1)
	fp2, err := m2.reg.Fingerprint(m2)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 == fp2 {
		t.Fatalf("upstream version bump must change downstream fingerprint")
	}
	if _, err := m2.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if *calls2 != 1 {
		t.Fatalf("downstream must re-execute after upstream bump, got %d", *calls2)
	}
}

func TestFingerprintWithoutDepsHashesVersion(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	var n int
	s := countingStage(t, reg, "global_images", 0, &n)
	fp, err := reg.Fingerprint(s)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp != hashParts("v0") {
		t.Fatalf("fingerprint = %s, want hash of version", fp)
	}
}

func TestRecoversFromIncompleteDirectory(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	calls := 0
	rec, err := ledger.NewFileStore(filepath.Join(root, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	reg := newTestRegistry(t, root, WithLedger(rec), WithHotEntries(0))
	stage := countingStage(t, reg, "body_parts", 0, &calls)

	id, err := stage.Identity(modeArgs{Mode: "sample"})
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	dir, _ := reg.store.Dir("body_parts", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.bin"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := stage.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected re-execution, got %d", calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.bin")); !os.IsNotExist(err) {
		t.Fatalf("partial artifacts must be cleared, stat err=%v", err)
	}
	entries, err := rec.List(ctx, "body_parts")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Status != ledger.StatusRecovered {
		t.Fatalf("last status = %s, want recovered", last.Status)
	}
}

func TestFailedCallLeavesNoMarker(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, t.TempDir())
	boom := errors.New("boom")
	stage, err := Register(reg, "local_model", 1, BlobCodec[int](), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (int, error) {
		if err := wd.WriteFile("partial.txt", []byte("x")); err != nil {
			return 0, err
		}
		return 0, boom
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := stage.Call(ctx, modeArgs{Mode: "sample"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	id, _ := stage.Identity(modeArgs{Mode: "sample"})
	_, err = reg.store.Lookup("local_model", id)
	var inc *disk.IncompleteResultError
	if !errors.As(err, &inc) {
		t.Fatalf("expected incomplete entry, got %v", err)
	}
}

func TestDependencyErrors(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	other := newTestRegistry(t, t.TempDir())
	var n int
	foreign := countingStage(t, other, "body_parts", 0, &n)
	noop := func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (string, error) { return "", nil }

	cases := map[string][]Stage{
		"nil":     {nil},
		"foreign": {foreign},
		"ghost":   {&Cached[modeArgs, string]{reg: reg, name: "ghost"}},
	}
	for name, deps := range cases {
		_, err := Register(reg, "local_model_"+name, 0, BlobCodec[string](), noop, deps...)
		var de *DependencyError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DependencyError, got %v", name, err)
		}
	}

	countingStage(t, reg, "body_parts", 0, &n)
	_, err := Register(reg, "body_parts", 1, BlobCodec[string](), noop)
	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("duplicate name: expected DependencyError, got %v", err)
	}
	if len(reg.Stages()) != 1 {
		t.Fatalf("failed registrations must not be added, got %d stages", len(reg.Stages()))
	}
}

func TestDistinctRegistriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	var a, b int
	regA := newTestRegistry(t, t.TempDir())
	regB := newTestRegistry(t, t.TempDir())
	sa := countingStage(t, regA, "body_parts", 0, &a)
	sb := countingStage(t, regB, "body_parts", 0, &b)
	if _, err := sa.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatal(err)
	}
	if a != 1 || b != 1 {
		t.Fatalf("each registry executes on its own store: a=%d b=%d", a, b)
	}
}

func TestHotCacheSkipsDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	var n int
	reg := newTestRegistry(t, root, WithHotEntries(4))
	s := countingStage(t, reg, "body_parts", 0, &n)
	if _, err := s.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatal(err)
	}
	id, _ := s.Identity(modeArgs{Mode: "sample"})
	dir, _ := reg.store.Dir("body_parts", id)
	if err := os.Remove(filepath.Join(dir, blobFile)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Call(ctx, modeArgs{Mode: "sample"})
	if err != nil {
		t.Fatalf("hot call: %v", err)
	}
	if got != "body_parts:sample" || n != 1 {
		t.Fatalf("expected hot hit, got %q after %d executions", got, n)
	}

	if err := s.Invalidate(modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := s.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("invalidate must force execution, got %d", n)
	}
}

func TestMirrorRestoresEntry(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror("done")
	var first, second int

	regA := newTestRegistry(t, t.TempDir(), WithMirror(mirror))
	sa := countingStage(t, regA, "body_parts", 0, &first)
	if _, err := sa.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatal(err)
	}
	if mirror.Len() != 1 {
		t.Fatalf("expected pushed entry, got %d", mirror.Len())
	}

	regB := newTestRegistry(t, t.TempDir(), WithMirror(mirror))
	sb := countingStage(t, regB, "body_parts", 0, &second)
	got, err := sb.Call(ctx, modeArgs{Mode: "sample"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if second != 0 || got != "body_parts:sample" {
		t.Fatalf("expected mirror hit, got %q after %d executions", got, second)
	}
}

func TestArrayPairCodecReopensStagedArrays(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, t.TempDir(), WithHotEntries(0))
	calls := 0
	stage, err := Register(reg, "body_parts", 0, ArrayPairCodec(), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (ArrayPair, error) {
		calls++
		x, err := tensor.Create(wd.Join("x.npy"), 3, 2)
		if err != nil {
			return ArrayPair{}, err
		}
		if err := x.WriteRows(0, tensor.MustFromData([]float32{1, 2, 3, 4, 5, 6}, 3, 2)); err != nil {
			return ArrayPair{}, err
		}
		y := tensor.MustFromData([]float32{0, 1, 0}, 3)
		return ArrayPair{X: x, Y: y, IDs: []string{"a", "b", "c"}}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 2; i++ {
		p, err := stage.Call(ctx, modeArgs{Mode: "sample"})
		if err != nil {
			t.Fatalf("Call: %v", err)
		}
		rows, err := p.X.ReadRows(2, 3)
		if err != nil {
			t.Fatalf("ReadRows: %v", err)
		}
		if fmt.Sprint(rows.Data()) != "[5 6]" {
			t.Fatalf("unexpected row %v", rows.Data())
		}
		if p.Y.Len() != 3 || len(p.IDs) != 3 || p.IDs[1] != "b" {
			t.Fatalf("unexpected pair %+v", p)
		}
		if err := p.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one execution, got %d", calls)
	}
}

func TestArrayPairCodecRejectsMisaligned(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, t.TempDir())
	stage, err := Register(reg, "body_parts", 0, ArrayPairCodec(), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (ArrayPair, error) {
		return ArrayPair{X: tensor.New(3, 2), Y: tensor.New(2)}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err = stage.Call(ctx, modeArgs{Mode: "sample"})
	var sm *tensor.ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
}

func TestWorkDirScopedToCall(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, t.TempDir())
	var inner string
	stage, err := Register(reg, "body_parts", 0, BlobCodec[string](), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (string, error) {
		scoped, ok := disk.FromContext(ctx)
		if !ok || scoped.Path() != wd.Path() {
			return "", fmt.Errorf("context not scoped to working directory")
		}
		inner = wd.Path()
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stage.Call(ctx, modeArgs{Mode: "sample"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, ok := disk.FromContext(ctx); ok {
		t.Fatalf("caller context must be untouched")
	}
	if filepath.Dir(filepath.Dir(inner)) != reg.store.Root() {
		t.Fatalf("working directory %s not under store root", inner)
	}
}

func TestHotEvictionKeepsHeldArraysReadable(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, t.TempDir(), WithHotEntries(1))
	stage, err := Register(reg, "body_parts", 0, ArrayPairCodec(), func(ctx context.Context, wd *disk.WorkDir, a modeArgs) (ArrayPair, error) {
		x, err := tensor.Create(wd.Join("x.npy"), 2, 2)
		if err != nil {
			return ArrayPair{}, err
		}
		if err := x.WriteRows(0, tensor.MustFromData([]float32{1, 2, 3, 4}, 2, 2)); err != nil {
			return ArrayPair{}, err
		}
		return ArrayPair{X: x, Y: tensor.MustFromData([]float32{0, 1}, 2)}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	held, err := stage.Call(ctx, modeArgs{Mode: "train"})
	if err != nil {
		t.Fatalf("Call train: %v", err)
	}
	// A second identity pushes the first out of the one-entry hot cache.
	if _, err := stage.Call(ctx, modeArgs{Mode: "valid"}); err != nil {
		t.Fatalf("Call valid: %v", err)
	}
	rows, err := held.X.ReadRows(1, 2)
	if err != nil {
		t.Fatalf("ReadRows after eviction: %v", err)
	}
	if fmt.Sprint(rows.Data()) != "[3 4]" {
		t.Fatalf("unexpected row %v", rows.Data())
	}
	if err := held.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
