package pipeline

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
	"threatscan/internal/ledger"
	"threatscan/internal/runner"
)

type fixture struct {
	p      *Pipeline
	store  *disk.Store
	ledger *ledger.FileStore
}

func newFixture(t *testing.T, cacheRoot, dataRoot string) fixture {
	t.Helper()
	store, err := disk.NewStore(disk.Config{Root: cacheRoot})
	require.NoError(t, err)
	rec, err := ledger.NewFileStore(filepath.Join(cacheRoot, "ledger.jsonl"))
	require.NoError(t, err)
	reg, err := runner.NewRegistry(store, runner.WithLedger(rec), runner.WithHotEntries(0))
	require.NoError(t, err)
	p, err := New(reg, dataio.NewNpyPartitioner(dataRoot),
		WithSeed(func() uint64 { return 7 }),
		WithChunkBytes(100_000))
	require.NoError(t, err)
	return fixture{p: p, store: store, ledger: rec}
}

func synthData(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, dataio.Synthesize(root, dataio.DefaultSynthConfig()))
	return root
}

func started(t *testing.T, rec *ledger.FileStore, stage string) int {
	t.Helper()
	entries, err := rec.List(context.Background(), stage)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Status == ledger.StatusStarted {
			n++
		}
	}
	return n
}

func readAnswer(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestLocalBranchEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))

	ans, err := fx.p.LocalAnswer.Call(ctx, ModeArgs{Mode: dataio.SampleTest})
	require.NoError(t, err)
	assert.Equal(t, 6, ans.Scans)
	assert.Equal(t, 6*dataio.Zones, ans.Rows)
	assert.False(t, ans.Clipped)

	id, err := fx.p.LocalAnswer.Identity(ModeArgs{Mode: dataio.SampleTest})
	require.NoError(t, err)
	wd, err := fx.store.Lookup(StageLocalAnswer, id)
	require.NoError(t, err)
	rows := readAnswer(t, wd.Join(ans.File))
	require.Len(t, rows, 1+6*dataio.Zones)
	assert.Equal(t, []string{"Id", "Probability"}, rows[0])
	assert.Equal(t, "scan0000_Zone1", rows[1][0])

	modelID, err := fx.p.LocalModel.Identity(ModeArgs{Mode: dataio.SampleTrain})
	require.NoError(t, err)
	mwd, err := fx.store.Lookup(StageLocalModel, modelID)
	require.NoError(t, err)
	assert.True(t, mwd.Exists("performance.txt"))
	assert.True(t, mwd.Exists("model.json"))

	// Everything upstream is cached now.
	_, err = fx.p.LocalAnswer.Call(ctx, ModeArgs{Mode: dataio.SampleTest})
	require.NoError(t, err)
	assert.Equal(t, 1, started(t, fx.ledger, StageLocalModel))
	assert.Equal(t, 2, started(t, fx.ledger, StageBodyParts), "train and valid splits")
}

func TestGlobalBranchClipsAnswer(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))

	ans, err := fx.p.GlobalAnswer.Call(ctx, GlobalTestArgs{Mode: dataio.SampleTest, Size: 8})
	require.NoError(t, err)
	assert.True(t, ans.Clipped)
	assert.Equal(t, 6*dataio.Zones, ans.Rows)

	id, err := fx.p.GlobalAnswer.Identity(GlobalTestArgs{Mode: dataio.SampleTest, Size: 8})
	require.NoError(t, err)
	wd, err := fx.store.Lookup(StageGlobalAnswer, id)
	require.NoError(t, err)
	for _, row := range readAnswer(t, wd.Join(ans.File))[1:] {
		v, err := strconv.ParseFloat(row[1], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, dataio.ClipLow)
		assert.LessOrEqual(t, v, dataio.ClipHigh)
	}

	aug, err := fx.p.AugmentedGlobalImages.Call(ctx, GlobalArgs{Mode: dataio.SampleTrain, Size: 8})
	require.NoError(t, err)
	assert.Equal(t, []int{5 * 24, 4, 8, 8, 18}, aug.X.Shape())
	assert.Equal(t, []int{5 * 24, dataio.Zones}, aug.Y.Shape())

	augTest, err := fx.p.AugmentedGlobalImagesTest.Call(ctx, GlobalTestArgs{Mode: dataio.SampleTest, Size: 8})
	require.NoError(t, err)
	assert.Len(t, augTest.IDs, 5*6)

	preds, err := fx.p.GlobalPredictions.Call(ctx, GlobalTestArgs{Mode: dataio.SampleTest, Size: 8})
	require.NoError(t, err)
	assert.Len(t, preds, 6)
	assert.Equal(t, 1, started(t, fx.ledger, StageGlobalPredictions))
}

func TestSymmetricGlobalModel(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))
	m, err := fx.p.GlobalModel.Call(ctx, GlobalArgs{Mode: dataio.SampleTrain, Size: 8, Symmetric: true})
	require.NoError(t, err)
	require.NotNil(t, m)

	plain, err := fx.p.GlobalModel.Identity(GlobalArgs{Mode: dataio.SampleTrain, Size: 8})
	require.NoError(t, err)
	sym, err := fx.p.GlobalModel.Identity(GlobalArgs{Mode: dataio.SampleTrain, Size: 8, Symmetric: true})
	require.NoError(t, err)
	assert.NotEqual(t, plain, sym)
}

func TestStagesRejectWrongModes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))

	_, err := fx.p.LocalModel.Call(ctx, ModeArgs{Mode: dataio.SampleTest})
	assert.Error(t, err)
	_, err = fx.p.LocalPredictions.Call(ctx, ModeArgs{Mode: dataio.SampleTrain})
	assert.Error(t, err)
	_, err = fx.p.BodyPartsTest.Call(ctx, ModeArgs{Mode: dataio.SampleValid})
	assert.Error(t, err)
	_, err = fx.p.GlobalModel.Call(ctx, GlobalArgs{Mode: dataio.SampleValid, Size: 8})
	assert.Error(t, err)
}

func TestRestartReusesCache(t *testing.T) {
	ctx := context.Background()
	cacheRoot, dataRoot := t.TempDir(), synthData(t)

	first := newFixture(t, cacheRoot, dataRoot)
	_, err := first.p.LocalModel.Call(ctx, ModeArgs{Mode: dataio.SampleTrain})
	require.NoError(t, err)

	second := newFixture(t, cacheRoot, dataRoot)
	m, err := second.p.LocalModel.Call(ctx, ModeArgs{Mode: dataio.SampleTrain})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, started(t, second.ledger, StageLocalModel))
}

func TestInterruptedStageReruns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))
	args := ModeArgs{Mode: dataio.SampleTrain}

	_, err := fx.p.BodyParts.Call(ctx, args)
	require.NoError(t, err)
	id, err := fx.p.BodyParts.Identity(args)
	require.NoError(t, err)
	wd, err := fx.store.Lookup(StageBodyParts, id)
	require.NoError(t, err)
	require.NoError(t, os.Remove(wd.Join(fx.store.MarkerFile())))

	_, err = fx.p.BodyParts.Call(ctx, args)
	require.NoError(t, err)
	assert.True(t, wd.Complete())
	assert.Equal(t, 2, started(t, fx.ledger, StageBodyParts))
}

func TestEntriesDispatch(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, t.TempDir(), synthData(t))

	entries := fx.p.Entries()
	require.Len(t, entries, 12)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, fx.p.Registry().StageNames(), names)

	e, err := fx.p.Entry(StageBodyPartsTest)
	require.NoError(t, err)
	assert.Equal(t, runner.ArrayResult, e.Kind)
	res, err := e.Run(ctx, RunArgs{Mode: dataio.SampleTest, Size: 99, Symmetric: true})
	require.NoError(t, err)
	pair, ok := res.(runner.ArrayPair)
	require.True(t, ok)
	assert.Len(t, pair.IDs, 6)

	// Fields a stage does not declare do not affect its identity.
	a, err := e.Identity(RunArgs{Mode: dataio.SampleTest})
	require.NoError(t, err)
	b, err := e.Identity(RunArgs{Mode: dataio.SampleTest, Size: 99, Symmetric: true})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	require.NoError(t, e.Invalidate(RunArgs{Mode: dataio.SampleTest}))
	_, err = fx.store.Lookup(StageBodyPartsTest, a)
	assert.ErrorIs(t, err, disk.ErrNotFound)

	_, err = fx.p.Entry("resnet_codes")
	assert.Error(t, err)
}
