package pipeline

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"threatscan/internal/augment"
	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
	"threatscan/internal/model"
	"threatscan/internal/runner"
	"threatscan/internal/tensor"
)

const (
	globalBatchSize   = 32
	globalChunkSize   = 32
	globalRepeatBatch = 5
)

func augmentRepeats(mode dataio.Mode) int {
	if mode.IsSample() {
		return 5
	}
	return 50
}

func globalEpochs(mode dataio.Mode) int {
	if mode.IsSample() {
		return 10
	}
	return 1
}

func (p *Pipeline) augmentedGlobalImages(ctx context.Context, wd *disk.WorkDir, a GlobalArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(trainingModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	src, err := p.GlobalImages.Call(ctx, a)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	repeats := augmentRepeats(a.Mode)
	x, err := p.materialize(ctx, wd, src.X, a.Symmetric, repeats)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	y, err := readAll(src.Y)
	if err != nil {
		_ = x.Close()
		return runner.ArrayPair{}, err
	}
	return runner.ArrayPair{X: x, Y: tensor.Tile(y, repeats)}, nil
}

func (p *Pipeline) augmentedGlobalImagesTest(ctx context.Context, wd *disk.WorkDir, a GlobalTestArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	src, err := p.GlobalImagesTest.Call(ctx, a)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	repeats := augmentRepeats(a.Mode)
	x, err := p.materialize(ctx, wd, src.X, false, repeats)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	ids := make([]string, 0, repeats*len(src.IDs))
	for r := 0; r < repeats; r++ {
		ids = append(ids, src.IDs...)
	}
	return runner.ArrayPair{X: x, IDs: ids}, nil
}

func (p *Pipeline) materialize(ctx context.Context, wd *disk.WorkDir, src tensor.Source, symmetric bool, repeats int) (*tensor.StagedArray, error) {
	shape := append([]int{repeats * src.Len()}, src.Shape()[1:]...)
	dst, err := tensor.Create(wd.Join("x.npy"), shape...)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"stage":   wd.Stage(),
		"repeats": repeats,
		"size":    humanize.Bytes(uint64(tensor.SampleBytes(src)) * uint64(shape[0])),
	}).Info("materializing augmented images")
	cfg := augment.DefaultChunkConfig(globalChunkSize, symmetric)
	if _, err := augment.Materialize(ctx, dst, src, cfg, repeats, augment.NewChunkState(p.seed())); err != nil {
		_ = dst.Close()
		return nil, err
	}
	return dst, nil
}

func (p *Pipeline) globalModel(ctx context.Context, wd *disk.WorkDir, a GlobalArgs) (model.Model, error) {
	if err := a.Mode.Require(fitModes...); err != nil {
		return nil, err
	}
	validMode, err := a.Mode.ValidFor()
	if err != nil {
		return nil, err
	}
	train, err := p.AugmentedGlobalImages.Call(ctx, a)
	if err != nil {
		return nil, err
	}
	valid, err := p.AugmentedGlobalImages.Call(ctx, GlobalArgs{Mode: validMode, Size: a.Size, Symmetric: a.Symmetric})
	if err != nil {
		return nil, err
	}
	yTrain, err := readAll(train.Y)
	if err != nil {
		return nil, err
	}
	shape := train.X.Shape()
	if len(shape) != 5 {
		return nil, fmt.Errorf("global images must be (N, V, S, S, C), got %v", shape)
	}
	m, err := model.NewZoneModel(model.DefaultZoneConfig(shape[1], a.Symmetric, yTrain.Mean()))
	if err != nil {
		return nil, err
	}

	per := tensor.SampleBytes(train.X)
	chunk := int(max(p.chunkBytes/per, 1))
	logger := log.WithFields(log.Fields{"stage": StageGlobalModel, "mode": a.Mode, "chunk_rows": chunk, "chunk_budget": humanize.Bytes(uint64(p.chunkBytes))})
	epochs := globalEpochs(a.Mode)
	for epoch := 0; epoch < epochs; epoch++ {
		for lo := 0; lo < train.X.Len(); lo += chunk {
			hi := min(lo+chunk, train.X.Len())
			xb, err := train.X.ReadRows(lo, hi)
			if err != nil {
				return nil, err
			}
			yb := yTrain.Slice(lo, hi)
			for r := 0; r < globalRepeatBatch; r++ {
				loss, err := model.FitSource(ctx, m, xb, yb, globalBatchSize)
				if err != nil {
					return nil, err
				}
				logger.WithFields(log.Fields{"epoch": epoch + 1, "rows": lo, "loss": loss}).Debug("chunk fitted")
			}
		}
	}
	validLoss, err := model.EvaluateSource(ctx, m, valid.X, valid.Y, globalBatchSize)
	if err != nil {
		return nil, err
	}
	if err := writePerformance(wd, validLoss); err != nil {
		return nil, err
	}
	logger.WithField("valid_loss", validLoss).Info("global model trained")
	return m, nil
}

func (p *Pipeline) globalPredictions(ctx context.Context, wd *disk.WorkDir, a GlobalTestArgs) (dataio.Predictions, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return nil, err
	}
	trainMode, err := a.Mode.TrainFor()
	if err != nil {
		return nil, err
	}
	test, err := p.AugmentedGlobalImagesTest.Call(ctx, a)
	if err != nil {
		return nil, err
	}
	m, err := p.GlobalModel.Call(ctx, GlobalArgs{Mode: trainMode, Size: a.Size})
	if err != nil {
		return nil, err
	}
	preds, err := model.PredictSource(ctx, m, test.X, globalBatchSize)
	if err != nil {
		return nil, err
	}
	return averageByID(preds, test.IDs)
}

// averageByID means the prediction rows of every repeat of a scan.
func averageByID(preds *tensor.Tensor, ids []string) (dataio.Predictions, error) {
	if preds.Len() != len(ids) {
		return nil, &tensor.ShapeMismatchError{Op: "predictions", Want: []int{len(ids)}, Got: preds.Shape()}
	}
	out := make(dataio.Predictions)
	counts := make(map[string]int)
	for j, id := range ids {
		acc, ok := out[id]
		if !ok {
			acc = make([]float64, preds.SampleSize())
			out[id] = acc
		}
		for k, v := range preds.Row(j) {
			acc[k] += float64(v)
		}
		counts[id]++
	}
	for id, acc := range out {
		for k := range acc {
			acc[k] /= float64(counts[id])
		}
	}
	return out, nil
}
