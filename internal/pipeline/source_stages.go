package pipeline

import (
	"context"

	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
	"threatscan/internal/runner"
	"threatscan/internal/tensor"
)

var (
	trainingModes = []dataio.Mode{dataio.Train, dataio.Valid, dataio.SampleTrain, dataio.SampleValid}
	testModes     = []dataio.Mode{dataio.Test, dataio.SampleTest}
	fitModes      = []dataio.Mode{dataio.Train, dataio.SampleTrain}
)

func (p *Pipeline) bodyParts(ctx context.Context, wd *disk.WorkDir, a ModeArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(trainingModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	x, y, err := p.data.BodyParts(a.Mode)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	return stagePair(wd, x, y)
}

func (p *Pipeline) bodyPartsTest(ctx context.Context, wd *disk.WorkDir, a ModeArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	x, ids, err := p.data.BodyPartsTest(a.Mode)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	sx, err := stageCopy(wd, "x.npy", x)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	return runner.ArrayPair{X: sx, IDs: ids}, nil
}

func (p *Pipeline) globalImages(ctx context.Context, wd *disk.WorkDir, a GlobalArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(trainingModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	x, y, err := p.data.GlobalImages(a.Mode, a.Size, a.Symmetric)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	return stagePair(wd, x, y)
}

func (p *Pipeline) globalImagesTest(ctx context.Context, wd *disk.WorkDir, a GlobalTestArgs) (runner.ArrayPair, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return runner.ArrayPair{}, err
	}
	x, ids, err := p.data.GlobalImagesTest(a.Mode, a.Size)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	sx, err := stageCopy(wd, "x.npy", x)
	if err != nil {
		return runner.ArrayPair{}, err
	}
	return runner.ArrayPair{X: sx, IDs: ids}, nil
}

func stagePair(wd *disk.WorkDir, x, y tensor.Source) (runner.ArrayPair, error) {
	sx, err := stageCopy(wd, "x.npy", x)
	if err != nil {
		closeSource(y)
		return runner.ArrayPair{}, err
	}
	sy, err := stageCopy(wd, "y.npy", y)
	if err != nil {
		_ = sx.Close()
		return runner.ArrayPair{}, err
	}
	return runner.ArrayPair{X: sx, Y: sy}, nil
}
