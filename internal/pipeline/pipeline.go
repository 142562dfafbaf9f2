// Package pipeline wires the threat-detection stages into a cached dependency
// graph. Every stage is a runner.Cached; a stage reads upstream results only
// through the upstream stage's Call.
package pipeline

import (
	"fmt"
	"io"

	"threatscan/internal/augment"
	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
	"threatscan/internal/model"
	"threatscan/internal/runner"
	"threatscan/internal/tensor"
)

const (
	StageBodyParts                 = "body_parts"
	StageBodyPartsTest             = "body_parts_test"
	StageGlobalImages              = "global_images"
	StageGlobalImagesTest          = "global_images_test"
	StageLocalModel                = "local_model"
	StageLocalPredictions          = "local_predictions"
	StageAugmentedGlobalImages     = "augmented_global_images"
	StageAugmentedGlobalImagesTest = "augmented_global_images_test"
	StageGlobalModel               = "global_model"
	StageGlobalPredictions         = "global_predictions"
	StageLocalAnswer               = "local_answer"
	StageGlobalAnswer              = "global_answer"
)

// DefaultChunkBytes bounds how much augmented data global training holds in memory.
const DefaultChunkBytes int64 = 10_000_000_000

type ModeArgs struct {
	Mode dataio.Mode `json:"mode"`
}

type GlobalArgs struct {
	Mode      dataio.Mode `json:"mode"`
	Size      int         `json:"size"`
	Symmetric bool        `json:"symmetric"`
}

type GlobalTestArgs struct {
	Mode dataio.Mode `json:"mode"`
	Size int         `json:"size"`
}

// Answer describes a submission file written inside a stage's working directory.
type Answer struct {
	File    string `json:"file"`
	Rows    int    `json:"rows"`
	Scans   int    `json:"scans"`
	Clipped bool   `json:"clipped"`
}

type Pipeline struct {
	reg        *runner.Registry
	data       dataio.Partitioner
	seed       func() uint64
	chunkBytes int64

	BodyParts                 *runner.Cached[ModeArgs, runner.ArrayPair]
	BodyPartsTest             *runner.Cached[ModeArgs, runner.ArrayPair]
	GlobalImages              *runner.Cached[GlobalArgs, runner.ArrayPair]
	GlobalImagesTest          *runner.Cached[GlobalTestArgs, runner.ArrayPair]
	LocalModel                *runner.Cached[ModeArgs, model.Model]
	LocalPredictions          *runner.Cached[ModeArgs, dataio.Predictions]
	AugmentedGlobalImages     *runner.Cached[GlobalArgs, runner.ArrayPair]
	AugmentedGlobalImagesTest *runner.Cached[GlobalTestArgs, runner.ArrayPair]
	GlobalModel               *runner.Cached[GlobalArgs, model.Model]
	GlobalPredictions         *runner.Cached[GlobalTestArgs, dataio.Predictions]
	LocalAnswer               *runner.Cached[ModeArgs, Answer]
	GlobalAnswer              *runner.Cached[GlobalTestArgs, Answer]
}

type Option func(*Pipeline)

// WithSeed replaces the wall-clock seed used by every random generator.
func WithSeed(fn func() uint64) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.seed = fn
		}
	}
}

// WithChunkBytes sets the in-memory budget of one global training chunk.
func WithChunkBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkBytes = n
		}
	}
}

// New registers every stage with reg.
func New(reg *runner.Registry, data dataio.Partitioner, opts ...Option) (*Pipeline, error) {
	if reg == nil || data == nil {
		return nil, fmt.Errorf("registry and partitioner are required")
	}
	p := &Pipeline{reg: reg, data: data, seed: augment.WallClockSeed, chunkBytes: DefaultChunkBytes}
	for _, opt := range opts {
		opt(p)
	}
	arrays := runner.ArrayPairCodec()
	models := runner.ModelCodec[model.Model](model.Load)
	preds := runner.BlobCodec[dataio.Predictions]()
	answers := runner.BlobCodec[Answer]()

	var err error
	if p.BodyParts, err = runner.Register(reg, StageBodyParts, 0, arrays, p.bodyParts); err != nil {
		return nil, err
	}
	if p.BodyPartsTest, err = runner.Register(reg, StageBodyPartsTest, 0, arrays, p.bodyPartsTest); err != nil {
		return nil, err
	}
	if p.GlobalImages, err = runner.Register(reg, StageGlobalImages, 0, arrays, p.globalImages); err != nil {
		return nil, err
	}
	if p.GlobalImagesTest, err = runner.Register(reg, StageGlobalImagesTest, 0, arrays, p.globalImagesTest); err != nil {
		return nil, err
	}
	if p.LocalModel, err = runner.Register(reg, StageLocalModel, 1, models, p.localModel,
		p.BodyParts); err != nil {
		return nil, err
	}
	if p.LocalPredictions, err = runner.Register(reg, StageLocalPredictions, 1, preds, p.localPredictions,
		p.BodyPartsTest, p.LocalModel); err != nil {
		return nil, err
	}
	if p.AugmentedGlobalImages, err = runner.Register(reg, StageAugmentedGlobalImages, 2, arrays, p.augmentedGlobalImages,
		p.GlobalImages); err != nil {
		return nil, err
	}
	if p.AugmentedGlobalImagesTest, err = runner.Register(reg, StageAugmentedGlobalImagesTest, 1, arrays, p.augmentedGlobalImagesTest,
		p.GlobalImagesTest); err != nil {
		return nil, err
	}
	if p.GlobalModel, err = runner.Register(reg, StageGlobalModel, 3, models, p.globalModel,
		p.AugmentedGlobalImages); err != nil {
		return nil, err
	}
	if p.GlobalPredictions, err = runner.Register(reg, StageGlobalPredictions, 2, preds, p.globalPredictions,
		p.AugmentedGlobalImagesTest, p.GlobalModel); err != nil {
		return nil, err
	}
	if p.LocalAnswer, err = runner.Register(reg, StageLocalAnswer, 0, answers, p.localAnswer,
		p.LocalPredictions); err != nil {
		return nil, err
	}
	if p.GlobalAnswer, err = runner.Register(reg, StageGlobalAnswer, 0, answers, p.globalAnswer,
		p.GlobalPredictions); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Registry() *runner.Registry { return p.reg }

// stageCopy streams src into name inside wd and closes src when it holds a file.
func stageCopy(wd *disk.WorkDir, name string, src tensor.Source) (*tensor.StagedArray, error) {
	defer closeSource(src)
	dst, err := tensor.Create(wd.Join(name), src.Shape()...)
	if err != nil {
		return nil, err
	}
	if err := tensor.CopyRows(dst, 0, src); err != nil {
		_ = dst.Close()
		return nil, fmt.Errorf("copying %s: %w", name, err)
	}
	return dst, nil
}

func closeSource(src tensor.Source) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}

func readAll(src tensor.Source) (*tensor.Tensor, error) {
	return src.ReadRows(0, src.Len())
}
