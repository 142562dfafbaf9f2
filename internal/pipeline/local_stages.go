package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/apex/log"

	"threatscan/internal/augment"
	"threatscan/internal/cache/disk"
	"threatscan/internal/dataio"
	"threatscan/internal/model"
	"threatscan/internal/sampling"
)

const (
	localBatchSize      = 32
	localProportionTrue = 0.5
	localPredictRepeats = 128
)

func localSchedule(mode dataio.Mode) (stepsPerEpoch, epochs int) {
	if mode.IsSample() {
		return 10, 3
	}
	return 10000 / localBatchSize, 300
}

func (p *Pipeline) localModel(ctx context.Context, wd *disk.WorkDir, a ModeArgs) (model.Model, error) {
	if err := a.Mode.Require(fitModes...); err != nil {
		return nil, err
	}
	validMode, err := a.Mode.ValidFor()
	if err != nil {
		return nil, err
	}
	train, err := p.BodyParts.Call(ctx, ModeArgs{Mode: a.Mode})
	if err != nil {
		return nil, err
	}
	valid, err := p.BodyParts.Call(ctx, ModeArgs{Mode: validMode})
	if err != nil {
		return nil, err
	}
	trainPool, err := sampling.NewPool(train.X, train.Y)
	if err != nil {
		return nil, fmt.Errorf("training pool: %w", err)
	}
	validPool, err := sampling.NewPool(valid.X, valid.Y)
	if err != nil {
		return nil, fmt.Errorf("validation pool: %w", err)
	}

	steps, epochs := localSchedule(a.Mode)
	seed := p.seed()
	trainGen := trainPool.Oversample(sampling.OversampleConfig{
		BatchSize:      localBatchSize,
		Steps:          steps * epochs,
		ProportionTrue: localProportionTrue,
	}, seed)
	validGen := validPool.Oversample(sampling.OversampleConfig{BatchSize: localBatchSize, Steps: 1}, seed+1)
	rng := rand.New(rand.NewPCG(seed, seed+2))
	augCfg := augment.DefaultBatchConfig()

	logger := log.WithFields(log.Fields{"stage": StageLocalModel, "mode": a.Mode, "real_rate": trainPool.RealRate()})
	m := model.NewLocalModel(model.DefaultLocalConfig())
	for epoch := 0; epoch < epochs; epoch++ {
		var sum float64
		for s := 0; s < steps; s++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			b, err := trainGen.Next()
			if err != nil {
				return nil, err
			}
			xb, err := augment.Batch(rng, b.X, augCfg)
			if err != nil {
				return nil, err
			}
			loss, err := m.FitBatch(xb, b.Y)
			if err != nil {
				return nil, err
			}
			sum += loss
		}
		logger.WithFields(log.Fields{"epoch": epoch + 1, "loss": sum / float64(steps)}).Debug("epoch done")
	}

	var validLoss float64
	validSteps := 3 * steps
	for s := 0; s < validSteps; s++ {
		b, err := validGen.Next()
		if err != nil {
			return nil, err
		}
		xb, err := augment.Batch(rng, b.X, augCfg)
		if err != nil {
			return nil, err
		}
		loss, err := m.Evaluate(xb, b.Y)
		if err != nil {
			return nil, err
		}
		validLoss += loss
	}
	validLoss /= float64(validSteps)
	if err := writePerformance(wd, validLoss); err != nil {
		return nil, err
	}
	logger.WithField("valid_loss", validLoss).Info("local model trained")
	return m, nil
}

func (p *Pipeline) localPredictions(ctx context.Context, wd *disk.WorkDir, a ModeArgs) (dataio.Predictions, error) {
	if err := a.Mode.Require(testModes...); err != nil {
		return nil, err
	}
	trainMode, err := a.Mode.TrainFor()
	if err != nil {
		return nil, err
	}
	test, err := p.BodyPartsTest.Call(ctx, ModeArgs{Mode: a.Mode})
	if err != nil {
		return nil, err
	}
	m, err := p.LocalModel.Call(ctx, ModeArgs{Mode: trainMode})
	if err != nil {
		return nil, err
	}
	shape := test.X.Shape()
	if len(shape) != 4 || shape[1] != dataio.Zones {
		return nil, fmt.Errorf("test crops must be (M, %d, H, W), got %v", dataio.Zones, shape)
	}
	h, w := shape[2], shape[3]
	seed := p.seed()
	rng := rand.New(rand.NewPCG(seed, seed+3))
	augCfg := augment.DefaultBatchConfig()

	out := make(dataio.Predictions, len(test.IDs))
	for j, id := range test.IDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scan, err := test.X.ReadRows(j, j+1)
		if err != nil {
			return nil, err
		}
		zones := make([]float64, dataio.Zones)
		for k := range zones {
			crop := scan.Data()[k*h*w : (k+1)*h*w]
			batch, err := augment.Repeat(crop, h, w, localPredictRepeats)
			if err != nil {
				return nil, err
			}
			xb, err := augment.Batch(rng, batch, augCfg)
			if err != nil {
				return nil, err
			}
			pred, err := m.Predict(xb, model.Inference)
			if err != nil {
				return nil, err
			}
			zones[k] = pred.Mean()
		}
		out[id] = zones
	}
	return out, nil
}

func writePerformance(wd *disk.WorkDir, loss float64) error {
	return wd.WriteFile("performance.txt", []byte(strconv.FormatFloat(loss, 'g', -1, 64)))
}
