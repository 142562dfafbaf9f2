package model

import (
	"context"
	"fmt"

	"threatscan/internal/tensor"
)

func batches(n, size int, fn func(lo, hi int) error) error {
	if size <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", size)
	}
	for lo := 0; lo < n; lo += size {
		if err := fn(lo, min(lo+size, n)); err != nil {
			return err
		}
	}
	return nil
}

func readPair(x, y tensor.Source, lo, hi int) (*tensor.Tensor, *tensor.Tensor, error) {
	xb, err := x.ReadRows(lo, hi)
	if err != nil {
		return nil, nil, err
	}
	yb, err := y.ReadRows(lo, hi)
	if err != nil {
		return nil, nil, err
	}
	return xb, yb, nil
}

// FitSource makes one pass over x and y in order and returns the mean batch loss.
func FitSource(ctx context.Context, m Model, x, y tensor.Source, batchSize int) (float64, error) {
	if err := tensor.Aligned("fit", x, y); err != nil {
		return 0, err
	}
	var sum float64
	var steps int
	err := batches(x.Len(), batchSize, func(lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		xb, yb, err := readPair(x, y, lo, hi)
		if err != nil {
			return err
		}
		loss, err := m.FitBatch(xb, yb)
		if err != nil {
			return err
		}
		sum += loss
		steps++
		return nil
	})
	if err != nil || steps == 0 {
		return 0, err
	}
	return sum / float64(steps), nil
}

// EvaluateSource is the row-weighted mean loss over all of x and y.
func EvaluateSource(ctx context.Context, m Model, x, y tensor.Source, batchSize int) (float64, error) {
	if err := tensor.Aligned("evaluate", x, y); err != nil {
		return 0, err
	}
	var sum float64
	err := batches(x.Len(), batchSize, func(lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		xb, yb, err := readPair(x, y, lo, hi)
		if err != nil {
			return err
		}
		loss, err := m.Evaluate(xb, yb)
		if err != nil {
			return err
		}
		sum += loss * float64(hi-lo)
		return nil
	})
	if err != nil || x.Len() == 0 {
		return 0, err
	}
	return sum / float64(x.Len()), nil
}

// PredictSource predicts every row of x in the inference phase.
func PredictSource(ctx context.Context, m Model, x tensor.Source, batchSize int) (*tensor.Tensor, error) {
	var parts []*tensor.Tensor
	err := batches(x.Len(), batchSize, func(lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		xb, err := x.ReadRows(lo, hi)
		if err != nil {
			return err
		}
		p, err := m.Predict(xb, Inference)
		if err != nil {
			return err
		}
		parts = append(parts, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to predict")
	}
	return tensor.Concat(parts...)
}
