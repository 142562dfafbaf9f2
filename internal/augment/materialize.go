package augment

import (
	"context"
	"fmt"
	"slices"

	"github.com/apex/log"

	"threatscan/internal/tensor"
)

// Materialize writes repeats augmented passes over x into dst, which must be
// preallocated with repeats*len(x) rows of x's sample shape. The seed counter
// carries over between passes so every pass draws fresh transforms.
func Materialize(ctx context.Context, dst *tensor.StagedArray, x tensor.Source, cfg ChunkConfig, repeats int, st ChunkState) (ChunkState, error) {
	if repeats <= 0 {
		return st, fmt.Errorf("repeats must be positive, got %d", repeats)
	}
	want := append([]int{repeats * x.Len()}, x.Shape()[1:]...)
	if !slices.Equal(dst.Shape(), want) {
		return st, &tensor.ShapeMismatchError{Op: "materialize", Want: want, Got: dst.Shape()}
	}
	ch, err := NewChunker(x, nil, cfg)
	if err != nil {
		return st, err
	}
	logger := log.WithFields(log.Fields{"repeats": repeats, "rows": x.Len(), "batches": ch.Batches()})
	logger.Debug("materializing augmented passes")
	for r := 0; r < repeats; r++ {
		it := ch.Iterate(ChunkState{Seed: st.Seed})
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			chunk := it.Chunk()
			if err := dst.WriteRows(r*x.Len()+chunk.Offset, chunk.X); err != nil {
				return st, fmt.Errorf("pass %d: %w", r, err)
			}
		}
		if err := it.Err(); err != nil {
			return st, fmt.Errorf("pass %d: %w", r, err)
		}
		st = ChunkState{Seed: it.State().Seed}
		logger.WithField("pass", r+1).Debug("pass written")
	}
	return st, nil
}
