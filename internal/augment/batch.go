package augment

import (
	"fmt"
	"math/rand/v2"

	"threatscan/internal/tensor"
)

// BatchConfig is the per-batch variant used while training on sampled crops.
type BatchConfig struct {
	Params Params
	// Sigma is the standard deviation of additive gaussian noise.
	Sigma float64
	// Stride keeps every Stride-th row and column after augmentation.
	Stride int
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{Params: DefaultParams(), Sigma: 0.05, Stride: 4}
}

// Batch augments an (B, H, W, C) batch: one random transform per sample shared
// by its channels, gaussian noise, clamping at zero, then strided downsampling.
func Batch(rng *rand.Rand, x *tensor.Tensor, cfg BatchConfig) (*tensor.Tensor, error) {
	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("batch must be (B, H, W, C), got %v", shape)
	}
	stride := max(cfg.Stride, 1)
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	oh, ow := (h+stride-1)/stride, (w+stride-1)/stride
	out := tensor.New(b, oh, ow, c)

	plane := make([]float32, h*w)
	moved := make([]float32, h*w)
	for j := 0; j < b; j++ {
		src := x.Row(j)
		dst := out.Row(j)
		tf := RandomTransform(rng, cfg.Params, h, w)
		for ch := 0; ch < c; ch++ {
			for i := range plane {
				plane[i] = src[i*c+ch]
			}
			tf.Apply(moved, plane, h, w)
			for r := 0; r < oh; r++ {
				for col := 0; col < ow; col++ {
					v := moved[(r*stride)*w+col*stride]
					if cfg.Sigma > 0 {
						v += float32(rng.NormFloat64() * cfg.Sigma)
					}
					dst[(r*ow+col)*c+ch] = max(v, 0)
				}
			}
		}
	}
	return out, nil
}

// Repeat stacks n copies of one (H, W) image into an (n, H, W, 1) batch.
func Repeat(img []float32, h, w, n int) (*tensor.Tensor, error) {
	if len(img) != h*w {
		return nil, &tensor.ShapeMismatchError{Op: "repeat", Want: []int{h, w}, Got: []int{len(img)}}
	}
	out := tensor.New(n, h, w, 1)
	for i := 0; i < n; i++ {
		copy(out.Row(i), img)
	}
	return out, nil
}
