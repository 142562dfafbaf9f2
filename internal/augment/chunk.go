package augment

import (
	"fmt"
	"math/rand/v2"
	"time"

	"threatscan/internal/tensor"
)

const defaultNoise = 0.1

// ChunkConfig drives the chunked generator over (N, V, H, W, C) arrays.
type ChunkConfig struct {
	BatchSize int
	// Symmetric inputs carry two intensity channels instead of one; the
	// remaining channels are zone masks.
	Symmetric bool
	// Noise is the upper bound of uniform noise added to intensity channels.
	Noise  float64
	Params Params
}

func DefaultChunkConfig(batchSize int, symmetric bool) ChunkConfig {
	return ChunkConfig{
		BatchSize: batchSize,
		Symmetric: symmetric,
		Noise:     defaultNoise,
		Params:    DefaultParams(),
	}
}

func (c ChunkConfig) intensityChannels() int {
	if c.Symmetric {
		return 2
	}
	return 1
}

// ChunkState is the position of the generator and the next per-sample seed.
type ChunkState struct {
	Offset int
	Seed   uint64
}

func NewChunkState(seed uint64) ChunkState { return ChunkState{Seed: seed} }

// WallClockSeed seeds a generator from the current time. Augmented data
// differs between runs when seeded this way.
func WallClockSeed() uint64 { return uint64(time.Now().Unix()) }

// Chunk is one augmented batch. Y is nil when the generator has no targets.
type Chunk struct {
	Offset int
	X      *tensor.Tensor
	Y      *tensor.Tensor
}

func (c Chunk) Len() int { return c.X.Len() }

// Chunker walks x in order in batches of cfg.BatchSize. The final batch is
// short when the length is not a multiple of the batch size.
type Chunker struct {
	x, y  tensor.Source
	cfg   ChunkConfig
	views int
	h, w  int
	chans int
}

// NewChunker accepts (N, V, H, W, C) inputs; (N, H, W, C) is one view. y may be nil.
func NewChunker(x, y tensor.Source, cfg ChunkConfig) (*Chunker, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if y != nil {
		if err := tensor.Aligned("augment", x, y); err != nil {
			return nil, err
		}
	}
	shape := x.Shape()
	c := &Chunker{x: x, y: y, cfg: cfg}
	switch len(shape) {
	case 5:
		c.views, c.h, c.w, c.chans = shape[1], shape[2], shape[3], shape[4]
	case 4:
		c.views, c.h, c.w, c.chans = 1, shape[1], shape[2], shape[3]
	default:
		return nil, fmt.Errorf("augment input must be (N, V, H, W, C) or (N, H, W, C), got %v", shape)
	}
	if c.chans < cfg.intensityChannels() {
		return nil, fmt.Errorf("augment input has %d channels, need at least %d", c.chans, cfg.intensityChannels())
	}
	return c, nil
}

func (c *Chunker) Len() int { return c.x.Len() }

// Batches is the number of batches one pass yields.
func (c *Chunker) Batches() int {
	return (c.x.Len() + c.cfg.BatchSize - 1) / c.cfg.BatchSize
}

// Next yields the batch at st.Offset. ok is false once the input is exhausted.
func (c *Chunker) Next(st ChunkState) (Chunk, ChunkState, bool, error) {
	n := c.x.Len()
	if st.Offset >= n {
		return Chunk{}, st, false, nil
	}
	lo, hi := st.Offset, min(st.Offset+c.cfg.BatchSize, n)
	xb, err := c.x.ReadRows(lo, hi)
	if err != nil {
		return Chunk{}, st, false, fmt.Errorf("reading rows [%d, %d): %w", lo, hi, err)
	}
	seed := st.Seed
	plane := make([]float32, c.h*c.w)
	out := make([]float32, c.h*c.w)
	for j := 0; j < xb.Len(); j++ {
		sample := xb.Row(j)
		for k := 0; k < c.views; k++ {
			view := sample[k*c.h*c.w*c.chans : (k+1)*c.h*c.w*c.chans]
			rng := rand.New(rand.NewPCG(seed, 0))
			tf := RandomTransform(rng, c.cfg.Params, c.h, c.w)
			for ch := 0; ch < c.chans; ch++ {
				c.extract(view, ch, plane)
				if ch < c.cfg.intensityChannels() {
					normalizeMax(plane)
				}
				tf.Apply(out, plane, c.h, c.w)
				if ch < c.cfg.intensityChannels() && c.cfg.Noise > 0 {
					for i := range out {
						out[i] += float32(rng.Float64() * c.cfg.Noise)
					}
				}
				c.store(view, ch, out)
			}
			seed++
		}
	}
	chunk := Chunk{Offset: lo, X: xb}
	if c.y != nil {
		yb, err := c.y.ReadRows(lo, hi)
		if err != nil {
			return Chunk{}, st, false, fmt.Errorf("reading targets [%d, %d): %w", lo, hi, err)
		}
		chunk.Y = yb
	}
	return chunk, ChunkState{Offset: hi, Seed: seed}, true, nil
}

func (c *Chunker) extract(view []float32, ch int, plane []float32) {
	for i := range plane {
		plane[i] = view[i*c.chans+ch]
	}
}

func (c *Chunker) store(view []float32, ch int, plane []float32) {
	for i, v := range plane {
		view[i*c.chans+ch] = v
	}
}

func normalizeMax(plane []float32) {
	var hi float32
	for _, v := range plane {
		hi = max(hi, v)
	}
	if hi <= 0 {
		return
	}
	for i := range plane {
		plane[i] /= hi
	}
}

// ChunkIterator is the pull form of Chunker.Next:
//
//	it := ch.Iterate(state)
//	for it.Next() {
//		use(it.Chunk())
//	}
//	if err := it.Err(); err != nil { ... }
type ChunkIterator struct {
	c     *Chunker
	st    ChunkState
	cur   Chunk
	err   error
	total int
}

func (c *Chunker) Iterate(st ChunkState) *ChunkIterator {
	return &ChunkIterator{c: c, st: st}
}

func (it *ChunkIterator) Next() bool {
	if it.err != nil {
		return false
	}
	chunk, st, ok, err := it.c.Next(it.st)
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.cur, it.st = chunk, st
	it.total += chunk.Len()
	return true
}

func (it *ChunkIterator) Chunk() Chunk      { return it.cur }
func (it *ChunkIterator) Err() error        { return it.err }
func (it *ChunkIterator) State() ChunkState { return it.st }
func (it *ChunkIterator) Yielded() int      { return it.total }
