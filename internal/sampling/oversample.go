// Package sampling draws class-balanced training batches from a labeled pool.
package sampling

import (
	"fmt"
	"math/rand/v2"

	"threatscan/internal/tensor"
)

// Pool is a fixed labeled dataset split by class.
type Pool struct {
	x        tensor.Source
	labels   []float32
	pos, neg []int
	realRate float64
}

// NewPool indexes x by the binary labels y. Both classes must be present.
func NewPool(x, y tensor.Source) (*Pool, error) {
	if err := tensor.Aligned("oversample pool", x, y); err != nil {
		return nil, err
	}
	yt, err := y.ReadRows(0, y.Len())
	if err != nil {
		return nil, fmt.Errorf("reading labels: %w", err)
	}
	if yt.SampleSize() != 1 {
		return nil, fmt.Errorf("labels must be scalar per sample, got shape %v", yt.Shape())
	}
	p := &Pool{x: x, labels: yt.Data()}
	for i, v := range p.labels {
		switch v {
		case 1:
			p.pos = append(p.pos, i)
		case 0:
			p.neg = append(p.neg, i)
		default:
			return nil, fmt.Errorf("label %d is %v, want 0 or 1", i, v)
		}
	}
	if len(p.pos) == 0 || len(p.neg) == 0 {
		return nil, fmt.Errorf("pool needs both classes, got %d positive and %d negative", len(p.pos), len(p.neg))
	}
	p.realRate = float64(len(p.pos)) / float64(len(p.labels))
	return p, nil
}

func (p *Pool) Len() int          { return len(p.labels) }
func (p *Pool) RealRate() float64 { return p.realRate }

type OversampleConfig struct {
	BatchSize int
	// Steps is the schedule length: balanced for the first third, annealed to
	// the real rate over the second, real rate afterwards.
	Steps int
	// ProportionTrue is the warm-up positive fraction. Zero means the real rate.
	ProportionTrue float64
}

func (c OversampleConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", c.Steps)
	}
	if c.ProportionTrue < 0 || c.ProportionTrue > 1 {
		return fmt.Errorf("proportion must be within [0, 1], got %v", c.ProportionTrue)
	}
	return nil
}

// OversampleState is owned by one consumer. Copies share the random source.
type OversampleState struct {
	Step int
	rng  *rand.Rand
}

func NewOversampleState(seed uint64) OversampleState {
	return OversampleState{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

type Batch struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

func (b Batch) Len() int { return b.X.Len() }

// Proportion is the target positive fraction at step i.
func (p *Pool) Proportion(cfg OversampleConfig, i int) float64 {
	target := cfg.ProportionTrue
	if target == 0 {
		target = p.realRate
	}
	third := cfg.Steps / 3
	switch {
	case i < third:
		return target
	case i < 2*cfg.Steps/3:
		return target - (target-p.realRate)*float64(i-third)/(float64(cfg.Steps)/3)
	default:
		return p.realRate
	}
}

// NextBatch draws one batch: positives first, then negatives, both sampled
// with replacement. Images gain a trailing channel axis.
func (p *Pool) NextBatch(cfg OversampleConfig, st OversampleState) (Batch, OversampleState, error) {
	if err := cfg.validate(); err != nil {
		return Batch{}, st, err
	}
	if st.rng == nil {
		return Batch{}, st, fmt.Errorf("oversample state is not initialised")
	}
	n := cfg.BatchSize
	numTrue := int(st.rng.Float64() * 2 * p.Proportion(cfg, st.Step) * float64(n))
	numTrue = min(max(numTrue, 0), n)

	idx := make([]int, 0, n)
	for range numTrue {
		idx = append(idx, p.pos[st.rng.IntN(len(p.pos))])
	}
	for range n - numTrue {
		idx = append(idx, p.neg[st.rng.IntN(len(p.neg))])
	}

	x, err := gatherRows(p.x, idx)
	if err != nil {
		return Batch{}, st, err
	}
	x, err = x.Reshape(append(x.Shape(), 1)...)
	if err != nil {
		return Batch{}, st, err
	}
	y := tensor.New(n)
	for i, j := range idx {
		y.Data()[i] = p.labels[j]
	}
	st.Step++
	return Batch{X: x, Y: y}, st, nil
}

// gatherRows reads the listed rows of src in order.
func gatherRows(src tensor.Source, idx []int) (*tensor.Tensor, error) {
	if t, ok := src.(*tensor.Tensor); ok {
		return t.Gather(idx), nil
	}
	shape := append([]int{len(idx)}, src.Shape()[1:]...)
	out := tensor.New(shape...)
	for i, j := range idx {
		row, err := src.ReadRows(j, j+1)
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", j, err)
		}
		copy(out.Row(i), row.Data())
	}
	return out, nil
}

// Oversampler is the pull form of NextBatch. It never runs out; the consumer
// bounds iteration.
type Oversampler struct {
	pool  *Pool
	cfg   OversampleConfig
	state OversampleState
}

func (p *Pool) Oversample(cfg OversampleConfig, seed uint64) *Oversampler {
	return &Oversampler{pool: p, cfg: cfg, state: NewOversampleState(seed)}
}

func (o *Oversampler) Next() (Batch, error) {
	b, st, err := o.pool.NextBatch(o.cfg, o.state)
	if err != nil {
		return Batch{}, err
	}
	o.state = st
	return b, nil
}

func (o *Oversampler) Step() int { return o.state.Step }
