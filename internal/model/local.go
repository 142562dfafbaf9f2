package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"threatscan/internal/tensor"
)

const localGrid = 4

// LocalConfig configures the single-crop classifier.
type LocalConfig struct {
	LearningRate float64 `json:"learning_rate"`
	// Dropout is the feature drop rate in the training phase.
	Dropout float64 `json:"dropout"`
	Seed    uint64  `json:"seed"`
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{LearningRate: 1e-3, Dropout: 0.1, Seed: 1}
}

// LocalModel scores one (H, W, 1) crop from pooled intensity statistics:
// mean, max, standard deviation and a coarse grid of cell means.
type LocalModel struct {
	cfg    LocalConfig
	params []float64 // weights then bias
	opt    *adam
	rng    *rand.Rand
}

func localFeatures() int { return 3 + localGrid*localGrid }

func NewLocalModel(cfg LocalConfig) *LocalModel {
	n := localFeatures() + 1
	return &LocalModel{
		cfg:    cfg,
		params: make([]float64, n),
		opt:    newAdam(cfg.LearningRate, n),
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
	}
}

func (m *LocalModel) Config() LocalConfig { return m.cfg }

func (m *LocalModel) setParams(p []float64) error {
	if len(p) != len(m.params) {
		return fmt.Errorf("local model expects %d parameters, got %d", len(m.params), len(p))
	}
	copy(m.params, p)
	return nil
}

func (m *LocalModel) Save(path string) error {
	return writeFile(path, kindLocal, m.cfg, m.params)
}

func (m *LocalModel) features(x *tensor.Tensor) ([][]float64, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[3] != 1 {
		return nil, fmt.Errorf("local model input must be (B, H, W, 1), got %v", shape)
	}
	h, w := shape[1], shape[2]
	out := make([][]float64, shape[0])
	for j := range out {
		row := x.Row(j)
		f := make([]float64, localFeatures())
		var sum, sq float64
		hi := math.Inf(-1)
		cells := make([]float64, localGrid*localGrid)
		counts := make([]float64, localGrid*localGrid)
		for r := 0; r < h; r++ {
			for c := 0; c < w; c++ {
				v := float64(row[r*w+c])
				sum += v
				sq += v * v
				hi = math.Max(hi, v)
				cell := (r*localGrid/h)*localGrid + c*localGrid/w
				cells[cell] += v
				counts[cell]++
			}
		}
		n := float64(h * w)
		mean := sum / n
		f[0] = mean
		f[1] = hi
		f[2] = math.Sqrt(math.Max(sq/n-mean*mean, 0))
		for i := range cells {
			if counts[i] > 0 {
				f[3+i] = cells[i] / counts[i]
			}
		}
		out[j] = f
	}
	return out, nil
}

func (m *LocalModel) score(f []float64, phase Phase) float64 {
	nf := len(f)
	z := m.params[nf]
	keep := 1 - m.cfg.Dropout
	for i, v := range f {
		if phase == Training && m.cfg.Dropout > 0 {
			if m.rng.Float64() < m.cfg.Dropout {
				f[i] = 0
				continue
			}
			v /= keep
			f[i] = v
		}
		z += m.params[i] * v
	}
	return sigmoid(z)
}

func (m *LocalModel) Predict(x *tensor.Tensor, phase Phase) (*tensor.Tensor, error) {
	feats, err := m.features(x)
	if err != nil {
		return nil, err
	}
	out := tensor.New(len(feats))
	for j, f := range feats {
		out.Data()[j] = float32(m.score(f, phase))
	}
	return out, nil
}

func (m *LocalModel) FitBatch(x, y *tensor.Tensor) (float64, error) {
	if err := tensor.Aligned("local model fit", x, y); err != nil {
		return 0, err
	}
	feats, err := m.features(x)
	if err != nil {
		return 0, err
	}
	grad := make([]float64, len(m.params))
	nf := localFeatures()
	var loss float64
	for j, f := range feats {
		p := m.score(f, Training)
		t := float64(y.Data()[j])
		loss += crossEntropy(p, t)
		d := p - t
		for i, v := range f {
			grad[i] += d * v
		}
		grad[nf] += d
	}
	n := float64(len(feats))
	for i := range grad {
		grad[i] /= n
	}
	m.opt.step(m.params, grad)
	return loss / n, nil
}

func (m *LocalModel) Evaluate(x, y *tensor.Tensor) (float64, error) {
	if err := tensor.Aligned("local model evaluate", x, y); err != nil {
		return 0, err
	}
	p, err := m.Predict(x, Inference)
	if err != nil {
		return 0, err
	}
	var loss float64
	for j, v := range p.Data() {
		loss += crossEntropy(float64(v), float64(y.Data()[j]))
	}
	return loss / float64(p.Len()), nil
}
