package model

import (
	"fmt"
	"math/rand/v2"

	"threatscan/internal/tensor"
)

const Zones = 17

type ZoneConfig struct {
	// Intensity is the number of leading intensity channels; zone masks follow.
	Intensity    int     `json:"intensity"`
	Views        int     `json:"views"`
	DefaultPred  float64 `json:"default_pred"`
	LearningRate float64 `json:"learning_rate"`
	Dropout      float64 `json:"dropout"`
	Seed         uint64  `json:"seed"`
}

func DefaultZoneConfig(views int, symmetric bool, defaultPred float64) ZoneConfig {
	intensity := 1
	if symmetric {
		intensity = 2
	}
	return ZoneConfig{
		Intensity:    intensity,
		Views:        views,
		DefaultPred:  defaultPred,
		LearningRate: 1e-2,
		Seed:         1,
	}
}

// ZoneModel predicts all zones of a multi-view scan at once. Each zone gets its
// own weights over the mask-weighted mean intensity of every view, and a bias
// initialised to the logit of the default prediction.
type ZoneModel struct {
	cfg    ZoneConfig
	params []float64 // per zone: Views*Intensity weights then bias
	opt    *adam
	rng    *rand.Rand
}

func NewZoneModel(cfg ZoneConfig) (*ZoneModel, error) {
	if cfg.Intensity <= 0 || cfg.Views <= 0 {
		return nil, fmt.Errorf("zone model needs positive views and intensity channels, got %d and %d", cfg.Views, cfg.Intensity)
	}
	m := &ZoneModel{cfg: cfg}
	m.params = make([]float64, Zones*m.stride())
	b := Logit(cfg.DefaultPred)
	for k := 0; k < Zones; k++ {
		m.params[k*m.stride()+m.stride()-1] = b
	}
	m.opt = newAdam(cfg.LearningRate, len(m.params))
	m.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	return m, nil
}

func (m *ZoneModel) Config() ZoneConfig { return m.cfg }

func (m *ZoneModel) stride() int { return m.cfg.Views*m.cfg.Intensity + 1 }

func (m *ZoneModel) setParams(p []float64) error {
	if len(p) != len(m.params) {
		return fmt.Errorf("zone model expects %d parameters, got %d", len(m.params), len(p))
	}
	copy(m.params, p)
	return nil
}

func (m *ZoneModel) Save(path string) error {
	return writeFile(path, kindZone, m.cfg, m.params)
}

// features returns, per sample and zone, the mask-weighted mean of every
// intensity channel of every view.
func (m *ZoneModel) features(x *tensor.Tensor) ([][][]float64, error) {
	shape := x.Shape()
	want := m.cfg.Intensity + Zones
	if len(shape) != 5 || shape[1] != m.cfg.Views || shape[4] != want {
		return nil, &tensor.ShapeMismatchError{Op: "zone model input", Want: []int{-1, m.cfg.Views, -1, -1, want}, Got: shape}
	}
	pixels := shape[2] * shape[3]
	chans := shape[4]
	nf := m.stride() - 1
	out := make([][][]float64, shape[0])
	for j := range out {
		row := x.Row(j)
		f := make([][]float64, Zones)
		for k := range f {
			f[k] = make([]float64, nf)
		}
		for v := 0; v < m.cfg.Views; v++ {
			view := row[v*pixels*chans : (v+1)*pixels*chans]
			for k := 0; k < Zones; k++ {
				var mass float64
				acc := make([]float64, m.cfg.Intensity)
				for p := 0; p < pixels; p++ {
					px := view[p*chans : (p+1)*chans]
					wgt := float64(px[m.cfg.Intensity+k])
					if wgt == 0 {
						continue
					}
					mass += wgt
					for i := range acc {
						acc[i] += wgt * float64(px[i])
					}
				}
				if mass > 0 {
					for i := range acc {
						f[k][v*m.cfg.Intensity+i] = acc[i] / mass
					}
				}
			}
		}
		out[j] = f
	}
	return out, nil
}

func (m *ZoneModel) score(k int, f []float64, phase Phase) float64 {
	w := m.params[k*m.stride() : (k+1)*m.stride()]
	z := w[len(w)-1]
	for i, v := range f {
		if phase == Training && m.cfg.Dropout > 0 {
			if m.rng.Float64() < m.cfg.Dropout {
				f[i] = 0
				continue
			}
			v /= 1 - m.cfg.Dropout
			f[i] = v
		}
		z += w[i] * v
	}
	return sigmoid(z)
}

func (m *ZoneModel) Predict(x *tensor.Tensor, phase Phase) (*tensor.Tensor, error) {
	feats, err := m.features(x)
	if err != nil {
		return nil, err
	}
	out := tensor.New(len(feats), Zones)
	for j, f := range feats {
		row := out.Row(j)
		for k := range f {
			row[k] = float32(m.score(k, f[k], phase))
		}
	}
	return out, nil
}

func (m *ZoneModel) FitBatch(x, y *tensor.Tensor) (float64, error) {
	if err := tensor.Aligned("zone model fit", x, y); err != nil {
		return 0, err
	}
	if y.SampleSize() != Zones {
		return 0, &tensor.ShapeMismatchError{Op: "zone model targets", Want: []int{y.Len(), Zones}, Got: y.Shape()}
	}
	feats, err := m.features(x)
	if err != nil {
		return 0, err
	}
	grad := make([]float64, len(m.params))
	var loss float64
	for j, f := range feats {
		ty := y.Row(j)
		for k := range f {
			p := m.score(k, f[k], Training)
			t := float64(ty[k])
			loss += crossEntropy(p, t)
			d := p - t
			g := grad[k*m.stride() : (k+1)*m.stride()]
			for i, v := range f[k] {
				g[i] += d * v
			}
			g[len(g)-1] += d
		}
	}
	n := float64(len(feats) * Zones)
	for i := range grad {
		grad[i] /= float64(len(feats))
	}
	m.opt.step(m.params, grad)
	return loss / n, nil
}

func (m *ZoneModel) Evaluate(x, y *tensor.Tensor) (float64, error) {
	if err := tensor.Aligned("zone model evaluate", x, y); err != nil {
		return 0, err
	}
	p, err := m.Predict(x, Inference)
	if err != nil {
		return 0, err
	}
	if !sameSize(p, y) {
		return 0, &tensor.ShapeMismatchError{Op: "zone model targets", Want: p.Shape(), Got: y.Shape()}
	}
	var loss float64
	for i, v := range p.Data() {
		loss += crossEntropy(float64(v), float64(y.Data()[i]))
	}
	return loss / float64(len(p.Data())), nil
}

func sameSize(a, b *tensor.Tensor) bool { return len(a.Data()) == len(b.Data()) }
