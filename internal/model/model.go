// Package model holds the trainable classifiers used by the pipeline. They are
// small logistic models; the pipeline only depends on the Model interface.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"threatscan/internal/tensor"
)

// Phase selects training or inference behaviour. It is passed explicitly to
// every call that behaves differently between the two.
type Phase int

const (
	Inference Phase = iota
	Training
)

func (p Phase) String() string {
	if p == Training {
		return "training"
	}
	return "inference"
}

type Model interface {
	// FitBatch runs one optimisation step in the training phase and returns
	// the batch loss before the step.
	FitBatch(x, y *tensor.Tensor) (float64, error)
	// Evaluate returns the mean binary cross-entropy in the inference phase.
	Evaluate(x, y *tensor.Tensor) (float64, error)
	Predict(x *tensor.Tensor, phase Phase) (*tensor.Tensor, error)
	Save(path string) error
}

const (
	kindLocal = "local"
	kindZone  = "zone"
)

// file is the on-disk form shared by all models.
type file struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
	Params []float64       `json:"params"`
}

func writeFile(path, kind string, cfg any, params []float64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	b, err := json.Marshal(file{Kind: kind, Config: raw, Params: params})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads any model written by Save.
func Load(path string) (Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing model %s: %w", path, err)
	}
	switch f.Kind {
	case kindLocal:
		var cfg LocalConfig
		if err := json.Unmarshal(f.Config, &cfg); err != nil {
			return nil, err
		}
		m := NewLocalModel(cfg)
		if err := m.setParams(f.Params); err != nil {
			return nil, err
		}
		return m, nil
	case kindZone:
		var cfg ZoneConfig
		if err := json.Unmarshal(f.Config, &cfg); err != nil {
			return nil, err
		}
		m, err := NewZoneModel(cfg)
		if err != nil {
			return nil, err
		}
		if err := m.setParams(f.Params); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", f.Kind)
	}
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

// Logit is the inverse of the sigmoid.
func Logit(p float64) float64 {
	p = math.Min(math.Max(p, 1e-6), 1-1e-6)
	return math.Log(p / (1 - p))
}

func crossEntropy(p, y float64) float64 {
	const eps = 1e-7
	p = math.Min(math.Max(p, eps), 1-eps)
	return -(y*math.Log(p) + (1-y)*math.Log(1-p))
}
