package dataio

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"threatscan/internal/tensor"
)

// SynthConfig describes a synthetic dataset in the NpyPartitioner layout.
// Threats show up as brighter pixels inside the affected zone.
type SynthConfig struct {
	Crop         int
	Sizes        []int
	Views        int
	Scans        map[Mode]int
	PositiveRate float64
	Seed         uint64
}

func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		Crop:  16,
		Sizes: []int{8},
		Views: 4,
		Scans: map[Mode]int{
			SampleTrain: 24,
			SampleValid: 12,
			SampleTest:  6,
		},
		PositiveRate: 0.2,
		Seed:         1,
	}
}

// Synthesize writes every mode in cfg.Scans under root.
func Synthesize(root string, cfg SynthConfig) error {
	if cfg.Crop <= 0 || cfg.Views <= 0 {
		return fmt.Errorf("synthetic crop and view counts must be positive")
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+7))
	for _, mode := range allModes {
		n, ok := cfg.Scans[mode]
		if !ok {
			continue
		}
		if n < 2 {
			return fmt.Errorf("mode %s needs at least two scans, got %d", mode, n)
		}
		dir := filepath.Join(root, string(mode))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		labels := synthLabels(rng, n, cfg.PositiveRate)
		if mode.IsTest() {
			if err := synthTest(rng, dir, cfg, labels); err != nil {
				return fmt.Errorf("mode %s: %w", mode, err)
			}
			continue
		}
		if err := synthTrain(rng, dir, cfg, labels); err != nil {
			return fmt.Errorf("mode %s: %w", mode, err)
		}
	}
	return nil
}

// synthLabels draws (n, 17) zone labels. Scan 0 has a threat and scan 1 has
// none so that both classes are always present.
func synthLabels(rng *rand.Rand, n int, rate float64) [][]float32 {
	out := make([][]float32, n)
	for j := range out {
		out[j] = make([]float32, Zones)
		for k := range out[j] {
			if rng.Float64() < rate {
				out[j][k] = 1
			}
		}
	}
	out[0][0] = 1
	clear(out[1])
	return out
}

func synthCrop(rng *rand.Rand, dst []float32, size int, threat bool) {
	for i := range dst {
		dst[i] = float32(0.2 + 0.1*rng.Float64())
	}
	if !threat {
		return
	}
	c := size / 2
	for r := c - size/4; r < c+size/4; r++ {
		for col := c - size/4; col < c+size/4; col++ {
			dst[r*size+col] += 0.6
		}
	}
}

func synthGlobal(rng *rand.Rand, dst []float32, cfg SynthConfig, size int, symmetric bool, labels []float32) {
	intensity := 1
	if symmetric {
		intensity = 2
	}
	chans := intensity + Zones
	for v := 0; v < cfg.Views; v++ {
		for r := 0; r < size; r++ {
			zone := r * Zones / size
			for c := 0; c < size; c++ {
				px := dst[((v*size+r)*size+c)*chans : ((v*size+r)*size+c+1)*chans]
				val := float32(0.2 + 0.1*rng.Float64())
				if labels[zone] == 1 {
					val += 0.6
				}
				for i := 0; i < intensity; i++ {
					px[i] = val
				}
				px[intensity+zone] = 1
			}
		}
	}
}

func synthTrain(rng *rand.Rand, dir string, cfg SynthConfig, labels [][]float32) error {
	n := len(labels)
	crops := tensor.New(n, cfg.Crop, cfg.Crop)
	cy := tensor.New(n)
	for j := 0; j < n; j++ {
		threat := j%2 == 0
		if threat {
			cy.Data()[j] = 1
		}
		synthCrop(rng, crops.Row(j), cfg.Crop, threat)
	}
	if err := tensor.Save(filepath.Join(dir, "body_parts_x.npy"), crops); err != nil {
		return err
	}
	if err := tensor.Save(filepath.Join(dir, "body_parts_y.npy"), cy); err != nil {
		return err
	}
	y := tensor.New(n, Zones)
	for j, l := range labels {
		copy(y.Row(j), l)
	}
	for _, size := range cfg.Sizes {
		for _, sym := range []bool{false, true} {
			chans := Zones + 1
			if sym {
				chans++
			}
			x := tensor.New(n, cfg.Views, size, size, chans)
			for j, l := range labels {
				synthGlobal(rng, x.Row(j), cfg, size, sym, l)
			}
			name := globalName(size, sym)
			if err := tensor.Save(filepath.Join(dir, name+"_x.npy"), x); err != nil {
				return err
			}
			if err := tensor.Save(filepath.Join(dir, name+"_y.npy"), y); err != nil {
				return err
			}
		}
	}
	return nil
}

func synthTest(rng *rand.Rand, dir string, cfg SynthConfig, labels [][]float32) error {
	n := len(labels)
	ids := make([]string, n)
	for j := range ids {
		ids[j] = fmt.Sprintf("scan%04d", j)
	}
	crops := tensor.New(n, Zones, cfg.Crop, cfg.Crop)
	for j, l := range labels {
		row := crops.Row(j)
		for k := 0; k < Zones; k++ {
			synthCrop(rng, row[k*cfg.Crop*cfg.Crop:(k+1)*cfg.Crop*cfg.Crop], cfg.Crop, l[k] == 1)
		}
	}
	if err := tensor.Save(filepath.Join(dir, "body_parts_test_x.npy"), crops); err != nil {
		return err
	}
	if err := writeIDs(filepath.Join(dir, "ids.json"), ids); err != nil {
		return err
	}
	for _, size := range cfg.Sizes {
		x := tensor.New(n, cfg.Views, size, size, Zones+1)
		for j, l := range labels {
			synthGlobal(rng, x.Row(j), cfg, size, false, l)
		}
		name := fmt.Sprintf("global_test_%d", size)
		if err := tensor.Save(filepath.Join(dir, name+"_x.npy"), x); err != nil {
			return err
		}
		if err := writeIDs(filepath.Join(dir, name+"_ids.json"), ids); err != nil {
			return err
		}
	}
	return nil
}
