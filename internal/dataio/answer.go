package dataio

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	Zones = 17

	ClipLow  = 0.025
	ClipHigh = 0.975
)

// Predictions maps a scan id to one probability per zone.
type Predictions map[string][]float64

// Clip bounds every probability to [lo, hi] and returns a new map.
func Clip(p Predictions, lo, hi float64) Predictions {
	out := make(Predictions, len(p))
	for id, zs := range p {
		c := make([]float64, len(zs))
		for i, v := range zs {
			c[i] = min(max(v, lo), hi)
		}
		out[id] = c
	}
	return out
}

// WriteAnswer renders the submission: a header line, then one row per scan
// and zone, sorted by scan id then zone number.
func WriteAnswer(w io.Writer, p Predictions) (int, error) {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Id", "Probability"}); err != nil {
		return 0, err
	}
	rows := 0
	for _, id := range ids {
		zs := p[id]
		if len(zs) != Zones {
			return rows, fmt.Errorf("scan %s has %d zone probabilities, want %d", id, len(zs), Zones)
		}
		for k, v := range zs {
			rec := []string{fmt.Sprintf("%s_Zone%d", id, k+1), strconv.FormatFloat(v, 'f', -1, 64)}
			if err := cw.Write(rec); err != nil {
				return rows, err
			}
			rows++
		}
	}
	cw.Flush()
	return rows, cw.Error()
}

// WriteAnswerFile writes the submission to path atomically.
func WriteAnswerFile(path string, p Predictions) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	rows, err := WriteAnswer(f, p)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return rows, err
	}
	return rows, os.Rename(tmp, path)
}
