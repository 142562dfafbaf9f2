// Package dataio is the boundary to the scan dataset: dataset modes, the
// partitioned arrays stages consume, and the submission file they produce.
package dataio

import (
	"fmt"
	"slices"
	"strings"
)

// Mode selects the full or sample dataset of one split.
type Mode string

const (
	Train       Mode = "train"
	Valid       Mode = "valid"
	SampleTrain Mode = "sample_train"
	SampleValid Mode = "sample_valid"
	Test        Mode = "test"
	SampleTest  Mode = "sample_test"
)

var allModes = []Mode{Train, Valid, SampleTrain, SampleValid, Test, SampleTest}

func Modes() []Mode { return slices.Clone(allModes) }

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(allModes, m) {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

func (m Mode) String() string { return string(m) }

func (m Mode) IsSample() bool { return strings.HasPrefix(string(m), "sample_") }

func (m Mode) IsTest() bool { return m == Test || m == SampleTest }

// Require fails unless m is one of allowed.
func (m Mode) Require(allowed ...Mode) error {
	if slices.Contains(allowed, m) {
		return nil
	}
	return fmt.Errorf("mode %q not accepted, want one of %v", m, allowed)
}

// ValidFor is the validation split paired with a training split.
func (m Mode) ValidFor() (Mode, error) {
	switch m {
	case Train:
		return Valid, nil
	case SampleTrain:
		return SampleValid, nil
	}
	return "", fmt.Errorf("mode %q has no validation split", m)
}

// TrainFor is the training split whose models serve a test split.
func (m Mode) TrainFor() (Mode, error) {
	switch m {
	case Test:
		return Train, nil
	case SampleTest:
		return SampleTrain, nil
	}
	return "", fmt.Errorf("mode %q has no training split", m)
}
