// Package cleanup denoises and trims reference voice clips with an external
// audio filter binary before they are used for cloning.
package cleanup

import (
	"errors"
	"fmt"
	"strings"
)

// Default filter settings.
const (
	DefaultHighPassHz       = 75
	DefaultLowPassHz        = 8000
	DefaultSilenceThreshold = 0.02
)

// Validation limits.
const (
	maxFilterFrequency = 20000
	maxThreshold       = 1.0
)

// Error format strings.
const (
	errFmtHighPassRange = "%w: high pass filter must be between 1 and %d Hz"
	errFmtLowPassRange  = "%w: low pass filter must be between 1 and %d Hz"
	errFmtBandOrder     = "%w: high pass %d Hz must be below low pass %d Hz"
	errFmtThreshold     = "%w: silence threshold must be in (0, %.1f]"
)

// ErrInvalidFilter indicates filter settings outside their valid bounds.
var ErrInvalidFilter = errors.New("invalid cleanup filter settings")

// FilterSpec is the ordered set of filter stages applied to a clip. Each
// stage can be toggled on its own.
type FilterSpec struct {
	Bandpass         bool
	HighPassHz       int
	LowPassHz        int
	TrimSilence      bool
	SilenceThreshold float64
}

// DefaultSpec enables the band-pass and both-ends silence trim.
func DefaultSpec() FilterSpec {
	return FilterSpec{
		Bandpass:         true,
		HighPassHz:       DefaultHighPassHz,
		LowPassHz:        DefaultLowPassHz,
		TrimSilence:      true,
		SilenceThreshold: DefaultSilenceThreshold,
	}
}

// Validate checks that the enabled stages have sane parameters.
func (s FilterSpec) Validate() error {
	if s.Bandpass {
		if s.HighPassHz <= 0 || s.HighPassHz > maxFilterFrequency {
			return fmt.Errorf(errFmtHighPassRange, ErrInvalidFilter, maxFilterFrequency)
		}

		if s.LowPassHz <= 0 || s.LowPassHz > maxFilterFrequency {
			return fmt.Errorf(errFmtLowPassRange, ErrInvalidFilter, maxFilterFrequency)
		}

		if s.HighPassHz >= s.LowPassHz {
			return fmt.Errorf(errFmtBandOrder, ErrInvalidFilter, s.HighPassHz, s.LowPassHz)
		}
	}

	if s.TrimSilence && (s.SilenceThreshold <= 0 || s.SilenceThreshold > maxThreshold) {
		return fmt.Errorf(errFmtThreshold, ErrInvalidFilter, maxThreshold)
	}

	return nil
}

// Stages returns the filter expressions of the enabled stages, in order.
//
// The trim stage only has a "remove leading silence" primitive to work
// with, so it reverses the clip, trims, reverses back and trims again,
// which strips silence from both ends.
func (s FilterSpec) Stages() []string {
	var stages []string

	if s.Bandpass {
		stages = append(stages,
			fmt.Sprintf("lowpass=%d", s.LowPassHz),
			fmt.Sprintf("highpass=%d", s.HighPassHz),
		)
	}

	if s.TrimSilence {
		trim := "silenceremove=start_periods=1:start_silence=0:start_threshold=" + formatThreshold(s.SilenceThreshold)
		stages = append(stages, "areverse", trim, "areverse", trim)
	}

	return stages
}

// Chain composes the enabled stages into one -af argument. It is empty
// when no stage is enabled.
func (s FilterSpec) Chain() string {
	return strings.Join(s.Stages(), ",")
}

func formatThreshold(threshold float64) string {
	text := fmt.Sprintf("%.4f", threshold)
	text = strings.TrimRight(text, "0")

	return strings.TrimSuffix(text, ".")
}
