// Package compensation models the frequency-dependent insertion loss of the
// RF path in front of an attenuator and derives the minimum attenuation that
// can legally be requested at a given frequency.
package compensation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// ErrTableEmpty is returned when a table has no samples.
var ErrTableEmpty = errors.New("compensation table is empty")

// ErrMalformedTable matches every *MalformedTableError.
var ErrMalformedTable = errors.New("malformed compensation table")

// MalformedTableError describes why a set of samples was rejected.
type MalformedTableError struct {
	// Index of the offending sample, or -1 when the problem is not tied to
	// one sample.
	Index  int
	Reason string
}

func (e *MalformedTableError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed compensation table: %s", e.Reason)
	}
	return fmt.Sprintf("malformed compensation table: sample %d: %s", e.Index, e.Reason)
}

// Is reports whether target is ErrMalformedTable.
func (e *MalformedTableError) Is(target error) bool {
	return target == ErrMalformedTable
}

// Sample is one measured point: insertion loss in dB (normally negative) at a
// frequency in MHz.
type Sample struct {
	Frequency float64 `json:"frequency" yaml:"frequency"`
	Loss      float64 `json:"loss" yaml:"loss"`
}

// Table is an immutable, validated set of samples with strictly ascending
// frequencies. It is safe for concurrent use.
type Table struct {
	samples []Sample
	pl      *interp.PiecewiseLinear
	sweeps  []*sweep
	source  string
}

// New validates samples and builds a table. Samples must already be in
// strictly ascending frequency order.
func New(samples []Sample) (*Table, error) {
	if len(samples) == 0 {
		return nil, ErrTableEmpty
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		switch {
		case math.IsNaN(s.Frequency) || math.IsInf(s.Frequency, 0):
			return nil, &MalformedTableError{Index: i, Reason: "frequency is not a finite number"}
		case math.IsNaN(s.Loss) || math.IsInf(s.Loss, 0):
			return nil, &MalformedTableError{Index: i, Reason: "loss is not a finite number"}
		case s.Frequency < 0:
			return nil, &MalformedTableError{Index: i, Reason: fmt.Sprintf("negative frequency %g", s.Frequency)}
		case i > 0 && s.Frequency <= samples[i-1].Frequency:
			return nil, &MalformedTableError{
				Index:  i,
				Reason: fmt.Sprintf("frequency %g does not follow %g in ascending order", s.Frequency, samples[i-1].Frequency),
			}
		}
		xs[i] = s.Frequency
		ys[i] = s.Loss
	}

	t := &Table{samples: append([]Sample(nil), samples...)}
	if len(samples) > 1 {
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: err.Error()}
		}
		t.pl = &pl
	}
	return t, nil
}

// NewCalibrated builds a table from samples plus the calibration sweeps
// measured at some of those frequencies. Every sweep frequency must also be a
// sample frequency.
func NewCalibrated(samples []Sample, sweeps map[float64][]CalibrationPoint) (*Table, error) {
	t, err := New(samples)
	if err != nil {
		return nil, err
	}
	if len(sweeps) == 0 {
		return t, nil
	}

	known := make(map[float64]bool, len(samples))
	for _, s := range samples {
		known[s.Frequency] = true
	}
	t.sweeps = make([]*sweep, 0, len(sweeps))
	for freq, points := range sweeps {
		if !known[freq] {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("calibration sweep at %g MHz has no sample", freq)}
		}
		sw, err := newSweep(freq, points)
		if err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("frequency %g: %v", freq, err)}
		}
		t.sweeps = append(t.sweeps, sw)
	}
	sort.Slice(t.sweeps, func(i, j int) bool { return t.sweeps[i].frequency < t.sweeps[j].frequency })
	return t, nil
}

// MustNew is like New but panics on error. Intended for literals.
func MustNew(samples []Sample) *Table {
	t, err := New(samples)
	if err != nil {
		panic(err)
	}
	return t
}

// Loss returns the interpolated insertion loss at frequency. Frequencies
// outside the table take the loss of the nearest boundary sample.
func (t *Table) Loss(frequency float64) float64 {
	if t.pl == nil {
		return t.samples[0].Loss
	}
	return t.pl.Predict(frequency)
}

// MinAttenuation is |Loss(frequency)| rounded to the 0.01 dB command step.
func (t *Table) MinAttenuation(frequency float64) float64 {
	return Round2(math.Abs(t.Loss(frequency)))
}

// Samples returns a copy of the table samples.
func (t *Table) Samples() []Sample {
	return append([]Sample(nil), t.samples...)
}

// Len returns the number of samples.
func (t *Table) Len() int { return len(t.samples) }

// Range returns the first and last sample frequencies.
func (t *Table) Range() (lo, hi float64) {
	return t.samples[0].Frequency, t.samples[len(t.samples)-1].Frequency
}

// Source names where the table came from: a file path, "builtin", or "" for
// tables built in code.
func (t *Table) Source() string { return t.source }

// WithSource returns a copy of t labelled with source.
func (t *Table) WithSource(source string) *Table {
	c := *t
	c.source = source
	return &c
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
