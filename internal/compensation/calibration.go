package compensation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// matchTolerance is how close a value must be to a measured point to use
// that point without interpolating.
const matchTolerance = 0.01

// CalibrationPoint is one measured setting of a calibration sweep: the
// attenuation commanded to the device and the attenuation observed at the
// output of the RF path.
type CalibrationPoint struct {
	Actual  float64 `json:"actual" yaml:"actual"`
	Display float64 `json:"display" yaml:"display"`
}

// sweep is the calibration measured at one frequency, ordered by Actual.
type sweep struct {
	frequency float64
	points    []CalibrationPoint
	toActual  *interp.PiecewiseLinear
	toDisplay *interp.PiecewiseLinear
}

func newSweep(frequency float64, points []CalibrationPoint) (*sweep, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("empty calibration sweep")
	}
	pts := append([]CalibrationPoint(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Actual < pts[j].Actual })

	actual := make([]float64, len(pts))
	display := make([]float64, len(pts))
	for i, p := range pts {
		if math.IsNaN(p.Actual) || math.IsInf(p.Actual, 0) || math.IsNaN(p.Display) || math.IsInf(p.Display, 0) {
			return nil, fmt.Errorf("calibration point %d is not finite", i)
		}
		if i > 0 && p.Actual == pts[i-1].Actual {
			return nil, fmt.Errorf("duplicate actual attenuation %g", p.Actual)
		}
		if i > 0 && p.Display <= pts[i-1].Display {
			return nil, fmt.Errorf("display value %g at %g dB does not increase with actual attenuation", p.Display, p.Actual)
		}
		actual[i] = p.Actual
		display[i] = p.Display
	}

	s := &sweep{frequency: frequency, points: pts}
	if len(pts) > 1 {
		var toDisplay, toActual interp.PiecewiseLinear
		if err := toDisplay.Fit(actual, display); err != nil {
			return nil, err
		}
		if err := toActual.Fit(display, actual); err != nil {
			return nil, err
		}
		s.toDisplay = &toDisplay
		s.toActual = &toActual
	}
	return s, nil
}

// loss is display minus actual at the 0 dB setting, or at the smallest
// setting when 0 dB was not measured.
func (s *sweep) loss() float64 {
	for _, p := range s.points {
		if p.Actual == 0 {
			return p.Display
		}
	}
	return s.points[0].Display - s.points[0].Actual
}

func (s *sweep) actualFor(display float64) float64 {
	for _, p := range s.points {
		if math.Abs(p.Display-display) < matchTolerance {
			return p.Actual
		}
	}
	if s.toActual == nil {
		return s.points[0].Actual
	}
	return Round2(s.toActual.Predict(display))
}

func (s *sweep) displayFor(actual float64) float64 {
	for _, p := range s.points {
		if math.Abs(p.Actual-actual) < matchTolerance {
			return p.Display
		}
	}
	if s.toDisplay == nil {
		return s.points[0].Display
	}
	return Round2(s.toDisplay.Predict(actual))
}

// nearestSweep returns the sweep measured closest to frequency. Ties go to
// the lower frequency.
func (t *Table) nearestSweep(frequency float64) *sweep {
	if t == nil || len(t.sweeps) == 0 {
		return nil
	}
	i := sort.Search(len(t.sweeps), func(i int) bool { return t.sweeps[i].frequency >= frequency })
	switch {
	case i == 0:
		return t.sweeps[0]
	case i == len(t.sweeps):
		return t.sweeps[i-1]
	}
	lo, hi := t.sweeps[i-1], t.sweeps[i]
	if hi.frequency-frequency < frequency-lo.frequency {
		return hi
	}
	return lo
}

// Calibrated reports whether t carries calibration sweeps.
func (t *Table) Calibrated() bool {
	return t != nil && len(t.sweeps) > 0
}

// ToActual maps the attenuation wanted at the output to the value to command
// on the device, using the sweep measured nearest to frequency. Values are
// interpolated between measured points and clamped to the measured range.
// A nil table or one without sweeps returns display unchanged.
func (t *Table) ToActual(frequency, display float64) float64 {
	s := t.nearestSweep(frequency)
	if s == nil {
		return display
	}
	return s.actualFor(display)
}

// ToDisplay is the inverse of ToActual: it maps a value read back from the
// device to the attenuation seen at the output.
func (t *Table) ToDisplay(frequency, actual float64) float64 {
	s := t.nearestSweep(frequency)
	if s == nil {
		return actual
	}
	return s.displayFor(actual)
}

// Calibration returns the sweep used at frequency: the frequency it was
// measured at and its points ordered by actual attenuation.
func (t *Table) Calibration(frequency float64) (float64, []CalibrationPoint, bool) {
	s := t.nearestSweep(frequency)
	if s == nil {
		return 0, nil, false
	}
	return s.frequency, append([]CalibrationPoint(nil), s.points...), true
}
