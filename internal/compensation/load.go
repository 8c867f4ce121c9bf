package compensation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuiltinSource is the Source of the table returned by Default.
const BuiltinSource = "builtin"

// maxFileSize bounds compensation files read from disk.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// defaultSamples is the factory calibration of the standard RF path, 50 MHz to
// 8 GHz.
var defaultSamples = []Sample{
	{50, -2.9},
	{1004, -5.05},
	{1998, -6.08},
	{3031, -7.14},
	{4025, -8.12},
	{5019, -9.16},
	{6013, -11.55},
	{7006, -11.99},
	{8000, -13.88},
}

// Default returns the built-in table used when no compensation file is
// configured.
func Default() *Table {
	return MustNew(defaultSamples).WithSource(BuiltinSource)
}

// LoadFile reads a table from a .json, .yaml or .yml file. See FromMap for
// the accepted layouts.
func LoadFile(path string) (*Table, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("compensation file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat compensation file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("compensation file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read compensation file: %w", err)
	}

	t, err := Parse(data, ext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return t.WithSource(cleanPath), nil
}

// Parse decodes a table from data in the format named by ext (".json",
// ".yaml" or ".yml").
func Parse(data []byte, ext string) (*Table, error) {
	raw := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("invalid YAML: %v", err)}
		}
	default:
		return nil, fmt.Errorf("unsupported compensation format %q", ext)
	}
	return FromMap(raw)
}

// FromMap builds a table from a decoded document keyed by frequency (MHz).
// Two layouts are accepted and may be mixed:
//
//	{"50": -2.9, "1004": -5.05}
//	{"50": {"0": -2.9, "10": 7.05}}
//
// The second is a calibration sweep mapping actual attenuation to the value
// displayed at the output. Its insertion loss is display minus actual at the
// 0 dB point, or at the smallest actual setting when 0 dB was not measured,
// and the whole sweep is kept for ToActual and ToDisplay.
// Keys and values may be numbers or numeric strings.
func FromMap(raw map[string]any) (*Table, error) {
	if len(raw) == 0 {
		return nil, ErrTableEmpty
	}

	samples := make([]Sample, 0, len(raw))
	sweeps := make(map[float64][]CalibrationPoint)
	for key, value := range raw {
		freq, err := parseNumber(key)
		if err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("frequency key %q: %v", key, err)}
		}

		var loss float64
		switch v := value.(type) {
		case map[string]any:
			loss, err = addSweep(sweeps, freq, v)
		case map[any]any:
			m := make(map[string]any, len(v))
			for k, vv := range v {
				m[fmt.Sprint(k)] = vv
			}
			loss, err = addSweep(sweeps, freq, m)
		default:
			loss, err = toFloat(v)
		}
		if err != nil {
			return nil, &MalformedTableError{Index: -1, Reason: fmt.Sprintf("frequency %s: %v", key, err)}
		}
		samples = append(samples, Sample{Frequency: freq, Loss: loss})
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Frequency < samples[j].Frequency })
	return NewCalibrated(samples, sweeps)
}

// addSweep parses one calibration sweep into sweeps and returns its
// insertion loss.
func addSweep(sweeps map[float64][]CalibrationPoint, freq float64, raw map[string]any) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("empty calibration sweep")
	}
	points := make([]CalibrationPoint, 0, len(raw))
	for k, v := range raw {
		actual, err := parseNumber(k)
		if err != nil {
			return 0, fmt.Errorf("actual attenuation %q: %w", k, err)
		}
		display, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("display value for %q: %w", k, err)
		}
		points = append(points, CalibrationPoint{Actual: actual, Display: display})
	}
	sw, err := newSweep(freq, points)
	if err != nil {
		return 0, err
	}
	sweeps[freq] = points
	return sw.loss(), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return parseNumber(n)
	default:
		return 0, fmt.Errorf("not a number: %v (%T)", v, v)
	}
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}
