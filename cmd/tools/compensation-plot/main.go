// Command compensation-plot renders compensation tables (path loss and the
// resulting minimum attenuation) to a PNG.
//
// Usage:
//
//	compensation-plot [-o out.png] [-mark 2400] [file.json|file.yaml ...]
//
// With no files the built-in table is plotted.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/attenuator/internal/compensation"
)

const curvePoints = 400

func main() {
	output := flag.String("o", "compensation.png", "output PNG path")
	mark := flag.Float64("mark", 0, "frequency in MHz to mark on the plot (0 disables)")
	flag.Parse()

	var tables []*compensation.Table
	if flag.NArg() == 0 {
		tables = append(tables, compensation.Default())
	}
	for _, path := range flag.Args() {
		t, err := compensation.LoadFile(path)
		if err != nil {
			log.Fatalf("failed to load %s: %v", path, err)
		}
		tables = append(tables, t)
	}

	if err := renderPlot(tables, *mark, *output); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("✓ Created: %s", *output)
}

func renderPlot(tables []*compensation.Table, mark float64, output string) error {
	if len(tables) == 0 {
		return fmt.Errorf("no tables to plot")
	}

	p := plot.New()
	p.Title.Text = "Compensation"
	p.X.Label.Text = "Frequency (MHz)"
	p.Y.Label.Text = "dB"
	p.Add(plotter.NewGrid())

	colors := generateColors(len(tables))
	for i, t := range tables {
		name := filepath.Base(t.Source())

		lossPts, minPts := curves(t)
		loss, err := plotter.NewLine(lossPts)
		if err != nil {
			return err
		}
		loss.Color = colors[i]
		loss.Width = vg.Points(1)
		loss.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

		floor, err := plotter.NewLine(minPts)
		if err != nil {
			return err
		}
		floor.Color = colors[i]
		floor.Width = vg.Points(1.5)

		samplePts := make(plotter.XYs, 0, t.Len())
		for _, s := range t.Samples() {
			samplePts = append(samplePts, plotter.XY{X: s.Frequency, Y: s.Loss})
		}
		samples, err := plotter.NewScatter(samplePts)
		if err != nil {
			return err
		}
		samples.Color = colors[i]

		p.Add(loss, floor, samples)
		p.Legend.Add(name+" loss", loss)
		p.Legend.Add(name+" min attenuation", floor)
	}

	if mark > 0 {
		p.Title.Text = fmt.Sprintf("Compensation (%.2f dB minimum at %.0f MHz)", tables[0].MinAttenuation(mark), mark)
		lo, hi := p.Y.Min, p.Y.Max
		marker, err := plotter.NewLine(plotter.XYs{{X: mark, Y: lo}, {X: mark, Y: hi}})
		if err != nil {
			return err
		}
		marker.Color = color.Gray{Y: 96}
		p.Add(marker)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(12*vg.Inch, 6*vg.Inch, output)
}

func curves(t *compensation.Table) (loss, floor plotter.XYs) {
	lo, hi := t.Range()
	step := (hi - lo) / float64(curvePoints-1)
	n := curvePoints
	if step <= 0 {
		n, step = 1, 0
	}
	loss = make(plotter.XYs, n)
	floor = make(plotter.XYs, n)
	for i := 0; i < n; i++ {
		f := lo + float64(i)*step
		loss[i] = plotter.XY{X: f, Y: t.Loss(f)}
		floor[i] = plotter.XY{X: f, Y: t.MinAttenuation(f)}
	}
	return loss, floor
}

// generateColors spreads n colours around the hue wheel.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		h := float64(i) / float64(max(n, 1))
		r, g, b := hsvToRGB(h, 0.8, 0.85)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := int(h * 6)
	f := h*6 - float64(i)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(r * 255), uint8(g * 255), uint8(b * 255)
}
