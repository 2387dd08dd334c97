// Package report renders training curves as PNG files.
package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// History holds one value per episode for each tracked series. Losses only
// has entries for episodes that trained.
type History struct {
	Scores        []float64
	Losses        []float64
	Turns         []float64
	InvalidRatios []float64
}

// RollingMean averages each point with up to window-1 predecessors.
func RollingMean(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

var (
	rawColor  = color.RGBA{R: 187, G: 173, B: 160, A: 255}
	meanColor = color.RGBA{R: 246, G: 94, B: 59, A: 255}
)

// Curve describes one chart.
type Curve struct {
	Title  string
	YLabel string
	Values []float64
	Window int
	// LogScale plots Y on a log axis; non-positive values are clamped.
	LogScale bool
}

// WriteCurve saves a chart of the raw series and its rolling mean.
func WriteCurve(path string, c Curve) error {
	if len(c.Values) == 0 {
		return fmt.Errorf("curve %q has no values", c.Title)
	}
	values := c.Values
	if c.LogScale {
		values = make([]float64, len(c.Values))
		for i, v := range c.Values {
			values[i] = math.Max(v, 1e-12)
		}
	}

	p := plot.New()
	p.Title.Text = c.Title
	p.X.Label.Text = "episode"
	p.Y.Label.Text = c.YLabel
	if c.LogScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}

	raw, err := plotter.NewLine(toXYs(values))
	if err != nil {
		return fmt.Errorf("raw line: %w", err)
	}
	raw.Color = rawColor
	mean, err := plotter.NewLine(toXYs(RollingMean(values, c.Window)))
	if err != nil {
		return fmt.Errorf("mean line: %w", err)
	}
	mean.Color = meanColor
	mean.Width = vg.Points(2)

	p.Add(raw, mean)
	if c.LogScale {
		p.Y.Min, p.Y.Max = logRange(values)
	}
	p.Legend.Add("raw", raw)
	p.Legend.Add(fmt.Sprintf("mean(%d)", c.Window), mean)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// logRange spans the positive values, widened a decade each way when flat.
// plot's own padding of a flat axis goes below zero.
func logRange(values []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return lo / 10, hi * 10
	}
	return lo, hi
}

func toXYs(values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	return pts
}

// WriteTrainingCurves renders every non-empty series of h into dir and
// returns the files written.
func WriteTrainingCurves(dir string, h History, window int) ([]string, error) {
	curves := []struct {
		file  string
		curve Curve
	}{
		{"score.png", Curve{Title: "Score", YLabel: "merge score", Values: h.Scores, Window: window}},
		{"loss.png", Curve{Title: "Loss", YLabel: "mean loss", Values: h.Losses, Window: window, LogScale: true}},
		{"turns.png", Curve{Title: "Turns", YLabel: "moves per episode", Values: h.Turns, Window: window}},
		{"invalid.png", Curve{Title: "Invalid moves", YLabel: "invalid / turns", Values: h.InvalidRatios, Window: window}},
	}
	var written []string
	for _, c := range curves {
		if len(c.curve.Values) == 0 {
			continue
		}
		path := filepath.Join(dir, c.file)
		if err := WriteCurve(path, c.curve); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
