// Package plotting renders line charts to PNG with gonum/plot.
package plotting

import (
	"bufio"
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Series is one named line. X defaults to 0..len(Y)-1 when nil.
type Series struct {
	Name string
	X    []float64
	Y    []float64
}

// Chart describes one figure.
type Chart struct {
	Title  string
	XLabel string
	YLabel string
	Series []Series

	// LegendTopLeft places the legend in the upper-left corner instead of
	// gonum's default upper-right.
	LegendTopLeft bool

	Width, Height vg.Length // default 8x6 inches
	DPI           int       // default 100
}

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
}

// Build assembles the gonum plot for c.
func (c Chart) Build() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = c.Title
	p.X.Label.Text = c.XLabel
	p.Y.Label.Text = c.YLabel
	p.Legend.Top = true
	p.Legend.Left = c.LegendTopLeft
	p.Add(plotter.NewGrid())

	for i, s := range c.Series {
		pts := make(plotter.XYs, len(s.Y))
		for j, y := range s.Y {
			pts[j].X = float64(j)
			if s.X != nil {
				if j >= len(s.X) {
					return nil, errors.Errorf("series %q has %d x values for %d y values", s.Name, len(s.X), len(s.Y))
				}
				pts[j].X = s.X[j]
			}
			pts[j].Y = y
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "series %q", s.Name)
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1.5)
		p.Add(line)
		if s.Name != "" {
			p.Legend.Add(s.Name, line)
		}
	}
	return p, nil
}

// SavePNG renders c to filename, creating the parent directory.
func (c Chart) SavePNG(filename string) error {
	p, err := c.Build()
	if err != nil {
		return err
	}

	w, h := c.Width, c.Height
	if w == 0 {
		w = 8 * vg.Inch
	}
	if h == 0 {
		h = 6 * vg.Inch
	}
	dpi := c.DPI
	if dpi == 0 {
		dpi = 100
	}

	if dir := filepath.Dir(filename); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "cannot create directory")
		}
	}

	canvas := vgimg.NewWith(vgimg.UseWH(w, h), vgimg.UseDPI(dpi))
	p.Draw(draw.New(canvas))

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "cannot create png")
	}

	bw := bufio.NewWriter(f)
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(bw); err != nil {
		f.Close()
		return errors.Wrap(err, "cannot write png")
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "cannot write png")
	}
	return errors.Wrap(f.Close(), "cannot close png")
}
