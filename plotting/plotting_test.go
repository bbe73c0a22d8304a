package plotting

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "curve.png")
	chart := Chart{
		Title:         "model loss",
		XLabel:        "epoch",
		YLabel:        "loss",
		LegendTopLeft: true,
		Series: []Series{
			{Name: "train", Y: []float64{1, 0.5, 0.25}},
			{Name: "test", X: []float64{0, 1, 2}, Y: []float64{1.2, 0.7, 0.4}},
		},
	}
	if err := chart.SavePNG(path); err != nil {
		t.Fatalf("SavePNG: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("output is not a PNG file")
	}
}

func TestBuildRejectsShortX(t *testing.T) {
	chart := Chart{Series: []Series{{Name: "a", X: []float64{0}, Y: []float64{1, 2}}}}
	if _, err := chart.Build(); err == nil {
		t.Error("expected error for mismatched series")
	}
}

func TestBuildLegend(t *testing.T) {
	p, err := Chart{LegendTopLeft: true, Series: []Series{{Name: "train", Y: []float64{1}}}}.Build()
	if err != nil {
		t.Fatal(err)
	}
	if !p.Legend.Left || !p.Legend.Top {
		t.Error("legend not in the upper-left corner")
	}
}
