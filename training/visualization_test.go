package training

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Errorf("%s is not a PNG", path)
	}
}

func sampleHistory() *History {
	h := NewHistory()
	for epoch := 0; epoch < 3; epoch++ {
		f := float64(epoch)
		h.Record(epoch, map[string]float64{
			"loss":               1 - 0.2*f,
			"val_loss":           1.1 - 0.2*f,
			"out_0_accuracy":     0.5 + 0.1*f,
			"val_out_0_accuracy": 0.45 + 0.1*f,
			"lr":                 1e-4,
		})
	}
	return h
}

func TestSaveHistoryPlots(t *testing.T) {
	dir := t.TempDir()
	plots, err := SaveHistoryPlots(sampleHistory(), dir, "pilot", AccuracyKeyFor("out_0"))
	if err != nil {
		t.Fatalf("SaveHistoryPlots: %v", err)
	}
	if plots.AccuracyPath != filepath.Join(dir, "pilot_accuracy.png") || plots.LossPath != filepath.Join(dir, "pilot_loss.png") {
		t.Errorf("unexpected paths %+v", plots)
	}
	assertPNG(t, plots.AccuracyPath)
	assertPNG(t, plots.LossPath)

	if _, err := SaveHistoryPlots(NewHistory(), dir, "pilot", "accuracy"); err == nil {
		t.Error("expected error for empty history")
	}
	if _, err := SaveHistoryPlots(sampleHistory(), dir, "pilot", "out_9_accuracy"); err == nil {
		t.Error("expected error for missing series")
	}
}

func TestTrainTestChartSeries(t *testing.T) {
	chart, err := trainTestChart(sampleHistory(), LossKey, "model loss", "loss")
	if err != nil {
		t.Fatal(err)
	}
	if !chart.LegendTopLeft || len(chart.Series) != 2 || chart.Series[0].Name != "train" || chart.Series[1].Name != "test" {
		t.Errorf("unexpected chart %+v", chart)
	}
}

func TestHistoryRecordAligns(t *testing.T) {
	h := NewHistory()
	h.Record(0, map[string]float64{"loss": 1})
	h.Record(1, map[string]float64{"loss": 0.5, "val_loss": 0.7})
	if got := h.Get("val_loss"); len(got) != 2 || got[0] != 0 || got[1] != 0.7 {
		t.Errorf("val_loss = %v", got)
	}
	if v, ok := h.Last("loss"); !ok || v != 0.5 {
		t.Errorf("Last(loss) = %v, %v", v, ok)
	}

	path := filepath.Join(t.TempDir(), "history.json")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadHistory(path)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if loaded.Len() != 2 || strings.Join(loaded.Keys(), ",") != "loss,val_loss" {
		t.Errorf("loaded history %+v", loaded)
	}
}

func TestVisualizationCollectorRender(t *testing.T) {
	dir := t.TempDir()
	vc := NewVisualizationCollector("pilot", dir)
	vc.outputs = []string{"out_0"}
	for epoch := 0; epoch < 2; epoch++ {
		vc.RecordEpoch(epoch, map[string]float64{
			"loss": 1, "out_0_loss": 0.5, "out_0_accuracy": 0.5, "lr": 1e-3,
		})
	}
	if err := vc.OnTrainEnd(nil); err != nil {
		t.Fatalf("OnTrainEnd: %v", err)
	}
	for _, kind := range []PlotType{AccuracyCurve, LossCurve, LearningRateSchedule, HeadLossCurves} {
		path, ok := vc.Written()[kind]
		if !ok {
			t.Errorf("%s not written", kind)
			continue
		}
		assertPNG(t, path)
	}

	vc.Disable()
	vc.RecordEpoch(2, map[string]float64{"loss": 1})
	if vc.history.Len() != 2 {
		t.Errorf("disabled collector recorded an epoch")
	}
}

func TestSchedulers(t *testing.T) {
	step := NewStepLRScheduler(2, 0.5)
	if lr := step.GetLR(5, 0, 1); lr != 0.25 {
		t.Errorf("step lr = %v", lr)
	}
	cos := NewCosineAnnealingLRScheduler(10, 0)
	if lr := cos.GetLR(5, 0, 1); math.Abs(lr-0.5) > 1e-12 {
		t.Errorf("cosine lr = %v", lr)
	}
	if lr := cos.GetLR(10, 0, 1); lr != 0 {
		t.Errorf("cosine end lr = %v", lr)
	}

	plateau := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")
	lr := plateau.Step(1.0, 0.1)
	for _, m := range []float64{1.0, 1.0} {
		lr = plateau.Step(m, lr)
	}
	if math.Abs(lr-0.05) > 1e-12 {
		t.Errorf("plateau lr = %v, want 0.05", lr)
	}
	if v, ok := plateau.Metric(map[string]float64{"loss": 3}); !ok || v != 3 {
		t.Errorf("plateau falls back to loss, got %v %v", v, ok)
	}

	for _, name := range []string{"constant", "step", "exponential", "cosine", "plateau"} {
		if _, err := NewScheduler(name, 10); err != nil {
			t.Errorf("NewScheduler(%q): %v", name, err)
		}
	}
	if _, err := NewScheduler("warmup", 10); err == nil {
		t.Error("expected unknown scheduler error")
	}
}

func TestProgressBarRender(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Epoch 1/2", 4)
	pb.Update(2, map[string]float64{"accuracy": 0.5, "loss": 0.25, "out_0_loss": 0.1})
	pb.Finish()
	s := out.String()
	if !strings.Contains(s, "Epoch 1/2:  50%") || !strings.Contains(s, "4/4") {
		t.Errorf("unexpected progress output %q", s)
	}
	if strings.Index(s, "accuracy=") > strings.Index(s, "out_0_loss=") {
		t.Errorf("aggregate metrics should come first: %q", s)
	}
}
