package training

import (
	"path/filepath"

	"github.com/dronepilot/pilotnet/plotting"
	"github.com/pkg/errors"
)

// PlotType names the figures the collector can render
type PlotType string

const (
	AccuracyCurve        PlotType = "accuracy"
	LossCurve            PlotType = "loss"
	LearningRateSchedule PlotType = "learning_rate"
	HeadLossCurves       PlotType = "head_loss"
)

// trainTestChart draws a training series and its validation twin with the
// legend in the upper left.
func trainTestChart(h *History, key, title, ylabel string) (plotting.Chart, error) {
	train := h.Get(key)
	if len(train) == 0 {
		return plotting.Chart{}, errors.Errorf("history has no %q values", key)
	}
	chart := plotting.Chart{
		Title:         title,
		XLabel:        "epoch",
		YLabel:        ylabel,
		LegendTopLeft: true,
		Series:        []plotting.Series{{Name: "train", Y: train}},
	}
	if val := h.Get(ValidationKey(key)); len(val) > 0 {
		chart.Series = append(chart.Series, plotting.Series{Name: "test", Y: val})
	}
	return chart, nil
}

// HistoryPlots holds the paths written by SaveHistoryPlots.
type HistoryPlots struct {
	AccuracyPath string
	LossPath     string
}

// SaveHistoryPlots writes <model>_accuracy.png (first head accuracy) and
// <model>_loss.png (model loss) into dir. accuracyKey selects the accuracy
// series, normally AccuracyKeyFor of the first output.
func SaveHistoryPlots(h *History, dir, modelName, accuracyKey string) (*HistoryPlots, error) {
	if h == nil || h.Len() == 0 {
		return nil, errors.New("history is empty")
	}
	plots := &HistoryPlots{
		AccuracyPath: filepath.Join(dir, modelName+"_accuracy.png"),
		LossPath:     filepath.Join(dir, modelName+"_loss.png"),
	}

	acc, err := trainTestChart(h, accuracyKey, "model accuracy", "accuracy")
	if err != nil {
		return nil, err
	}
	if err := acc.SavePNG(plots.AccuracyPath); err != nil {
		return nil, err
	}

	loss, err := trainTestChart(h, LossKey, "model loss", "loss")
	if err != nil {
		return nil, err
	}
	if err := loss.SavePNG(plots.LossPath); err != nil {
		return nil, err
	}
	return plots, nil
}

// VisualizationCollector records per-epoch curves during Fit and renders
// them after training.
type VisualizationCollector struct {
	BaseCallback
	modelName string
	outputDir string
	outputs   []string
	enabled   bool

	history       *History
	learningRates []float64
	written       map[PlotType]string
}

// NewVisualizationCollector creates a collector that writes plots for
// modelName into outputDir when training ends.
func NewVisualizationCollector(modelName, outputDir string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
		outputDir: outputDir,
		enabled:   true,
		history:   NewHistory(),
		written:   make(map[PlotType]string),
	}
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

func (vc *VisualizationCollector) OnTrainBegin(t *ModelTrainer, _, _, _ int) error {
	vc.outputs = append([]string(nil), t.GetModelSpec().Outputs...)
	vc.Clear()
	return nil
}

// RecordEpoch stores one epoch of logs.
func (vc *VisualizationCollector) RecordEpoch(epoch int, logs map[string]float64) {
	if !vc.enabled {
		return
	}
	vc.history.Record(epoch, logs)
	vc.learningRates = append(vc.learningRates, logs[LearningRateKey])
}

func (vc *VisualizationCollector) OnEpochEnd(epoch int, logs map[string]float64) error {
	vc.RecordEpoch(epoch, logs)
	return nil
}

func (vc *VisualizationCollector) OnTrainEnd(*History) error {
	if !vc.enabled || vc.history.Len() == 0 {
		return nil
	}
	return vc.Render()
}

// Render writes every plot the recorded data supports.
func (vc *VisualizationCollector) Render() error {
	accuracyKey := AccuracyKey
	if len(vc.outputs) > 0 {
		accuracyKey = AccuracyKeyFor(vc.outputs[0])
	}
	plots, err := SaveHistoryPlots(vc.history, vc.outputDir, vc.modelName, accuracyKey)
	if err != nil {
		return err
	}
	vc.written[AccuracyCurve] = plots.AccuracyPath
	vc.written[LossCurve] = plots.LossPath

	lr := plotting.Chart{
		Title:  "learning rate",
		XLabel: "epoch",
		YLabel: "lr",
		Series: []plotting.Series{{Name: "lr", Y: vc.learningRates}},
	}
	path := filepath.Join(vc.outputDir, vc.modelName+"_lr.png")
	if err := lr.SavePNG(path); err != nil {
		return err
	}
	vc.written[LearningRateSchedule] = path

	if len(vc.outputs) > 0 {
		heads := plotting.Chart{Title: "head loss", XLabel: "epoch", YLabel: "loss", LegendTopLeft: true}
		for _, out := range vc.outputs {
			if s := vc.history.Get(LossKeyFor(out)); len(s) > 0 {
				heads.Series = append(heads.Series, plotting.Series{Name: out, Y: s})
			}
		}
		if len(heads.Series) > 0 {
			path := filepath.Join(vc.outputDir, vc.modelName+"_head_loss.png")
			if err := heads.SavePNG(path); err != nil {
				return err
			}
			vc.written[HeadLossCurves] = path
		}
	}
	return nil
}

// Written returns the files produced by the last Render.
func (vc *VisualizationCollector) Written() map[PlotType]string {
	return vc.written
}

// Clear drops all recorded data.
func (vc *VisualizationCollector) Clear() {
	vc.history = NewHistory()
	vc.learningRates = nil
	vc.written = make(map[PlotType]string)
}
