package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dronepilot/pilotnet/layers"
)

// ProgressBar renders a single-line training progress indicator
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Aggregates first, then per-head values, so the line is stable.
	for _, key := range orderedMetricKeys(pb.metrics) {
		line += fmt.Sprintf(", %s=%.4f", key, pb.metrics[key])
	}
	line += "]"
	fmt.Fprint(pb.out, line)
}

func orderedMetricKeys(m map[string]float64) []string {
	var head, rest []string
	for _, k := range sortedKeys(m) {
		if k == LossKey || k == AccuracyKey {
			head = append(head, k)
		} else {
			rest = append(rest, k)
		}
	}
	return append(head, rest...)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintArchitecture writes the layer summary followed by memory estimates.
func PrintArchitecture(out io.Writer, spec *layers.ModelSpec) {
	fmt.Fprint(out, spec.Summary())
	fmt.Fprintf(out, "Parameters: %s total, %s trainable\n",
		formatParameterCount(spec.TotalParameters), formatParameterCount(spec.TrainableParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(out, "Input size per sample (MB): %.3f\n", inputSizeMB(spec))
	fmt.Fprintf(out, "Largest activation per sample (MB): %.3f\n\n", largestActivationMB(spec))
}

func shapeMB(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

func inputSizeMB(spec *layers.ModelSpec) float64 {
	total := 0.0
	for _, s := range spec.InputShapes() {
		total += shapeMB(s)
	}
	return total
}

func largestActivationMB(spec *layers.ModelSpec) float64 {
	largest := 0.0
	for _, l := range spec.Layers {
		if mb := shapeMB(l.OutputShape); mb > largest {
			largest = mb
		}
	}
	return largest
}

// TrainingSession is the console progress callback: one bar per training
// and validation pass and an epoch summary line.
type TrainingSession struct {
	BaseCallback
	out             io.Writer
	modelName       string
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int
	printSummary    bool

	trainProgress      *ProgressBar
	validationProgress *ProgressBar
}

// NewTrainingSession creates a progress callback writing to out
// (os.Stdout when nil). printSummary also prints the architecture when
// training begins.
func NewTrainingSession(out io.Writer, modelName string, printSummary bool) *TrainingSession {
	if out == nil {
		out = os.Stdout
	}
	return &TrainingSession{out: out, modelName: modelName, printSummary: printSummary}
}

func (ts *TrainingSession) OnTrainBegin(t *ModelTrainer, steps, validationSteps, epochs int) error {
	ts.stepsPerEpoch = steps
	ts.validationSteps = validationSteps
	ts.epochs = epochs
	if ts.printSummary {
		PrintArchitecture(ts.out, t.GetModelSpec())
	}
	fmt.Fprintf(ts.out, "Training %s: %d epochs, %d steps, %d validation steps\n", ts.modelName, epochs, steps, validationSteps)
	return nil
}

func (ts *TrainingSession) OnEpochBegin(epoch int) error {
	ts.currentEpoch = epoch
	ts.trainProgress = NewProgressBar(ts.out, fmt.Sprintf("Epoch %d/%d", epoch+1, ts.epochs), ts.stepsPerEpoch)
	ts.validationProgress = nil
	return nil
}

func (ts *TrainingSession) OnTrainBatchEnd(step int, logs map[string]float64) error {
	ts.trainProgress.Update(step+1, map[string]float64{LossKey: logs[LossKey], AccuracyKey: logs[AccuracyKey]})
	return nil
}

func (ts *TrainingSession) OnTestBatchEnd(step int, logs map[string]float64) error {
	if ts.validationProgress == nil {
		ts.trainProgress.Finish()
		ts.validationProgress = NewProgressBar(ts.out, fmt.Sprintf("Epoch %d/%d (val)", ts.currentEpoch+1, ts.epochs), ts.validationSteps)
	}
	ts.validationProgress.Update(step+1, map[string]float64{LossKey: logs[LossKey], AccuracyKey: logs[AccuracyKey]})
	return nil
}

func (ts *TrainingSession) OnEpochEnd(epoch int, logs map[string]float64) error {
	if ts.validationProgress != nil {
		ts.validationProgress.Finish()
	} else {
		ts.trainProgress.Finish()
	}

	fmt.Fprintf(ts.out, "Epoch %d/%d - loss: %.4f - accuracy: %.4f", epoch+1, ts.epochs, logs[LossKey], logs[AccuracyKey])
	if v, ok := logs[ValidationKey(LossKey)]; ok {
		fmt.Fprintf(ts.out, " - val_loss: %.4f - val_accuracy: %.4f", v, logs[ValidationKey(AccuracyKey)])
	}
	fmt.Fprintln(ts.out)
	return nil
}
