package training

import (
	"fmt"
	"log"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/dronepilot/pilotnet/tensorboard"
	"github.com/pkg/errors"
)

// Callback observes a Fit run. Epoch and step indices start at zero.
type Callback interface {
	OnTrainBegin(trainer *ModelTrainer, steps, validationSteps, epochs int) error
	OnEpochBegin(epoch int) error
	OnTrainBatchEnd(step int, logs map[string]float64) error
	OnTestBatchEnd(step int, logs map[string]float64) error
	OnEpochEnd(epoch int, logs map[string]float64) error
	OnTrainEnd(history *History) error
}

// BaseCallback implements every Callback method as a no-op. Embed it and
// override what is needed.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(*ModelTrainer, int, int, int) error { return nil }
func (BaseCallback) OnEpochBegin(int) error                          { return nil }
func (BaseCallback) OnTrainBatchEnd(int, map[string]float64) error   { return nil }
func (BaseCallback) OnTestBatchEnd(int, map[string]float64) error    { return nil }
func (BaseCallback) OnEpochEnd(int, map[string]float64) error        { return nil }
func (BaseCallback) OnTrainEnd(*History) error                       { return nil }

// Closer is implemented by callbacks holding files or other resources.
// Fit calls Close when it returns, after OnTrainEnd on success and on every
// error path once OnTrainBegin has run.
type Closer interface {
	Close() error
}

type callbackList []Callback

func (cl callbackList) each(fn func(Callback) error) error {
	for _, cb := range cl {
		if err := fn(cb); err != nil {
			return err
		}
	}
	return nil
}

func (cl callbackList) OnTrainBegin(t *ModelTrainer, steps, valSteps, epochs int) error {
	return cl.each(func(cb Callback) error { return cb.OnTrainBegin(t, steps, valSteps, epochs) })
}

func (cl callbackList) OnEpochBegin(epoch int) error {
	return cl.each(func(cb Callback) error { return cb.OnEpochBegin(epoch) })
}

func (cl callbackList) OnTrainBatchEnd(step int, logs map[string]float64) error {
	return cl.each(func(cb Callback) error { return cb.OnTrainBatchEnd(step, logs) })
}

func (cl callbackList) OnTestBatchEnd(step int, logs map[string]float64) error {
	return cl.each(func(cb Callback) error { return cb.OnTestBatchEnd(step, logs) })
}

func (cl callbackList) OnEpochEnd(epoch int, logs map[string]float64) error {
	return cl.each(func(cb Callback) error { return cb.OnEpochEnd(epoch, logs) })
}

func (cl callbackList) OnTrainEnd(h *History) error {
	return cl.each(func(cb Callback) error { return cb.OnTrainEnd(h) })
}

// close releases every Closer and returns the first error.
func (cl callbackList) close() error {
	var first error
	for _, cb := range cl {
		if c, ok := cb.(Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// monitorMode resolves "auto" the way Keras does: accuracy-like metrics
// are maximized, everything else minimized.
func monitorMode(mode, monitor string) string {
	switch mode {
	case "min", "max":
		return mode
	}
	if strings.Contains(monitor, "acc") {
		return "max"
	}
	return "min"
}

// EarlyStopping stops training once Monitor has not improved by more than
// MinDelta for Patience consecutive epochs.
type EarlyStopping struct {
	BaseCallback
	Monitor  string
	MinDelta float64
	Patience int
	Mode     string // "min", "max" or "auto"

	trainer      *ModelTrainer
	best         float64
	wait         int
	stoppedEpoch int
	bestEpoch    int
}

// NewEarlyStopping returns a stopper on training loss with min delta 0.001
// and patience 15.
func NewEarlyStopping() *EarlyStopping {
	return &EarlyStopping{Monitor: LossKey, MinDelta: 0.001, Patience: 15, Mode: "auto"}
}

func (es *EarlyStopping) improved(current float64) bool {
	if monitorMode(es.Mode, es.Monitor) == "max" {
		return current-math.Abs(es.MinDelta) > es.best
	}
	return current+math.Abs(es.MinDelta) < es.best
}

func (es *EarlyStopping) OnTrainBegin(t *ModelTrainer, _, _, _ int) error {
	es.trainer = t
	es.wait = 0
	es.stoppedEpoch = -1
	es.bestEpoch = 0
	if monitorMode(es.Mode, es.Monitor) == "max" {
		es.best = math.Inf(-1)
	} else {
		es.best = math.Inf(1)
	}
	return nil
}

func (es *EarlyStopping) OnEpochEnd(epoch int, logs map[string]float64) error {
	current, ok := logs[es.Monitor]
	if !ok {
		log.Printf("early stopping conditioned on unavailable metric %q", es.Monitor)
		return nil
	}
	es.wait++
	if es.improved(current) {
		es.best = current
		es.bestEpoch = epoch
		es.wait = 0
		return nil
	}
	if es.wait >= es.Patience && epoch > 0 {
		es.stoppedEpoch = epoch
		es.trainer.StopTraining()
	}
	return nil
}

func (es *EarlyStopping) OnTrainEnd(*History) error {
	if es.stoppedEpoch >= 0 {
		log.Printf("epoch %d: early stopping (best %s=%.5f at epoch %d)", es.stoppedEpoch+1, es.Monitor, es.best, es.bestEpoch+1)
	}
	return nil
}

// StoppedEpoch returns the epoch training stopped at, or -1.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }

// Best returns the best monitored value seen.
func (es *EarlyStopping) Best() float64 { return es.best }

// DefaultCheckpointPath returns dir/<timestamp>_checkpoint.
func DefaultCheckpointPath(dir string, now time.Time) string {
	return filepath.Join(dir, now.Format("2006-01-02 15:04:05.000000")+"_checkpoint")
}

// ModelCheckpoint saves the model at the end of an epoch, by default only
// when Monitor improves and only the weights.
type ModelCheckpoint struct {
	BaseCallback
	Path            string
	Monitor         string
	Mode            string
	SaveBestOnly    bool
	SaveWeightsOnly bool
	Format          checkpoints.CheckpointFormat

	trainer *ModelTrainer
	manager *CheckpointManager
	best    float64
	saves   int
}

// NewModelCheckpoint writes to path whenever validation accuracy reaches a
// new maximum.
func NewModelCheckpoint(path string) *ModelCheckpoint {
	return &ModelCheckpoint{
		Path:            path,
		Monitor:         ValidationKey(AccuracyKey),
		Mode:            "max",
		SaveBestOnly:    true,
		SaveWeightsOnly: true,
		Format:          checkpoints.FormatJSON,
	}
}

func (mc *ModelCheckpoint) OnTrainBegin(t *ModelTrainer, _, _, _ int) error {
	if mc.Path == "" {
		return errors.New("checkpoint path is empty")
	}
	mc.trainer = t
	mc.manager = NewCheckpointManager(t, CheckpointConfig{
		SaveDirectory: filepath.Dir(mc.Path),
		Format:        mc.Format,
	})
	if monitorMode(mc.Mode, mc.Monitor) == "max" {
		mc.best = math.Inf(-1)
	} else {
		mc.best = math.Inf(1)
	}
	return nil
}

func (mc *ModelCheckpoint) OnEpochEnd(epoch int, logs map[string]float64) error {
	if mc.SaveBestOnly {
		current, ok := logs[mc.Monitor]
		if !ok {
			log.Printf("can save best model only with %s available, skipping", mc.Monitor)
			return nil
		}
		better := current < mc.best
		if monitorMode(mc.Mode, mc.Monitor) == "max" {
			better = current > mc.best
		}
		if !better {
			return nil
		}
		log.Printf("epoch %d: %s improved from %.5f to %.5f, saving model to %s", epoch+1, mc.Monitor, mc.best, current, mc.Path)
		mc.best = current
	}

	var err error
	if mc.SaveWeightsOnly {
		err = mc.manager.SaveWeightsTo(mc.Path)
	} else {
		desc := fmt.Sprintf("epoch %d %s=%.5f", epoch+1, mc.Monitor, logs[mc.Monitor])
		err = mc.manager.SaveCheckpointTo(mc.Path, epoch, float32(logs[LossKey]), float32(logs[mc.Monitor]), desc)
	}
	if err != nil {
		return errors.Wrap(err, "model checkpoint")
	}
	mc.saves++
	return nil
}

// Saves returns how many times the checkpoint was written.
func (mc *ModelCheckpoint) Saves() int { return mc.saves }

// DefaultTensorBoardDir returns dir/<unix seconds>.
func DefaultTensorBoardDir(dir string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%d", now.Unix()))
}

// TensorBoard writes epoch metrics as scalar summaries under
// LogDir/train and LogDir/validation, tagged "epoch_<metric>".
type TensorBoard struct {
	BaseCallback
	LogDir string

	train *tensorboard.EventWriter
	val   *tensorboard.EventWriter
}

// NewTensorBoard logs to logDir.
func NewTensorBoard(logDir string) *TensorBoard {
	return &TensorBoard{LogDir: logDir}
}

func (tb *TensorBoard) OnTrainBegin(*ModelTrainer, int, int, int) error {
	var err error
	if tb.train, err = tensorboard.NewEventWriter(filepath.Join(tb.LogDir, "train")); err != nil {
		return err
	}
	if tb.val, err = tensorboard.NewEventWriter(filepath.Join(tb.LogDir, "validation")); err != nil {
		tb.train.Close()
		return err
	}
	return nil
}

func (tb *TensorBoard) OnEpochEnd(epoch int, logs map[string]float64) error {
	for _, k := range sortedKeys(logs) {
		w, tag := tb.train, k
		if IsValidationKey(k) {
			w, tag = tb.val, strings.TrimPrefix(k, ValidationPrefix)
		}
		if err := w.AddScalar("epoch_"+tag, int64(epoch), float32(logs[k])); err != nil {
			return err
		}
	}
	if err := tb.train.Flush(); err != nil {
		return err
	}
	return tb.val.Flush()
}

func (tb *TensorBoard) OnTrainEnd(*History) error {
	return tb.Close()
}

// Close closes both event files. It is safe to call more than once.
func (tb *TensorBoard) Close() error {
	var err error
	for _, w := range []*tensorboard.EventWriter{tb.train, tb.val} {
		if w == nil {
			continue
		}
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
