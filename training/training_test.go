package training

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/engine"
	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/optimizer"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

var headTargets = []float32{0.8, 0.2, 0.7, 0.3}

// tinySpec is a two-input, four-head model small enough to train in tests.
// The hidden layer lives in the "trunk" scope so it can be frozen.
func tinySpec(t *testing.T) *layers.ModelSpec {
	t.Helper()
	mb := layers.NewModelBuilder("tiny")
	img := mb.Input("image", 4, 4, 1)
	meta := mb.Input("meta", dataset.MetadataWidth)
	flat := mb.Flatten(img, "flat")
	fused := mb.Concat([]string{flat, meta}, 0, "fusion")
	mb.SetScope("trunk")
	h := mb.ReLU(mb.Dense(fused, 8, "hidden"), "hidden_relu")
	mb.SetScope("")
	var outs []string
	for i := range headTargets {
		logit := mb.Dense(h, 1, fmt.Sprintf("out_%d_logit", i))
		outs = append(outs, mb.Sigmoid(logit, fmt.Sprintf("out_%d", i)))
	}
	spec, err := mb.Output(outs...).Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return spec
}

type memSeq struct {
	batches []*dataset.Batch
}

func (s *memSeq) Len() int { return len(s.batches) }

func (s *memSeq) Batch(i int) (*dataset.Batch, error) {
	if i < 0 || i >= len(s.batches) {
		return nil, dataset.ErrIndexOutOfRange
	}
	return s.batches[i], nil
}

func makeSeq(batches, size int, seed int64) *memSeq {
	rng := rand.New(rand.NewSource(seed))
	seq := &memSeq{}
	for b := 0; b < batches; b++ {
		img, _ := tensor.RandomUniform(rng, []int{size, 4, 4, 1}, 0, 1)
		meta, _ := tensor.RandomUniform(rng, []int{size, dataset.MetadataWidth}, 0, 1)
		batch := &dataset.Batch{Inputs: []*tensor.Tensor{img, meta}}
		for _, v := range headTargets {
			target, _ := tensor.Full([]int{size, 1}, v)
			batch.Targets = append(batch.Targets, target)
		}
		seq.batches = append(seq.batches, batch)
	}
	return seq
}

func newTrainer(t *testing.T, seed int64) *ModelTrainer {
	t.Helper()
	model, err := engine.NewModel(tinySpec(t), seed)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	trainer, err := NewModelTrainer(model)
	if err != nil {
		t.Fatalf("NewModelTrainer: %v", err)
	}
	return trainer
}

func compiledTrainer(t *testing.T, seed int64) *ModelTrainer {
	t.Helper()
	trainer := newTrainer(t, seed)
	opt, err := optimizer.New(optimizer.NameAdam, 0.01, TrainableShapes(trainer.Model()))
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	if err := trainer.Compile(NewHuberLoss(1.0), opt); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return trainer
}

func TestHuberLoss(t *testing.T) {
	pred := tensor.MustNew([]int{2, 1}, []float32{0, 3})
	target := tensor.MustNew([]int{2, 1}, []float32{0.5, 0})
	h := NewHuberLoss(1.0)

	loss, err := h.Forward(pred, target)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if math.Abs(loss-1.3125) > 1e-9 {
		t.Errorf("loss = %v, want 1.3125", loss)
	}

	grad, err := h.Backward(pred, target)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if grad.Data[0] != -0.25 || grad.Data[1] != 0.5 {
		t.Errorf("grad = %v, want [-0.25 0.5]", grad.Data)
	}

	if _, err := h.Forward(pred, tensor.Zeros(3, 1)); errors.Cause(err) != tensor.ErrShapeMismatch {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestMSELoss(t *testing.T) {
	pred := tensor.MustNew([]int{2}, []float32{1, 3})
	target := tensor.MustNew([]int{2}, []float32{0, 1})
	m := NewMSELoss("")
	loss, _ := m.Forward(pred, target)
	if loss != 2.5 {
		t.Errorf("loss = %v, want 2.5", loss)
	}
	grad, _ := m.Backward(pred, target)
	if grad.Data[0] != 1 || grad.Data[1] != 2 {
		t.Errorf("grad = %v, want [1 2]", grad.Data)
	}
	if _, err := NewLoss("hinge"); err == nil {
		t.Error("expected unknown loss error")
	}
}

func TestBinaryAccuracyThresholdsBothSides(t *testing.T) {
	pred := tensor.MustNew([]int{4, 1}, []float32{0.7, 0.2, 0.6, 0.4})
	target := tensor.MustNew([]int{4, 1}, []float32{0.9, 0.1, 0.3, 0.5})
	if got := BinaryAccuracy(pred, target, AccuracyThreshold); got != 0.5 {
		t.Errorf("accuracy = %v, want 0.5", got)
	}
	if got := BinaryAccuracy(pred, tensor.Zeros(2, 1), AccuracyThreshold); got != 0 {
		t.Errorf("mismatched sizes should score 0, got %v", got)
	}
}

func TestCalculateRegressionMetrics(t *testing.T) {
	m := CalculateRegressionMetrics([]float32{1, 2, 3}, []float32{1, 2, 5})
	if math.Abs(m.MAE-2.0/3) > 1e-9 || math.Abs(m.MSE-4.0/3) > 1e-9 {
		t.Errorf("MAE=%v MSE=%v", m.MAE, m.MSE)
	}
	if math.Abs(m.RMSE-math.Sqrt(4.0/3)) > 1e-9 {
		t.Errorf("RMSE=%v", m.RMSE)
	}
	if math.Abs(m.NMAE-(2.0/3)/4) > 1e-9 {
		t.Errorf("NMAE=%v", m.NMAE)
	}
	if empty := CalculateRegressionMetrics(nil, nil); empty.MSE != 0 {
		t.Errorf("empty metrics = %+v", empty)
	}
}

func TestTrainBatchRequiresCompile(t *testing.T) {
	trainer := newTrainer(t, 1)
	seq := makeSeq(1, 4, 1)
	if _, err := trainer.TrainBatch(seq.batches[0]); err != ErrNotCompiled {
		t.Errorf("expected ErrNotCompiled, got %v", err)
	}
	if _, err := trainer.Fit(context.Background(), seq, nil, FitConfig{Epochs: 1}); err != ErrNotCompiled {
		t.Errorf("expected ErrNotCompiled from Fit, got %v", err)
	}
	if trainer.State() != StateUncompiled {
		t.Errorf("state = %s", trainer.State())
	}
}

func TestTrainBatchLogs(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	logs, err := trainer.TrainBatch(makeSeq(1, 4, 2).batches[0])
	if err != nil {
		t.Fatalf("TrainBatch: %v", err)
	}
	var sum float64
	for i := range headTargets {
		key := LossKeyFor(fmt.Sprintf("out_%d", i))
		v, ok := logs[key]
		if !ok {
			t.Fatalf("missing %s in %v", key, logs)
		}
		sum += v
	}
	if math.Abs(logs[LossKey]-sum) > 1e-9 {
		t.Errorf("loss %v is not the sum of head losses %v", logs[LossKey], sum)
	}
	if trainer.TotalSteps() != 1 {
		t.Errorf("TotalSteps = %d", trainer.TotalSteps())
	}
}

func TestFreezeRequiresRecompile(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	batch := makeSeq(1, 4, 3).batches[0]
	if err := trainer.Model().SetFrozen("trunk", true); err != nil {
		t.Fatalf("SetFrozen: %v", err)
	}
	if _, err := trainer.TrainBatch(batch); err != ErrTrainableChanged {
		t.Fatalf("expected ErrTrainableChanged, got %v", err)
	}
	if err := trainer.CompileByName("huber", optimizer.NameAdaBelief, 0); err != nil {
		t.Fatalf("CompileByName: %v", err)
	}

	hidden := trainer.Model().Weights()
	if _, err := trainer.TrainBatch(batch); err != nil {
		t.Fatalf("TrainBatch after recompile: %v", err)
	}
	after := trainer.Model().Weights()
	for i, w := range hidden {
		if !strings.HasPrefix(w.Name, "trunk/") {
			continue
		}
		for j := range w.Data {
			if w.Data[j] != after[i].Data[j] {
				t.Fatalf("frozen weight %s changed", w.Name)
			}
		}
	}
}

func TestFitRecordsHistory(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	var out bytes.Buffer
	history, err := trainer.Fit(context.Background(), makeSeq(4, 8, 4), makeSeq(2, 8, 5), FitConfig{
		Epochs:        3,
		StepsPerEpoch: 3,
		Callbacks:     []Callback{NewTrainingSession(&out, "tiny", true)},
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if history.Len() != 3 {
		t.Fatalf("history has %d epochs, want 3", history.Len())
	}
	for _, key := range []string{"loss", "accuracy", "out_0_loss", "out_3_accuracy", "val_loss", "val_out_0_accuracy", "lr"} {
		if len(history.Get(key)) != 3 {
			t.Errorf("history[%s] = %v", key, history.Get(key))
		}
	}
	if trainer.State() != StateEpochsExhausted {
		t.Errorf("state = %s, want epochs_exhausted", trainer.State())
	}
	if trainer.TotalSteps() != 9 {
		t.Errorf("TotalSteps = %d, want 9", trainer.TotalSteps())
	}
	if !strings.Contains(out.String(), "Epoch 3/3") || !strings.Contains(out.String(), "val_loss") {
		t.Errorf("progress output missing epoch summary:\n%s", out.String())
	}
}

func TestFitLearnsConstantTargets(t *testing.T) {
	trainer := compiledTrainer(t, 2)
	history, err := trainer.Fit(context.Background(), makeSeq(4, 8, 6), nil, FitConfig{Epochs: 40})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	loss := history.Get(LossKey)
	if loss[len(loss)-1] >= loss[0] {
		t.Errorf("loss did not decrease: first %v last %v", loss[0], loss[len(loss)-1])
	}
}

func TestFitStepsBeyondSequence(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	_, err := trainer.Fit(context.Background(), makeSeq(2, 4, 1), nil, FitConfig{Epochs: 1, StepsPerEpoch: 3})
	if errors.Cause(err) != dataset.ErrIndexOutOfRange {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestFitCancelled(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trainer.Fit(ctx, makeSeq(2, 4, 1), nil, FitConfig{Epochs: 2}); errors.Cause(err) != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if trainer.State() != StateCompiled {
		t.Errorf("state after failed fit = %s", trainer.State())
	}
}

func TestEarlyStoppingSemantics(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	es := NewEarlyStopping()
	es.Patience = 2
	es.OnTrainBegin(trainer, 1, 0, 10)

	losses := []float64{1.0, 0.5, 0.4995, 0.4993}
	for epoch, l := range losses {
		es.OnEpochEnd(epoch, map[string]float64{LossKey: l})
		if trainer.stop {
			if epoch != 3 {
				t.Fatalf("stopped at epoch %d, want 3", epoch)
			}
			break
		}
	}
	if !trainer.stop || es.StoppedEpoch() != 3 || es.Best() != 0.5 {
		t.Errorf("stop=%v stopped=%d best=%v", trainer.stop, es.StoppedEpoch(), es.Best())
	}
}

func TestFitEarlyStops(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	es := NewEarlyStopping()
	es.Patience = 1
	es.MinDelta = 100
	history, err := trainer.Fit(context.Background(), makeSeq(2, 4, 1), nil, FitConfig{
		Epochs:    10,
		Callbacks: []Callback{es},
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if history.Len() != 2 || trainer.State() != StateEarlyStopped {
		t.Errorf("epochs=%d state=%s, want 2 early_stopped", history.Len(), trainer.State())
	}
}

func TestModelCheckpointSavesBestOnly(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	path := filepath.Join(t.TempDir(), "ckpt", "best_checkpoint")
	mc := NewModelCheckpoint(path)
	if err := mc.OnTrainBegin(trainer, 1, 1, 3); err != nil {
		t.Fatal(err)
	}
	for epoch, acc := range []float64{0.5, 0.4, 0.6} {
		if err := mc.OnEpochEnd(epoch, map[string]float64{LossKey: 1, "val_accuracy": acc}); err != nil {
			t.Fatalf("OnEpochEnd: %v", err)
		}
	}
	if mc.Saves() != 2 {
		t.Errorf("saves = %d, want 2", mc.Saves())
	}
	wf, err := checkpoints.LoadWeights(path)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if len(wf.Weights) != len(trainer.Model().Parameters()) {
		t.Errorf("weights file has %d tensors", len(wf.Weights))
	}
}

func TestDefaultPaths(t *testing.T) {
	now := mustTime(t, "2024-03-01T10:20:30Z")
	if got := DefaultCheckpointPath("checkpoints", now); got != filepath.Join("checkpoints", "2024-03-01 10:20:30.000000_checkpoint") {
		t.Errorf("checkpoint path = %s", got)
	}
	if got := DefaultTensorBoardDir("logs", now); got != filepath.Join("logs", "1709288430") {
		t.Errorf("log dir = %s", got)
	}
}

func TestTensorBoardCallbackWritesEvents(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	dir := t.TempDir()
	_, err := trainer.Fit(context.Background(), makeSeq(2, 4, 1), makeSeq(1, 4, 2), FitConfig{
		Epochs:    2,
		Callbacks: []Callback{NewTensorBoard(dir)},
	})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	for _, sub := range []string{"train", "validation"} {
		matches, _ := filepath.Glob(filepath.Join(dir, sub, "events.out.tfevents.*"))
		if len(matches) != 1 {
			t.Fatalf("%s: found %v", sub, matches)
		}
		info, err := os.Stat(matches[0])
		if err != nil || info.Size() == 0 {
			t.Errorf("%s event file empty: %v", sub, err)
		}
	}
}

func TestSaveModelAndRestore(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	seq := makeSeq(2, 4, 1)
	if _, err := trainer.Fit(context.Background(), seq, nil, FitConfig{Epochs: 1}); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	dir := t.TempDir()
	saved, err := SaveModel(trainer, dir, "tiny", checkpoints.FormatJSON)
	if err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
	if trainer.State() != StateSaved {
		t.Errorf("state = %s, want saved", trainer.State())
	}
	if filepath.Base(saved.WeightsPath) != "weights_tiny.json" || filepath.Base(saved.ModelPath) != "tiny.json" {
		t.Errorf("unexpected paths %+v", saved)
	}

	restored := compiledTrainer(t, 99)
	cm := NewCheckpointManager(restored, DefaultCheckpointConfig())
	if err := cm.LoadCheckpoint(saved.ModelPath); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if restored.TotalSteps() != trainer.TotalSteps() {
		t.Errorf("TotalSteps = %d, want %d", restored.TotalSteps(), trainer.TotalSteps())
	}
	if restored.Optimizer().GetStepCount() != trainer.Optimizer().GetStepCount() {
		t.Errorf("optimizer step count not restored")
	}
	assertSameWeights(t, trainer.Model(), restored.Model())

	other := newTrainer(t, 42)
	if err := LoadWeightsFile(other.Model(), "", saved.WeightsPath); err != nil {
		t.Fatalf("LoadWeightsFile: %v", err)
	}
	assertSameWeights(t, trainer.Model(), other.Model())

	if _, err := SaveModel(trainer, dir, "../bad", checkpoints.FormatJSON); err == nil {
		t.Error("expected invalid name error")
	}
}

func TestLoadScopedWeightsFile(t *testing.T) {
	src := newTrainer(t, 1)
	path := filepath.Join(t.TempDir(), "trunk.json")
	if err := checkpoints.SaveWeights(path, "tiny", src.Model().Weights()); err != nil {
		t.Fatal(err)
	}
	dst := newTrainer(t, 2)
	before := dst.Model().Weights()
	if err := LoadWeightsFile(dst.Model(), "trunk", path); err != nil {
		t.Fatalf("LoadWeightsFile: %v", err)
	}
	srcW := src.Model().Weights()
	for i, w := range dst.Model().Weights() {
		want := before[i].Data
		if strings.HasPrefix(w.Name, "trunk/") {
			want = srcW[i].Data
		}
		for j := range w.Data {
			if w.Data[j] != want[j] {
				t.Fatalf("%s[%d] = %v, want %v", w.Name, j, w.Data[j], want[j])
			}
		}
	}
}

func TestCheckpointCallbackPeriodic(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	dir := t.TempDir()
	cb := NewCheckpointCallback(CheckpointConfig{SaveDirectory: dir, SaveFrequency: 2, SaveBest: true, MaxCheckpoints: 1})
	if _, err := trainer.Fit(context.Background(), makeSeq(2, 4, 1), makeSeq(1, 4, 2), FitConfig{
		Epochs:    4,
		Callbacks: []Callback{cb},
	}); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	periodic, _ := filepath.Glob(filepath.Join(dir, "checkpoint_epoch_*"))
	if len(periodic) != 1 {
		t.Errorf("expected one retained periodic checkpoint, got %v", periodic)
	}
	if _, err := os.Stat(filepath.Join(dir, "best_checkpoint.json")); err != nil {
		t.Errorf("best checkpoint missing: %v", err)
	}
}

func TestEvaluateRegression(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	metrics, err := EvaluateRegression(trainer, makeSeq(2, 4, 1), 0)
	if err != nil {
		t.Fatalf("EvaluateRegression: %v", err)
	}
	if len(metrics) != 4 {
		t.Fatalf("got %d heads", len(metrics))
	}
	for name, m := range metrics {
		if m.MAE <= 0 || m.RMSE < m.MAE {
			t.Errorf("%s: implausible metrics %+v", name, m)
		}
	}
}

func assertSameWeights(t *testing.T, a, b *engine.Model) {
	t.Helper()
	wa, wb := a.Weights(), b.Weights()
	if len(wa) != len(wb) {
		t.Fatalf("weight count %d vs %d", len(wa), len(wb))
	}
	for i := range wa {
		for j := range wa[i].Data {
			if wa[i].Data[j] != wb[i].Data[j] {
				t.Fatalf("%s differs at %d", wa[i].Name, j)
			}
		}
	}
}

// shortSeq reports more batches than it can serve.
type shortSeq struct {
	*memSeq
	n int
}

func (s *shortSeq) Len() int { return s.n }

func TestFitFailureClosesCallbacks(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	tb := NewTensorBoard(t.TempDir())
	train := &shortSeq{memSeq: makeSeq(1, 4, 1), n: 2}

	_, err := trainer.Fit(context.Background(), train, makeSeq(1, 4, 2), FitConfig{
		Epochs:    2,
		Callbacks: []Callback{tb},
	})
	if errors.Cause(err) != dataset.ErrIndexOutOfRange {
		t.Fatalf("Fit error = %v, want index out of range", err)
	}
	if trainer.State() != StateCompiled {
		t.Errorf("state = %s, want compiled", trainer.State())
	}
	if err := tb.train.AddScalar("epoch_loss", 0, 1); err == nil {
		t.Error("train event writer still open after failed Fit")
	}
	if err := tb.val.AddScalar("epoch_loss", 0, 1); err == nil {
		t.Error("validation event writer still open after failed Fit")
	}
	if err := tb.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSavedModelReloadPredictsSame(t *testing.T) {
	trainer := compiledTrainer(t, 1)
	seq := makeSeq(2, 4, 1)
	if _, err := trainer.Fit(context.Background(), seq, nil, FitConfig{Epochs: 2}); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	inputs := makeSeq(1, 5, 7).batches[0].Inputs
	want, err := trainer.Predict(inputs)
	if err != nil {
		t.Fatal(err)
	}

	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			saved, err := SaveModel(trainer, t.TempDir(), "tiny", format)
			if err != nil {
				t.Fatalf("SaveModel: %v", err)
			}

			fresh := newTrainer(t, 42)
			if err := LoadWeightsFile(fresh.Model(), "", saved.WeightsPath); err != nil {
				t.Fatalf("LoadWeightsFile: %v", err)
			}
			assertSamePredictions(t, fresh, inputs, want)

			cp, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(saved.ModelPath)
			if err != nil {
				t.Fatalf("LoadCheckpoint: %v", err)
			}
			model, err := engine.NewModel(cp.ModelSpec, 99)
			if err != nil {
				t.Fatalf("NewModel from saved spec: %v", err)
			}
			if err := model.LoadWeights(cp.Weights); err != nil {
				t.Fatalf("LoadWeights: %v", err)
			}
			rebuilt, err := NewModelTrainer(model)
			if err != nil {
				t.Fatal(err)
			}
			assertSamePredictions(t, rebuilt, inputs, want)
		})
	}
}

func assertSamePredictions(t *testing.T, mt *ModelTrainer, inputs, want []*tensor.Tensor) {
	t.Helper()
	got, err := mt.Predict(inputs)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].AllClose(want[i], 1e-6) {
			t.Errorf("output %d differs after reload: %v vs %v", i, got[i].Data, want[i].Data)
		}
	}
}
