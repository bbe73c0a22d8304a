package training

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/dronepilot/pilotnet/async"
	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/engine"
	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/optimizer"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// TrainerState tracks where a ModelTrainer is in its lifecycle.
type TrainerState int

const (
	StateUncompiled TrainerState = iota
	StateCompiled
	StateTraining
	StateEarlyStopped
	StateEpochsExhausted
	StateSaved
)

func (s TrainerState) String() string {
	switch s {
	case StateUncompiled:
		return "uncompiled"
	case StateCompiled:
		return "compiled"
	case StateTraining:
		return "training"
	case StateEarlyStopped:
		return "early_stopped"
	case StateEpochsExhausted:
		return "epochs_exhausted"
	case StateSaved:
		return "saved"
	default:
		return "unknown"
	}
}

var (
	// ErrNotCompiled is returned by training and evaluation before Compile.
	ErrNotCompiled = errors.New("model must be compiled before training")
	// ErrTrainableChanged is returned when parameters were frozen or
	// unfrozen after Compile.
	ErrTrainableChanged = errors.New("trainable parameters changed since compile; compile again")
)

// ModelTrainer fits an engine.Model with one loss applied to every output.
// The model loss is the sum of the per-output losses.
type ModelTrainer struct {
	model     *engine.Model
	loss      Loss
	optimizer optimizer.Optimizer
	bound     []*engine.Parameter

	state      TrainerState
	stop       bool
	epoch      int
	totalSteps int
	baseLR     float32

	lastStepTime time.Duration
}

// NewModelTrainer wraps model. Compile must be called before training.
func NewModelTrainer(model *engine.Model) (*ModelTrainer, error) {
	if model == nil {
		return nil, errors.New("model cannot be nil")
	}
	return &ModelTrainer{model: model, state: StateUncompiled}, nil
}

// TrainableShapes returns the shapes of the model's trainable parameters in
// the order Compile binds them. Optimizers must be built from these shapes.
func TrainableShapes(model *engine.Model) [][]int {
	params := model.TrainableParameters()
	shapes := make([][]int, len(params))
	for i, p := range params {
		shapes[i] = p.Value.Size()
	}
	return shapes
}

// Compile binds the loss and the optimizer to the currently trainable
// parameters. Freezing or unfreezing afterwards requires compiling again.
func (mt *ModelTrainer) Compile(loss Loss, opt optimizer.Optimizer) error {
	if loss == nil || opt == nil {
		return errors.New("loss and optimizer are required")
	}
	if mt.state == StateTraining {
		return errors.New("cannot compile while training")
	}
	params := mt.model.TrainableParameters()
	if len(params) == 0 {
		return errors.New("model has no trainable parameters")
	}
	weights := make([][]float32, len(params))
	for i, p := range params {
		weights[i] = p.Value.Data
	}
	if err := opt.SetWeights(weights); err != nil {
		return errors.Wrap(err, "failed to bind optimizer")
	}

	mt.loss = loss
	mt.optimizer = opt
	mt.bound = params
	mt.baseLR = opt.LearningRate()
	mt.state = StateCompiled
	return nil
}

// CompileByName builds the loss and optimizer from their names and
// compiles with them. A non-positive lr keeps the optimizer default.
func (mt *ModelTrainer) CompileByName(lossName, optimizerName string, lr float32) error {
	loss, err := NewLoss(lossName)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(optimizerName, lr, TrainableShapes(mt.model))
	if err != nil {
		return err
	}
	return mt.Compile(loss, opt)
}

func (mt *ModelTrainer) checkReady() error {
	if mt.state == StateUncompiled {
		return ErrNotCompiled
	}
	current := mt.model.TrainableParameters()
	if len(current) != len(mt.bound) {
		return ErrTrainableChanged
	}
	for i, p := range current {
		if p != mt.bound[i] {
			return ErrTrainableChanged
		}
	}
	return nil
}

// TrainBatch runs one optimization step on b and returns its logs.
func (mt *ModelTrainer) TrainBatch(b *dataset.Batch) (map[string]float64, error) {
	if err := mt.checkReady(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		mt.lastStepTime = time.Since(start)
	}()

	outputs, err := mt.model.Forward(b.Inputs, true)
	if err != nil {
		return nil, err
	}
	logs, grads, err := mt.score(outputs, b.Targets, true)
	if err != nil {
		return nil, err
	}

	mt.model.ZeroGrad()
	if err := mt.model.Backward(grads); err != nil {
		return nil, err
	}
	gradients := make([][]float32, len(mt.bound))
	for i, p := range mt.bound {
		gradients[i] = p.Grad.Data
	}
	if err := mt.optimizer.Step(gradients); err != nil {
		return nil, errors.Wrap(err, "optimizer step failed")
	}
	mt.totalSteps++
	return logs, nil
}

// EvaluateBatch scores b in inference mode without updating weights.
func (mt *ModelTrainer) EvaluateBatch(b *dataset.Batch) (map[string]float64, error) {
	if mt.state == StateUncompiled {
		return nil, ErrNotCompiled
	}
	outputs, err := mt.model.Forward(b.Inputs, false)
	if err != nil {
		return nil, err
	}
	logs, _, err := mt.score(outputs, b.Targets, false)
	return logs, err
}

// score computes per-output loss and accuracy plus their aggregates:
// "loss" is the sum of output losses and "accuracy" their mean accuracy.
func (mt *ModelTrainer) score(outputs, targets []*tensor.Tensor, withGrad bool) (map[string]float64, []*tensor.Tensor, error) {
	names := mt.model.Spec().Outputs
	if len(targets) != len(outputs) {
		return nil, nil, errors.Errorf("got %d targets for %d outputs", len(targets), len(outputs))
	}

	logs := make(map[string]float64, 2*len(outputs)+2)
	var grads []*tensor.Tensor
	if withGrad {
		grads = make([]*tensor.Tensor, len(outputs))
	}
	var total, accuracy float64
	for i, out := range outputs {
		l, err := mt.loss.Forward(out, targets[i])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "loss for %s", names[i])
		}
		acc := BinaryAccuracy(out, targets[i], AccuracyThreshold)
		logs[LossKeyFor(names[i])] = l
		logs[AccuracyKeyFor(names[i])] = acc
		total += l
		accuracy += acc

		if withGrad {
			if grads[i], err = mt.loss.Backward(out, targets[i]); err != nil {
				return nil, nil, errors.Wrapf(err, "loss gradient for %s", names[i])
			}
		}
	}
	logs[LossKey] = total
	logs[AccuracyKey] = accuracy / float64(len(outputs))
	return logs, grads, nil
}

// Predict runs inference and returns one tensor per output.
func (mt *ModelTrainer) Predict(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	outputs, err := mt.model.Forward(inputs, false)
	if err != nil {
		return nil, err
	}
	result := make([]*tensor.Tensor, len(outputs))
	for i, o := range outputs {
		result[i] = o.Clone()
	}
	return result, nil
}

// FitConfig controls a Fit run.
type FitConfig struct {
	Epochs          int
	StepsPerEpoch   int // batches per training epoch (0 = whole sequence)
	ValidationSteps int // batches per validation pass (0 = whole sequence)
	PrefetchDepth   int
	Callbacks       []Callback
	Scheduler       LRScheduler
	Verbose         bool
}

func resolveSteps(requested int, seq dataset.Sequence, what string) (int, error) {
	n := seq.Len()
	if requested == 0 {
		requested = n
	}
	if requested <= 0 {
		return 0, errors.Errorf("%s steps must be positive, got %d", what, requested)
	}
	if requested > n {
		return 0, errors.Wrapf(dataset.ErrIndexOutOfRange, "%s steps %d exceed %d available batches", what, requested, n)
	}
	return requested, nil
}

// Fit trains for up to cfg.Epochs epochs over batches 0..StepsPerEpoch-1
// of train, evaluating on val after each epoch when val is non-nil.
// Callbacks may end training early through StopTraining.
func (mt *ModelTrainer) Fit(ctx context.Context, train, val dataset.Sequence, cfg FitConfig) (*History, error) {
	if err := mt.checkReady(); err != nil {
		return nil, err
	}
	if train == nil {
		return nil, errors.New("training sequence cannot be nil")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	steps, err := resolveSteps(cfg.StepsPerEpoch, train, "training")
	if err != nil {
		return nil, err
	}
	valSteps := 0
	if val != nil {
		if valSteps, err = resolveSteps(cfg.ValidationSteps, val, "validation"); err != nil {
			return nil, err
		}
	}

	prefetch := async.PrefetcherConfig{PrefetchDepth: cfg.PrefetchDepth}
	trainLoader, err := async.NewPrefetcher(train, prefetch)
	if err != nil {
		return nil, err
	}
	defer trainLoader.Stop()
	var valLoader *async.Prefetcher
	if val != nil {
		if valLoader, err = async.NewPrefetcher(val, prefetch); err != nil {
			return nil, err
		}
		defer valLoader.Stop()
	}

	callbacks := callbackList(cfg.Callbacks)
	history := NewHistory()
	mt.state = StateTraining
	mt.stop = false

	if err := callbacks.OnTrainBegin(mt, steps, valSteps, cfg.Epochs); err != nil {
		callbacks.close()
		mt.state = StateCompiled
		return nil, err
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		mt.epoch = epoch
		if cfg.Scheduler != nil {
			lr := cfg.Scheduler.GetLR(epoch, mt.totalSteps, float64(mt.baseLR))
			mt.optimizer.UpdateLearningRate(float32(lr))
		}
		if err := callbacks.OnEpochBegin(epoch); err != nil {
			return history, mt.abort(callbacks, err)
		}

		logs, err := mt.runPass(ctx, trainLoader, steps, true, callbacks)
		if err != nil {
			return history, mt.abort(callbacks, errors.Wrapf(err, "epoch %d", epoch+1))
		}
		if valLoader != nil {
			valLogs, err := mt.runPass(ctx, valLoader, valSteps, false, callbacks)
			if err != nil {
				return history, mt.abort(callbacks, errors.Wrapf(err, "epoch %d validation", epoch+1))
			}
			for k, v := range valLogs {
				logs[ValidationKey(k)] = v
			}
		}
		logs[LearningRateKey] = float64(mt.optimizer.LearningRate())

		if plateau, ok := cfg.Scheduler.(PlateauScheduler); ok {
			if metric, found := plateau.Metric(logs); found {
				lr := plateau.Step(metric, float64(mt.optimizer.LearningRate()))
				mt.optimizer.UpdateLearningRate(float32(lr))
			}
		}

		history.Record(epoch, logs)
		if cfg.Verbose {
			log.Printf("epoch %d/%d: loss=%.4f accuracy=%.4f", epoch+1, cfg.Epochs, logs[LossKey], logs[AccuracyKey])
		}
		if err := callbacks.OnEpochEnd(epoch, logs); err != nil {
			return history, mt.abort(callbacks, err)
		}
		if mt.stop {
			break
		}
	}

	if mt.stop {
		mt.state = StateEarlyStopped
	} else {
		mt.state = StateEpochsExhausted
	}
	err = callbacks.OnTrainEnd(history)
	if cerr := callbacks.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return history, err
	}
	return history, nil
}

// abort releases callback resources and leaves the trainer usable after a
// failed Fit.
func (mt *ModelTrainer) abort(callbacks callbackList, err error) error {
	if cerr := callbacks.close(); cerr != nil {
		log.Printf("closing callbacks after failed fit: %v", cerr)
	}
	mt.state = StateCompiled
	return err
}

// runPass streams steps batches through the loader, training or
// evaluating each, and returns sample-weighted mean logs.
func (mt *ModelTrainer) runPass(ctx context.Context, loader *async.Prefetcher, steps int, train bool, callbacks callbackList) (map[string]float64, error) {
	if err := loader.StartEpoch(ctx, steps); err != nil {
		return nil, err
	}
	defer loader.Stop()

	acc := newMetricAccumulator()
	for step := 0; ; step++ {
		b, _, err := loader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var logs map[string]float64
		if train {
			logs, err = mt.TrainBatch(b)
		} else {
			logs, err = mt.EvaluateBatch(b)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", step)
		}
		acc.add(logs, b.Size())

		if train {
			err = callbacks.OnTrainBatchEnd(step, logs)
		} else {
			err = callbacks.OnTestBatchEnd(step, logs)
		}
		if err != nil {
			return nil, err
		}
	}
	return acc.means(), nil
}

// StopTraining ends Fit after the current epoch.
func (mt *ModelTrainer) StopTraining() {
	mt.stop = true
}

// MarkSaved records that the trained model has been persisted.
func (mt *ModelTrainer) MarkSaved() {
	mt.state = StateSaved
}

// State returns the lifecycle state.
func (mt *ModelTrainer) State() TrainerState { return mt.state }

// Model returns the trained model.
func (mt *ModelTrainer) Model() *engine.Model { return mt.model }

// GetModelSpec returns the model architecture.
func (mt *ModelTrainer) GetModelSpec() *layers.ModelSpec { return mt.model.Spec() }

// Optimizer returns the compiled optimizer, or nil.
func (mt *ModelTrainer) Optimizer() optimizer.Optimizer { return mt.optimizer }

// Epoch returns the index of the current or last epoch.
func (mt *ModelTrainer) Epoch() int { return mt.epoch }

// TotalSteps returns the number of optimizer steps taken.
func (mt *ModelTrainer) TotalSteps() int { return mt.totalSteps }

// LastStepTime returns the duration of the most recent TrainBatch.
func (mt *ModelTrainer) LastStepTime() time.Duration { return mt.lastStepTime }

// GetCurrentLearningRate returns the learning rate of the next step.
func (mt *ModelTrainer) GetCurrentLearningRate() float32 {
	if mt.optimizer == nil {
		return 0
	}
	return mt.optimizer.LearningRate()
}

// SetLearningRate overrides the optimizer learning rate and the base rate
// schedulers start from.
func (mt *ModelTrainer) SetLearningRate(lr float32) {
	if mt.optimizer == nil {
		return
	}
	mt.optimizer.UpdateLearningRate(lr)
	mt.baseLR = lr
}
