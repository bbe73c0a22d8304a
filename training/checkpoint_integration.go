package training

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/dronepilot/pilotnet/engine"
	"github.com/dronepilot/pilotnet/layers"
	"github.com/pkg/errors"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save when validation accuracy improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or ONNX
	FilenamePattern string                       // Pattern taking epoch and step
	HalfPrecision   bool                         // ONNX only
}

// DefaultCheckpointConfig returns the default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   0,
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// CheckpointManager saves and restores the state of a ModelTrainer
type CheckpointManager struct {
	config       CheckpointConfig
	trainer      *ModelTrainer
	saver        *checkpoints.CheckpointSaver
	bestLoss     float32
	bestAccuracy float32
	savedFiles   []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(trainer *ModelTrainer, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:       config,
		trainer:      trainer,
		saver:        checkpoints.NewCheckpointSaver(config.Format).WithHalfPrecision(config.HalfPrecision),
		bestLoss:     float32(1e9),
		bestAccuracy: 0.0,
	}
}

// SaveCheckpoint writes a full checkpoint named after epoch and step and
// returns its path.
func (cm *CheckpointManager) SaveCheckpoint(epoch int, step int, loss float32, accuracy float32, description string) (string, error) {
	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(epoch, step))
	if err := cm.SaveCheckpointTo(path, epoch, loss, accuracy, description); err != nil {
		return "", err
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		log.Printf("warning: failed to clean up old checkpoints: %v", err)
	}
	return path, nil
}

// SaveCheckpointTo writes a full checkpoint (architecture, weights,
// optimizer and training state) to path.
func (cm *CheckpointManager) SaveCheckpointTo(path string, epoch int, loss float32, accuracy float32, description string) error {
	checkpoint, err := cm.createCheckpointFromTrainer(epoch, loss, accuracy, description)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint")
	}
	return errors.Wrap(cm.saver.SaveCheckpoint(checkpoint, path), "failed to save checkpoint")
}

// SaveWeightsTo writes a weights-only file to path.
func (cm *CheckpointManager) SaveWeightsTo(path string) error {
	spec := cm.trainer.GetModelSpec()
	return checkpoints.SaveWeights(path, spec.Name, cm.trainer.Model().Weights())
}

// SaveBestCheckpoint saves best_checkpoint when accuracy beats the best
// seen so far.
func (cm *CheckpointManager) SaveBestCheckpoint(epoch int, loss float32, accuracy float32) (bool, error) {
	if !cm.config.SaveBest || accuracy <= cm.bestAccuracy {
		return false, nil
	}
	cm.bestAccuracy = accuracy
	if loss < cm.bestLoss {
		cm.bestLoss = loss
	}

	description := fmt.Sprintf("Best checkpoint - Loss: %.6f, Accuracy: %.2f%%", loss, accuracy*100)
	path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint."+cm.getFileExtension())
	if err := cm.SaveCheckpointTo(path, epoch, loss, accuracy, description); err != nil {
		return false, err
	}
	return true, nil
}

// SavePeriodicCheckpoint saves a checkpoint every SaveFrequency epochs.
func (cm *CheckpointManager) SavePeriodicCheckpoint(epoch int, loss float32, accuracy float32) (bool, error) {
	if cm.config.SaveFrequency <= 0 || (epoch+1)%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	description := fmt.Sprintf("Periodic checkpoint - Epoch %d", epoch+1)
	if _, err := cm.SaveCheckpoint(epoch, cm.trainer.TotalSteps(), loss, accuracy, description); err != nil {
		return false, err
	}
	return true, nil
}

// LoadCheckpoint loads a checkpoint and restores trainer state
func (cm *CheckpointManager) LoadCheckpoint(path string) error {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return errors.Wrap(err, "failed to load checkpoint")
	}
	return errors.Wrap(cm.restoreTrainerFromCheckpoint(checkpoint), "failed to restore trainer state")
}

func (cm *CheckpointManager) createCheckpointFromTrainer(epoch int, loss float32, accuracy float32, description string) (*checkpoints.Checkpoint, error) {
	modelSpec := cm.trainer.GetModelSpec()
	if modelSpec == nil {
		return nil, errors.New("trainer has no model specification")
	}

	var optimizerState *checkpoints.OptimizerState
	if opt := cm.trainer.Optimizer(); opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return nil, errors.Wrap(err, "failed to capture optimizer state")
		}
		optimizerState = state
	}

	return &checkpoints.Checkpoint{
		ModelSpec: modelSpec,
		Weights:   cm.trainer.Model().Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         cm.trainer.TotalSteps(),
			LearningRate: cm.trainer.GetCurrentLearningRate(),
			BestLoss:     minFloat32(cm.bestLoss, loss),
			BestAccuracy: maxFloat32(cm.bestAccuracy, accuracy),
			TotalSteps:   cm.trainer.TotalSteps(),
		},
		OptimizerState: optimizerState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", epoch)},
		},
	}, nil
}

func (cm *CheckpointManager) restoreTrainerFromCheckpoint(checkpoint *checkpoints.Checkpoint) error {
	if !modelsCompatible(cm.trainer.GetModelSpec(), checkpoint.ModelSpec) {
		return errors.New("checkpoint model architecture incompatible with current trainer")
	}
	if err := cm.trainer.Model().LoadWeights(checkpoint.Weights); err != nil {
		return errors.Wrap(err, "failed to load weights")
	}

	cm.bestLoss = checkpoint.TrainingState.BestLoss
	cm.bestAccuracy = checkpoint.TrainingState.BestAccuracy
	cm.trainer.totalSteps = checkpoint.TrainingState.TotalSteps
	cm.trainer.epoch = checkpoint.TrainingState.Epoch

	opt := cm.trainer.Optimizer()
	if opt == nil {
		if checkpoint.OptimizerState != nil {
			log.Printf("trainer not compiled, optimizer state in checkpoint ignored")
		}
		return nil
	}
	if checkpoint.OptimizerState != nil {
		if err := opt.LoadState(checkpoint.OptimizerState); err != nil {
			return errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	if lr := checkpoint.TrainingState.LearningRate; lr > 0 {
		cm.trainer.SetLearningRate(lr)
	}
	return nil
}

func (cm *CheckpointManager) generateFilename(epoch int, step int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_step_%d"
	}
	return fmt.Sprintf(pattern, epoch, step) + "." + cm.getFileExtension()
}

func (cm *CheckpointManager) getFileExtension() string {
	return formatExtension(cm.config.Format)
}

func formatExtension(format checkpoints.CheckpointFormat) string {
	if format == checkpoints.FormatONNX {
		return "onnx"
	}
	return "json"
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}
	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", cm.savedFiles[i])
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}

// modelsCompatible reports whether two specs have the same layer types and
// parameter shapes in the same order.
func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if model1 == nil || model2 == nil || len(model1.Layers) != len(model2.Layers) {
		return false
	}
	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]
		if layer1.Type != layer2.Type || len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}

// SavedModel lists the files written by SaveModel.
type SavedModel struct {
	WeightsPath string
	ModelPath   string
}

// SaveModel writes the final artifacts into dir: a weights-only file
// "weights_<name>.json" and a full model "<name>.<format>". The trainer is
// marked saved.
func SaveModel(trainer *ModelTrainer, dir, modelName string, format checkpoints.CheckpointFormat) (*SavedModel, error) {
	if modelName == "" || strings.ContainsAny(modelName, `/\`) {
		return nil, errors.Errorf("invalid model name %q", modelName)
	}
	saved := &SavedModel{
		WeightsPath: filepath.Join(dir, "weights_"+modelName+".json"),
		ModelPath:   filepath.Join(dir, modelName+"."+formatExtension(format)),
	}

	cm := NewCheckpointManager(trainer, CheckpointConfig{SaveDirectory: dir, Format: format})
	if err := cm.SaveWeightsTo(saved.WeightsPath); err != nil {
		return nil, err
	}
	if err := cm.SaveCheckpointTo(saved.ModelPath, trainer.Epoch(), 0, 0, "final model "+modelName); err != nil {
		return nil, err
	}
	trainer.MarkSaved()
	return saved, nil
}

// LoadWeightsFile loads a weights-only file or a full checkpoint into
// model. A non-empty scope restricts loading to that scope's parameters.
func LoadWeightsFile(model *engine.Model, scope, path string) error {
	var weights []checkpoints.WeightTensor
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).LoadCheckpoint(path)
		if err != nil {
			return err
		}
		weights = cp.Weights
	default:
		wf, err := checkpoints.LoadWeights(path)
		if err != nil {
			return err
		}
		// Full JSON checkpoints store their weights under the same key.
		weights = wf.Weights
	}
	if scope == "" {
		return model.LoadWeights(weights)
	}
	return model.LoadScopedWeights(scope, weights)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "failed to create %s", dir)
}

func minFloat32(a, b float32) float32 {
	if b < a {
		return b
	}
	return a
}

func maxFloat32(a, b float32) float32 {
	if b > a {
		return b
	}
	return a
}

// CheckpointCallback saves full checkpoints through a CheckpointManager:
// every SaveFrequency epochs and whenever validation accuracy improves.
type CheckpointCallback struct {
	BaseCallback
	Config  CheckpointConfig
	manager *CheckpointManager
}

// NewCheckpointCallback creates the callback; the manager is bound when
// training begins.
func NewCheckpointCallback(config CheckpointConfig) *CheckpointCallback {
	return &CheckpointCallback{Config: config}
}

func (cc *CheckpointCallback) OnTrainBegin(t *ModelTrainer, _, _, _ int) error {
	cc.manager = NewCheckpointManager(t, cc.Config)
	return nil
}

func (cc *CheckpointCallback) OnEpochEnd(epoch int, logs map[string]float64) error {
	loss := float32(logs[LossKey])
	accuracy, ok := logs[ValidationKey(AccuracyKey)]
	if !ok {
		accuracy = logs[AccuracyKey]
	}
	if _, err := cc.manager.SavePeriodicCheckpoint(epoch, loss, float32(accuracy)); err != nil {
		return err
	}
	_, err := cc.manager.SaveBestCheckpoint(epoch, loss, float32(accuracy))
	return err
}

// Manager returns the bound manager, or nil before training.
func (cc *CheckpointCallback) Manager() *CheckpointManager { return cc.manager }
