package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/dronepilot/pilotnet/config"
	"github.com/dronepilot/pilotnet/dataset"
	"github.com/dronepilot/pilotnet/dataset/h5shard"
	"github.com/dronepilot/pilotnet/engine"
	"github.com/dronepilot/pilotnet/network"
	"github.com/dronepilot/pilotnet/training"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// loadConfig reads the settings named by --config and applies the
// command-line overrides that were given explicitly.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(config.New(), c.String("config"))
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"variant":          &cfg.Variant,
		"model-name":       &cfg.ModelName,
		"train-dir":        &cfg.TrainDir,
		"val-dir":          &cfg.ValDir,
		"backbone-weights": &cfg.BackboneWeights,
		"optimizer":        &cfg.Optimizer,
		"format":           &cfg.ModelFormat,
	}
	for flag, dst := range overrides {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	if c.IsSet("epochs") {
		cfg.Epochs = c.Int("epochs")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("lr") {
		cfg.LearningRate = c.Float64("lr")
	}
	return cfg, nil
}

// buildModel constructs the configured variant and, for backbone variants,
// loads and freezes the pretrained feature extractor.
func buildModel(cfg *config.Config) (*engine.Model, *network.Backbone, error) {
	build, err := network.Lookup(cfg.Variant)
	if err != nil {
		return nil, nil, err
	}
	spec, backbone, err := build(hyperparameters(cfg.ImageSize))
	if err != nil {
		return nil, nil, err
	}
	model, err := engine.NewModel(spec, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}
	model.SetWorkers(cfg.Workers)

	if backbone == nil {
		return model, nil, nil
	}
	if cfg.BackboneWeights != "" {
		if err := training.LoadWeightsFile(model, backbone.Scope, cfg.BackboneWeights); err != nil {
			return nil, nil, errors.Wrap(err, "loading backbone weights")
		}
		log.Printf("loaded backbone weights from %s", cfg.BackboneWeights)
	} else {
		log.Printf("no backbone weights given, %s starts from random initialisation", backbone.Scope)
	}
	if cfg.FreezeBackbone {
		if err := model.SetFrozen(backbone.Scope, true); err != nil {
			return nil, nil, err
		}
	}
	return model, backbone, nil
}

// openSequences returns the training and validation generators shaped for
// the model's inputs.
func openSequences(cfg *config.Config, inputs int) (dataset.Sequence, dataset.Sequence, error) {
	reader := h5shard.NewReader()
	train, err := dataset.NewDirGenerator(reader, cfg.TrainDir, dataset.Train, cfg.TrainingSize, cfg.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	val, err := dataset.NewDirGenerator(reader, cfg.ValDir, dataset.Validation, cfg.ValidationSize, cfg.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	if inputs == 1 {
		return dataset.SelectInputs(train, 0), dataset.SelectInputs(val, 0), nil
	}
	return train, val, nil
}

func trainCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(cfg.ModelFormat)
	if err != nil {
		return err
	}

	model, _, err := buildModel(cfg)
	if err != nil {
		return err
	}
	trainer, err := training.NewModelTrainer(model)
	if err != nil {
		return err
	}
	if err := trainer.CompileByName(cfg.Loss, cfg.Optimizer, float32(cfg.LearningRate)); err != nil {
		return err
	}

	train, val, err := openSequences(cfg, len(model.Spec().Inputs))
	if err != nil {
		return err
	}
	scheduler, err := training.NewScheduler(cfg.Scheduler, cfg.Epochs)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", cfg.OutputDir)
	}
	now := time.Now()
	stopper := training.NewEarlyStopping()
	stopper.Patience = cfg.Patience
	stopper.MinDelta = cfg.MinDelta

	callbacks := []training.Callback{
		stopper,
		training.NewTensorBoard(training.DefaultTensorBoardDir(cfg.LogDir, now)),
		training.NewModelCheckpoint(training.DefaultCheckpointPath(cfg.CheckpointDir, now)),
	}
	if cfg.Verbose {
		callbacks = append(callbacks, training.NewTrainingSession(os.Stdout, cfg.ModelName, true))
	}
	if cfg.CheckpointEvery > 0 {
		cc := training.DefaultCheckpointConfig()
		cc.SaveDirectory = cfg.CheckpointDir
		cc.SaveFrequency = cfg.CheckpointEvery
		cc.Format = format
		cc.HalfPrecision = cfg.HalfPrecision
		callbacks = append(callbacks, training.NewCheckpointCallback(cc))
	}
	callbacks = append(callbacks, training.NewVisualizationCollector(cfg.ModelName, cfg.OutputDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("training %s (%s): %d epochs of %d steps, %d validation steps", cfg.ModelName, cfg.Variant, cfg.Epochs, cfg.StepsPerEpoch(), cfg.ValidationSteps())
	history, err := trainer.Fit(ctx, train, val, training.FitConfig{
		Epochs:          cfg.Epochs,
		StepsPerEpoch:   cfg.StepsPerEpoch(),
		ValidationSteps: cfg.ValidationSteps(),
		PrefetchDepth:   cfg.PrefetchDepth,
		Callbacks:       callbacks,
		Scheduler:       scheduler,
		Verbose:         cfg.Verbose,
	})
	if err != nil {
		return err
	}
	log.Printf("training finished in state %s after %d epochs", trainer.State(), history.Len())

	saved, err := training.SaveModel(trainer, cfg.OutputDir, cfg.ModelName, format)
	if err != nil {
		return err
	}
	log.Printf("saved %s and %s", saved.WeightsPath, saved.ModelPath)

	historyPath := filepath.Join(cfg.OutputDir, cfg.ModelName+"_history.json")
	return history.Save(historyPath)
}
