// Package config loads run settings from defaults, an optional YAML file,
// a .env file and PILOTNET_* environment variables, in increasing priority.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. PILOTNET_BATCH_SIZE.
const EnvPrefix = "PILOTNET"

// Config holds every setting of a training run.
type Config struct {
	ModelName string `mapstructure:"model_name"`
	Variant   string `mapstructure:"variant"`

	ImageSize int `mapstructure:"image_size"`

	TrainDir       string `mapstructure:"train_dir"`
	ValDir         string `mapstructure:"val_dir"`
	TrainingSize   int    `mapstructure:"training_size"`
	ValidationSize int    `mapstructure:"validation_size"`
	BatchSize      int    `mapstructure:"batch_size"`
	Epochs         int    `mapstructure:"epochs"`
	PrefetchDepth  int    `mapstructure:"prefetch_depth"`

	Optimizer    string  `mapstructure:"optimizer"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Loss         string  `mapstructure:"loss"`
	Scheduler    string  `mapstructure:"scheduler"`

	Patience int     `mapstructure:"patience"`
	MinDelta float64 `mapstructure:"min_delta"`

	BackboneWeights string `mapstructure:"backbone_weights"`
	FreezeBackbone  bool   `mapstructure:"freeze_backbone"`

	OutputDir       string `mapstructure:"output_dir"`
	CheckpointDir   string `mapstructure:"checkpoint_dir"`
	LogDir          string `mapstructure:"log_dir"`
	ModelFormat     string `mapstructure:"model_format"`
	HalfPrecision   bool   `mapstructure:"half_precision"`
	CheckpointEvery int    `mapstructure:"checkpoint_every"`

	Seed    int64 `mapstructure:"seed"`
	Workers int   `mapstructure:"workers"`
	Verbose bool  `mapstructure:"verbose"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"model_name":       "pilotnet_conv",
		"variant":          "conv",
		"image_size":       300,
		"train_dir":        "data/train",
		"val_dir":          "data/val",
		"training_size":    27292,
		"validation_size":  11696,
		"batch_size":       32,
		"epochs":           500,
		"prefetch_depth":   2,
		"optimizer":        "adabelief",
		"learning_rate":    1e-4,
		"loss":             "huber",
		"scheduler":        "constant",
		"patience":         15,
		"min_delta":        0.001,
		"backbone_weights": "",
		"freeze_backbone":  true,
		"output_dir":       ".",
		"checkpoint_dir":   "checkpoints",
		"log_dir":          "logs",
		"model_format":     "json",
		"half_precision":   false,
		"checkpoint_every": 0,
		"seed":             1,
		"workers":          0,
		"verbose":          true,
	}
}

// New returns a viper instance carrying the defaults and environment
// binding. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env (if present), then the YAML file at path (optional), and
// decodes the merged settings.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid config path %s", path)
		}
		v.SetConfigFile(expanded)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", expanded)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.TrainDir, &c.ValDir, &c.OutputDir, &c.CheckpointDir, &c.LogDir, &c.BackboneWeights} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.Wrapf(err, "cannot expand %s", *p)
		}
		*p = expanded
	}
	return nil
}

// StepsPerEpoch returns the training batches per epoch:
// training_size / batch_size - 1.
func (c *Config) StepsPerEpoch() int {
	return c.TrainingSize/c.BatchSize - 1
}

// ValidationSteps returns validation_size / batch_size - 1.
func (c *Config) ValidationSteps() int {
	return c.ValidationSize/c.BatchSize - 1
}

// Validate checks that the settings describe a runnable job.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return errors.New("model_name is required")
	}
	if strings.ContainsAny(c.ModelName, `/\`) {
		return errors.Errorf("model_name %q must not contain path separators", c.ModelName)
	}
	if c.ImageSize <= 0 {
		return errors.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.StepsPerEpoch() <= 0 {
		return errors.Errorf("training_size %d too small for batch_size %d", c.TrainingSize, c.BatchSize)
	}
	if c.ValidationSteps() <= 0 {
		return errors.Errorf("validation_size %d too small for batch_size %d", c.ValidationSize, c.BatchSize)
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must not be negative, got %g", c.LearningRate)
	}
	if c.Patience < 0 || c.MinDelta < 0 {
		return errors.New("patience and min_delta must not be negative")
	}
	switch strings.ToLower(c.ModelFormat) {
	case "json", "onnx":
	default:
		return errors.Errorf("model_format must be json or onnx, got %q", c.ModelFormat)
	}
	if c.TrainDir == "" || c.ValDir == "" {
		return errors.New("train_dir and val_dir are required")
	}
	return nil
}
