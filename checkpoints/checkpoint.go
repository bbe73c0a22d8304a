package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/pkg/errors"
)

const (
	frameworkName    = "pilotnet"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" / "onnx" (any case) to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "onnx":
		return FormatONNX, nil
	}
	return 0, errors.Errorf("unknown checkpoint format %q", s)
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel", "bias", "gamma", "beta", etc.
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "AdaBelief", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "s", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

func (m *CheckpointMetadata) setDefaults() {
	if m.Framework == "" {
		m.Framework = frameworkName
		m.Version = frameworkVersion
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	half   bool
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// WithHalfPrecision makes ONNX exports store initializers as float16.
func (cs *CheckpointSaver) WithHalfPrecision(half bool) *CheckpointSaver {
	cs.half = half
	return cs
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	checkpoint.Metadata.setDefaults()

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return cs.saveONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return cs.loadONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return errors.Wrap(file.Close(), "failed to close checkpoint file")
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if checkpoint.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}

	// Decoded parameters lose their Go types; recompiling restores the
	// derived shape information from the layer list.
	spec, err := layers.CompileLayers(checkpoint.ModelSpec.Name, checkpoint.ModelSpec.Layers, checkpoint.ModelSpec.Outputs)
	if err != nil {
		return nil, errors.Wrap(err, "invalid model spec in checkpoint")
	}
	checkpoint.ModelSpec = spec
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveONNX(checkpoint *Checkpoint, path string) error {
	exporter := NewONNXExporter()
	exporter.HalfPrecision = cs.half
	return exporter.ExportToONNX(checkpoint, path)
}

func (cs *CheckpointSaver) loadONNX(path string) (*Checkpoint, error) {
	importer := NewONNXImporter()
	return importer.ImportFromONNX(path)
}

// WeightsFile is the weights-only artifact: parameters by name with no
// architecture, optimizer or training state.
type WeightsFile struct {
	Model     string         `json:"model"`
	Framework string         `json:"framework"`
	CreatedAt time.Time      `json:"created_at"`
	Weights   []WeightTensor `json:"weights"`
}

// SaveWeights writes a weights-only file.
func SaveWeights(path, modelName string, weights []WeightTensor) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create weights file")
	}

	wf := WeightsFile{
		Model:     modelName,
		Framework: frameworkName,
		CreatedAt: time.Now(),
		Weights:   weights,
	}
	if err := json.NewEncoder(file).Encode(&wf); err != nil {
		file.Close()
		return errors.Wrap(err, "failed to encode weights")
	}
	return errors.Wrap(file.Close(), "failed to close weights file")
}

// LoadWeights reads a file written by SaveWeights.
func LoadWeights(path string) (*WeightsFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open weights file")
	}
	defer file.Close()

	var wf WeightsFile
	if err := json.NewDecoder(file).Decode(&wf); err != nil {
		return nil, errors.Wrap(err, "failed to decode weights")
	}
	for _, w := range wf.Weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if n != len(w.Data) {
			return nil, errors.Errorf("weight %q has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
	}
	return &wf, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "failed to create %s", dir)
}
