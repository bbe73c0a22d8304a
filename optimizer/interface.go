package optimizer

import (
	"strings"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/pkg/errors"
)

// OptimizerState represents the serializable state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// Optimizer updates a fixed set of parameter slices in place from their
// gradients. Weight and gradient slices are matched by position.
type Optimizer interface {
	// SetWeights binds the parameter slices that Step will update
	SetWeights(weights [][]float32) error

	// Step performs a single optimization step
	Step(gradients [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the learning rate used by the next Step
	LearningRate() float32
}

// Names accepted by New.
const (
	NameAdaBelief = "adabelief"
	NameAdam      = "adam"
	NameNadam     = "nadam"
	NameSGD       = "sgd"
	NameRMSProp   = "rmsprop"
	NameAdaGrad   = "adagrad"
	NameAdaDelta  = "adadelta"
)

// New builds an optimizer by name with its default configuration and the
// given learning rate. A non-positive lr keeps the default.
func New(name string, lr float32, weightShapes [][]int) (Optimizer, error) {
	switch strings.ToLower(name) {
	case NameAdaBelief, "":
		config := DefaultAdaBeliefConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewAdaBeliefOptimizer(config, weightShapes)
	case NameAdam:
		config := DefaultAdamConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewAdamOptimizer(config, weightShapes)
	case NameNadam:
		config := DefaultNadamConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewNadamOptimizer(config, weightShapes)
	case NameSGD:
		config := DefaultSGDConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewSGDOptimizer(config, weightShapes)
	case NameRMSProp:
		config := DefaultRMSPropConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewRMSPropOptimizer(config, weightShapes)
	case NameAdaGrad:
		config := DefaultAdaGradConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewAdaGradOptimizer(config, weightShapes)
	case NameAdaDelta:
		config := DefaultAdaDeltaConfig()
		if lr > 0 {
			config.LearningRate = lr
		}
		return NewAdaDeltaOptimizer(config, weightShapes)
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}
