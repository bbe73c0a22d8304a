package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdamOptimizer implements Adam with L2 weight decay folded into the gradient.
type AdamOptimizer struct {
	config AdamConfig
	params

	momentum [][]float32
	variance [][]float32

	stepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizer, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	return &AdamOptimizer{
		config:   config,
		params:   p,
		momentum: p.zeroBuffers(),
		variance: p.zeroBuffers(),
	}, nil
}

// Step performs a single Adam optimization step
func (a *AdamOptimizer) Step(gradients [][]float32) error {
	if err := a.checkGradients(gradients); err != nil {
		return err
	}
	a.stepCount++

	b1 := float64(a.config.Beta1)
	b2 := float64(a.config.Beta2)
	eps := float64(a.config.Epsilon)
	wd := float64(a.config.WeightDecay)
	t := float64(a.stepCount)
	stepSize := float64(a.config.LearningRate) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))

	for i, w := range a.weights {
		g := gradients[i]
		m := a.momentum[i]
		v := a.variance[i]
		for j := range w {
			gj := float64(g[j]) + wd*float64(w[j])
			mj := b1*float64(m[j]) + (1-b1)*gj
			vj := b2*float64(v[j]) + (1-b2)*gj*gj
			m[j] = float32(mj)
			v[j] = float32(vj)
			w[j] = float32(float64(w[j]) - stepSize*mj/(math.Sqrt(vj)+eps))
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdamOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(a.config.LearningRate),
			"beta1":         float64(a.config.Beta1),
			"beta2":         float64(a.config.Beta2),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
			"step_count":    float64(a.stepCount),
		},
	}
	state.StateData = append(a.exportBuffers("momentum", a.momentum), a.exportBuffers("variance", a.variance)...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdamOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if err := a.restoreBuffers(state, map[string][][]float32{"momentum": a.momentum, "variance": a.variance}); err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (a *AdamOptimizer) GetStepCount() uint64 { return a.stepCount }

// UpdateLearningRate updates the learning rate
func (a *AdamOptimizer) UpdateLearningRate(lr float32) { a.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (a *AdamOptimizer) LearningRate() float32 { return a.config.LearningRate }
