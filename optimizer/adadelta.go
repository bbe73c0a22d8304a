package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdaDeltaOptimizer derives its step size from the ratio of recent update
// and gradient magnitudes. LearningRate only scales the final update and
// defaults to 1.
type AdaDeltaOptimizer struct {
	config AdaDeltaConfig
	params

	squaredGradAvg   [][]float32
	squaredUpdateAvg [][]float32

	stepCount uint64
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32
	Rho          float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdaDeltaConfig returns default AdaDelta configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.95,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer
func NewAdaDeltaOptimizer(config AdaDeltaConfig, weightShapes [][]int) (*AdaDeltaOptimizer, error) {
	if config.Rho < 0 || config.Rho >= 1 {
		return nil, errors.Errorf("rho must be in [0, 1), got %g", config.Rho)
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	return &AdaDeltaOptimizer{
		config:           config,
		params:           p,
		squaredGradAvg:   p.zeroBuffers(),
		squaredUpdateAvg: p.zeroBuffers(),
	}, nil
}

// Step performs a single AdaDelta optimization step
func (a *AdaDeltaOptimizer) Step(gradients [][]float32) error {
	if err := a.checkGradients(gradients); err != nil {
		return err
	}
	a.stepCount++

	rho := float64(a.config.Rho)
	eps := float64(a.config.Epsilon)
	lr := float64(a.config.LearningRate)
	wd := float64(a.config.WeightDecay)
	for i, w := range a.weights {
		g := gradients[i]
		eg := a.squaredGradAvg[i]
		ex := a.squaredUpdateAvg[i]
		for j := range w {
			gj := float64(g[j]) + wd*float64(w[j])
			egj := rho*float64(eg[j]) + (1-rho)*gj*gj
			delta := math.Sqrt(float64(ex[j])+eps) / math.Sqrt(egj+eps) * gj
			eg[j] = float32(egj)
			ex[j] = float32(rho*float64(ex[j]) + (1-rho)*delta*delta)
			w[j] = float32(float64(w[j]) - lr*delta)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdaDeltaOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "AdaDelta",
		Parameters: map[string]interface{}{
			"learning_rate": float64(a.config.LearningRate),
			"rho":           float64(a.config.Rho),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
			"step_count":    float64(a.stepCount),
		},
	}
	state.StateData = append(a.exportBuffers("squared_grad_avg", a.squaredGradAvg),
		a.exportBuffers("squared_update_avg", a.squaredUpdateAvg)...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaDeltaOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaDelta", state); err != nil {
		return err
	}
	err := a.restoreBuffers(state, map[string][][]float32{
		"squared_grad_avg":   a.squaredGradAvg,
		"squared_update_avg": a.squaredUpdateAvg,
	})
	if err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Rho = extractFloat32Param(state.Parameters, "rho", a.config.Rho)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (a *AdaDeltaOptimizer) GetStepCount() uint64 { return a.stepCount }

// UpdateLearningRate updates the learning rate
func (a *AdaDeltaOptimizer) UpdateLearningRate(lr float32) { a.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (a *AdaDeltaOptimizer) LearningRate() float32 { return a.config.LearningRate }
