package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// RMSPropOptimizer scales each step by a moving average of squared
// gradients. Centered mode also tracks the mean gradient and divides by the
// estimated variance.
type RMSPropOptimizer struct {
	config RMSPropConfig
	params

	squaredGradAvg [][]float32
	gradAvg        [][]float32 // centered only
	momentum       [][]float32 // momentum > 0 only

	stepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32 // smoothing constant
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizer, error) {
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in [0, 1), got %g", config.Alpha)
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	o := &RMSPropOptimizer{config: config, params: p, squaredGradAvg: p.zeroBuffers()}
	if config.Centered {
		o.gradAvg = p.zeroBuffers()
	}
	if config.Momentum > 0 {
		o.momentum = p.zeroBuffers()
	}
	return o, nil
}

// Step performs a single RMSProp optimization step
func (r *RMSPropOptimizer) Step(gradients [][]float32) error {
	if err := r.checkGradients(gradients); err != nil {
		return err
	}
	r.stepCount++

	alpha := float64(r.config.Alpha)
	eps := float64(r.config.Epsilon)
	lr := float64(r.config.LearningRate)
	wd := float64(r.config.WeightDecay)
	mu := float64(r.config.Momentum)

	for i, w := range r.weights {
		g := gradients[i]
		sq := r.squaredGradAvg[i]
		for j := range w {
			gj := float64(g[j]) + wd*float64(w[j])
			sqj := alpha*float64(sq[j]) + (1-alpha)*gj*gj
			sq[j] = float32(sqj)

			avg := sqj
			if r.gradAvg != nil {
				ga := alpha*float64(r.gradAvg[i][j]) + (1-alpha)*gj
				r.gradAvg[i][j] = float32(ga)
				avg -= ga * ga
			}
			update := gj / (math.Sqrt(math.Max(avg, 0)) + eps)
			if r.momentum != nil {
				update += mu * float64(r.momentum[i][j])
				r.momentum[i][j] = float32(update)
			}
			w[j] = float32(float64(w[j]) - lr*update)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (r *RMSPropOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": float64(r.config.LearningRate),
			"alpha":         float64(r.config.Alpha),
			"epsilon":       float64(r.config.Epsilon),
			"weight_decay":  float64(r.config.WeightDecay),
			"momentum":      float64(r.config.Momentum),
			"centered":      r.config.Centered,
			"step_count":    float64(r.stepCount),
		},
	}
	state.StateData = r.exportBuffers("squared_grad_avg", r.squaredGradAvg)
	if r.gradAvg != nil {
		state.StateData = append(state.StateData, r.exportBuffers("grad_avg", r.gradAvg)...)
	}
	if r.momentum != nil {
		state.StateData = append(state.StateData, r.exportBuffers("momentum", r.momentum)...)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSPropOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	targets := map[string][][]float32{"squared_grad_avg": r.squaredGradAvg}
	if r.gradAvg != nil {
		targets["grad_avg"] = r.gradAvg
	}
	if r.momentum != nil {
		targets["momentum"] = r.momentum
	}
	if err := r.restoreBuffers(state, targets); err != nil {
		return err
	}
	r.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", r.config.LearningRate)
	r.config.Alpha = extractFloat32Param(state.Parameters, "alpha", r.config.Alpha)
	r.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", r.config.Epsilon)
	r.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", r.config.WeightDecay)
	r.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (r *RMSPropOptimizer) GetStepCount() uint64 { return r.stepCount }

// UpdateLearningRate updates the learning rate
func (r *RMSPropOptimizer) UpdateLearningRate(lr float32) { r.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (r *RMSPropOptimizer) LearningRate() float32 { return r.config.LearningRate }
