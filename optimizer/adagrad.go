package optimizer

import "math"

// AdaGradOptimizer divides each step by the root of the accumulated squared
// gradients, so frequently updated parameters slow down.
type AdaGradOptimizer struct {
	config AdaGradConfig
	params

	squaredGradSum [][]float32

	stepCount uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdaGradConfig returns default AdaGrad configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig, weightShapes [][]int) (*AdaGradOptimizer, error) {
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	return &AdaGradOptimizer{config: config, params: p, squaredGradSum: p.zeroBuffers()}, nil
}

// Step performs a single AdaGrad optimization step
func (a *AdaGradOptimizer) Step(gradients [][]float32) error {
	if err := a.checkGradients(gradients); err != nil {
		return err
	}
	a.stepCount++

	lr := float64(a.config.LearningRate)
	eps := float64(a.config.Epsilon)
	wd := float64(a.config.WeightDecay)
	for i, w := range a.weights {
		g := gradients[i]
		sum := a.squaredGradSum[i]
		for j := range w {
			gj := float64(g[j]) + wd*float64(w[j])
			s := float64(sum[j]) + gj*gj
			sum[j] = float32(s)
			w[j] = float32(float64(w[j]) - lr*gj/(math.Sqrt(s)+eps))
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *AdaGradOptimizer) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": float64(a.config.LearningRate),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
			"step_count":    float64(a.stepCount),
		},
		StateData: a.exportBuffers("squared_grad_sum", a.squaredGradSum),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaGradOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	if err := a.restoreBuffers(state, map[string][][]float32{"squared_grad_sum": a.squaredGradSum}); err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (a *AdaGradOptimizer) GetStepCount() uint64 { return a.stepCount }

// UpdateLearningRate updates the learning rate
func (a *AdaGradOptimizer) UpdateLearningRate(lr float32) { a.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (a *AdaGradOptimizer) LearningRate() float32 { return a.config.LearningRate }
