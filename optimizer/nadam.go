package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// NadamOptimizer is Adam with Nesterov momentum: the first moment is
// extrapolated one step ahead before the update.
type NadamOptimizer struct {
	config NadamConfig
	params

	momentum [][]float32
	variance [][]float32

	stepCount uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultNadamConfig returns default Nadam configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig, weightShapes [][]int) (*NadamOptimizer, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	return &NadamOptimizer{
		config:   config,
		params:   p,
		momentum: p.zeroBuffers(),
		variance: p.zeroBuffers(),
	}, nil
}

// Step performs a single Nadam optimization step
func (n *NadamOptimizer) Step(gradients [][]float32) error {
	if err := n.checkGradients(gradients); err != nil {
		return err
	}
	n.stepCount++

	b1 := float64(n.config.Beta1)
	b2 := float64(n.config.Beta2)
	eps := float64(n.config.Epsilon)
	lr := float64(n.config.LearningRate)
	wd := float64(n.config.WeightDecay)
	t := float64(n.stepCount)
	bc1 := 1 - math.Pow(b1, t)
	bc1Next := 1 - math.Pow(b1, t+1)
	bc2 := 1 - math.Pow(b2, t)

	for i, w := range n.weights {
		g := gradients[i]
		m := n.momentum[i]
		v := n.variance[i]
		for j := range w {
			gj := float64(g[j]) + wd*float64(w[j])
			mj := b1*float64(m[j]) + (1-b1)*gj
			vj := b2*float64(v[j]) + (1-b2)*gj*gj
			m[j] = float32(mj)
			v[j] = float32(vj)

			mHat := b1*mj/bc1Next + (1-b1)*gj/bc1
			vHat := vj / bc2
			w[j] = float32(float64(w[j]) - lr*mHat/(math.Sqrt(vHat)+eps))
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (n *NadamOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(n.config.LearningRate),
			"beta1":         float64(n.config.Beta1),
			"beta2":         float64(n.config.Beta2),
			"epsilon":       float64(n.config.Epsilon),
			"weight_decay":  float64(n.config.WeightDecay),
			"step_count":    float64(n.stepCount),
		},
	}
	state.StateData = append(n.exportBuffers("momentum", n.momentum), n.exportBuffers("variance", n.variance)...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (n *NadamOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}
	if err := n.restoreBuffers(state, map[string][][]float32{"momentum": n.momentum, "variance": n.variance}); err != nil {
		return err
	}
	n.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", n.config.LearningRate)
	n.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", n.config.Beta1)
	n.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", n.config.Beta2)
	n.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", n.config.Epsilon)
	n.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", n.config.WeightDecay)
	n.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (n *NadamOptimizer) GetStepCount() uint64 { return n.stepCount }

// UpdateLearningRate updates the learning rate
func (n *NadamOptimizer) UpdateLearningRate(lr float32) { n.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (n *NadamOptimizer) LearningRate() float32 { return n.config.LearningRate }
