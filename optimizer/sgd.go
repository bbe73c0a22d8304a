package optimizer

import "github.com/pkg/errors"

// SGDOptimizer implements stochastic gradient descent with optional momentum
// and Nesterov acceleration.
type SGDOptimizer struct {
	config SGDConfig
	params

	momentum [][]float32

	stepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizer, error) {
	if config.Nesterov && config.Momentum <= 0 {
		return nil, errors.New("nesterov momentum requires a positive momentum")
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	o := &SGDOptimizer{config: config, params: p}
	if config.Momentum > 0 {
		o.momentum = p.zeroBuffers()
	}
	return o, nil
}

// Step performs a single SGD optimization step
func (s *SGDOptimizer) Step(gradients [][]float32) error {
	if err := s.checkGradients(gradients); err != nil {
		return err
	}
	s.stepCount++

	lr := s.config.LearningRate
	mu := s.config.Momentum
	wd := s.config.WeightDecay
	for i, w := range s.weights {
		g := gradients[i]
		for j := range w {
			gj := g[j] + wd*w[j]
			if s.momentum != nil {
				v := mu*s.momentum[i][j] + gj
				s.momentum[i][j] = v
				if s.config.Nesterov {
					gj += mu * v
				} else {
					gj = v
				}
			}
			w[j] -= lr * gj
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (s *SGDOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": float64(s.config.LearningRate),
			"momentum":      float64(s.config.Momentum),
			"weight_decay":  float64(s.config.WeightDecay),
			"nesterov":      s.config.Nesterov,
			"step_count":    float64(s.stepCount),
		},
	}
	if s.momentum != nil {
		state.StateData = s.exportBuffers("momentum", s.momentum)
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGDOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	s.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", s.config.LearningRate)
	s.config.Momentum = extractFloat32Param(state.Parameters, "momentum", s.config.Momentum)
	s.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", s.config.WeightDecay)
	s.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", s.config.Nesterov)
	s.stepCount = extractUint64Param(state.Parameters, "step_count", 0)

	if s.config.Momentum > 0 && s.momentum == nil {
		s.momentum = s.zeroBuffers()
	}
	return s.restoreBuffers(state, map[string][][]float32{"momentum": s.momentum})
}

// GetStepCount returns the current optimization step number
func (s *SGDOptimizer) GetStepCount() uint64 { return s.stepCount }

// UpdateLearningRate updates the learning rate
func (s *SGDOptimizer) UpdateLearningRate(lr float32) { s.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (s *SGDOptimizer) LearningRate() float32 { return s.config.LearningRate }
