package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdaBeliefOptimizer adapts the step size by the "belief" in the current
// gradient: the variance of the gradient around its moving average instead of
// Adam's raw second moment. With Rectify set it applies the RAdam variance
// rectification and falls back to a momentum step while the approximated
// simple moving average length is below SMAThreshold.
type AdaBeliefOptimizer struct {
	config AdaBeliefConfig
	params

	m [][]float32 // first moment
	s [][]float32 // centred second moment ("belief")

	stepCount uint64
}

// AdaBeliefConfig holds configuration for AdaBelief optimizer
type AdaBeliefConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	Rectify      bool
	SMAThreshold float32
}

// DefaultAdaBeliefConfig returns the configuration the training driver uses
func DefaultAdaBeliefConfig() AdaBeliefConfig {
	return AdaBeliefConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-14,
		WeightDecay:  1e-4,
		Rectify:      true,
		SMAThreshold: 5.0,
	}
}

// NewAdaBeliefOptimizer creates a new AdaBelief optimizer
func NewAdaBeliefOptimizer(config AdaBeliefConfig, weightShapes [][]int) (*AdaBeliefOptimizer, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	p, err := newParams(weightShapes)
	if err != nil {
		return nil, err
	}
	return &AdaBeliefOptimizer{
		config: config,
		params: p,
		m:      p.zeroBuffers(),
		s:      p.zeroBuffers(),
	}, nil
}

// Step performs a single AdaBelief optimization step
func (o *AdaBeliefOptimizer) Step(gradients [][]float32) error {
	if err := o.checkGradients(gradients); err != nil {
		return err
	}
	o.stepCount++

	b1 := float64(o.config.Beta1)
	b2 := float64(o.config.Beta2)
	eps := float64(o.config.Epsilon)
	lr := float64(o.config.LearningRate)
	wd := float64(o.config.WeightDecay)
	t := float64(o.stepCount)

	b1t := math.Pow(b1, t)
	b2t := math.Pow(b2, t)
	bc1 := 1 - b1t
	bc2 := 1 - b2t

	adaptive := true
	r := 1.0
	if o.config.Rectify {
		smaInf := 2/(1-b2) - 1
		smaT := smaInf - 2*t*b2t/bc2
		if smaT >= float64(o.config.SMAThreshold) {
			r = math.Sqrt((smaT - 4) / (smaInf - 4) * (smaT - 2) / (smaInf - 2) * smaInf / smaT)
		} else {
			adaptive = false
		}
	}

	for i, w := range o.weights {
		g := gradients[i]
		m := o.m[i]
		s := o.s[i]
		for j := range w {
			gj := float64(g[j])
			mj := b1*float64(m[j]) + (1-b1)*gj
			d := gj - mj
			sj := b2*float64(s[j]) + (1-b2)*d*d + eps
			m[j] = float32(mj)
			s[j] = float32(sj)

			mHat := mj / bc1
			var update float64
			if adaptive {
				update = r * mHat / (math.Sqrt(sj/bc2) + eps)
			} else {
				update = mHat
			}
			update += wd * float64(w[j])
			w[j] = float32(float64(w[j]) - lr*update)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (o *AdaBeliefOptimizer) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "AdaBelief",
		Parameters: map[string]interface{}{
			"learning_rate": float64(o.config.LearningRate),
			"beta1":         float64(o.config.Beta1),
			"beta2":         float64(o.config.Beta2),
			"epsilon":       float64(o.config.Epsilon),
			"weight_decay":  float64(o.config.WeightDecay),
			"rectify":       o.config.Rectify,
			"sma_threshold": float64(o.config.SMAThreshold),
			"step_count":    float64(o.stepCount),
		},
	}
	state.StateData = append(o.exportBuffers("m", o.m), o.exportBuffers("s", o.s)...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (o *AdaBeliefOptimizer) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaBelief", state); err != nil {
		return err
	}
	if err := o.restoreBuffers(state, map[string][][]float32{"m": o.m, "s": o.s}); err != nil {
		return err
	}
	o.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", o.config.LearningRate)
	o.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", o.config.Beta1)
	o.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", o.config.Beta2)
	o.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", o.config.Epsilon)
	o.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", o.config.WeightDecay)
	o.config.Rectify = extractBoolParam(state.Parameters, "rectify", o.config.Rectify)
	o.config.SMAThreshold = extractFloat32Param(state.Parameters, "sma_threshold", o.config.SMAThreshold)
	o.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the current optimization step number
func (o *AdaBeliefOptimizer) GetStepCount() uint64 { return o.stepCount }

// UpdateLearningRate updates the learning rate
func (o *AdaBeliefOptimizer) UpdateLearningRate(lr float32) { o.config.LearningRate = lr }

// LearningRate returns the current learning rate
func (o *AdaBeliefOptimizer) LearningRate() float32 { return o.config.LearningRate }
