package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch to a learning rate. Fit calls GetLR at the
// start of every epoch with the optimizer's compiled rate as baseLR.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// PlateauScheduler is a stateful scheduler fed the epoch logs after
// validation.
type PlateauScheduler interface {
	LRScheduler
	Metric(logs map[string]float64) (float64, bool)
	Step(metric float64, currentLR float64) float64
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Epochs to reach EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler multiplies the rate by Factor after Patience
// epochs without Monitor improving by Threshold.
type ReduceLROnPlateauScheduler struct {
	Monitor   string  // Log key to watch; falls back to "loss" when absent
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Epochs with no improvement before reducing
	Threshold float64 // Minimum change that counts as improvement
	Mode      string  // "min" or "max"
	MinLR     float64

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler on
// validation loss.
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{
		Monitor:   ValidationKey(LossKey),
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Metric picks the monitored value out of the epoch logs.
func (s *ReduceLROnPlateauScheduler) Metric(logs map[string]float64) (float64, bool) {
	if v, ok := logs[s.Monitor]; ok {
		return v, true
	}
	v, ok := logs[LossKey]
	return v, ok
}

// Step records one epoch's metric and returns the learning rate to use.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := metric < s.bestMetric-s.Threshold
	if s.Mode == "max" {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR = math.Max(s.currentLR*s.Factor, s.MinLR)
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds a scheduler with default settings from its name:
// "constant", "step", "exponential", "cosine" (annealed over epochs) or
// "plateau".
func NewScheduler(name string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant", "none":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(0, 0), nil
	case "exponential":
		return NewExponentialLRScheduler(0), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(0, 0, 1e-4, "min"), nil
	}
	return nil, errors.Errorf("unknown learning rate scheduler %q", name)
}
