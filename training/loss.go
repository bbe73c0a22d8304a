package training

import (
	"math"

	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// Loss interface defines methods that all loss functions must implement.
// Both methods take predictions and targets of identical shape; Backward
// returns dLoss/dPredicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// Reduction selects how element losses are combined.
type Reduction string

const (
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
)

func checkPair(predicted, target *tensor.Tensor) error {
	if predicted == nil || target == nil {
		return errors.New("nil prediction or target")
	}
	if !tensor.ShapesEqual(predicted.Shape, target.Shape) {
		return errors.Wrapf(tensor.ErrShapeMismatch, "prediction %v vs target %v", predicted.Shape, target.Shape)
	}
	if len(predicted.Data) == 0 {
		return errors.New("empty prediction")
	}
	return nil
}

func (r Reduction) scale(n int) float64 {
	if r == ReductionSum {
		return 1
	}
	return 1 / float64(n)
}

// HuberLoss is quadratic for residuals within Delta and linear beyond.
type HuberLoss struct {
	Delta     float64
	Reduction Reduction
}

// NewHuberLoss creates a Huber loss with mean reduction.
func NewHuberLoss(delta float64) *HuberLoss {
	if delta <= 0 {
		delta = 1.0
	}
	return &HuberLoss{Delta: delta, Reduction: ReductionMean}
}

// Name returns "huber_loss".
func (h *HuberLoss) Name() string { return "huber_loss" }

// Forward computes 0.5*r^2 for |r| <= delta and delta*(|r| - 0.5*delta)
// otherwise, reduced over every element.
func (h *HuberLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		r := math.Abs(float64(p - target.Data[i]))
		if r <= h.Delta {
			sum += 0.5 * r * r
		} else {
			sum += h.Delta * (r - 0.5*h.Delta)
		}
	}
	return sum * h.Reduction.scale(len(predicted.Data)), nil
}

// Backward returns the clipped residual, scaled by the reduction.
func (h *HuberLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	scale := h.Reduction.scale(len(predicted.Data))
	grad := tensor.Zeros(predicted.Shape...)
	for i, p := range predicted.Data {
		r := float64(p - target.Data[i])
		switch {
		case r > h.Delta:
			r = h.Delta
		case r < -h.Delta:
			r = -h.Delta
		}
		grad.Data[i] = float32(r * scale)
	}
	return grad, nil
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	Reduction Reduction
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction Reduction) *MSELoss {
	if reduction == "" {
		reduction = ReductionMean
	}
	return &MSELoss{Reduction: reduction}
}

// Name returns "mse".
func (m *MSELoss) Name() string { return "mse" }

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (m *MSELoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	if err := checkPair(predicted, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p - target.Data[i])
		sum += d * d
	}
	return sum * m.Reduction.scale(len(predicted.Data)), nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (m *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkPair(predicted, target); err != nil {
		return nil, err
	}
	scale := 2 * m.Reduction.scale(len(predicted.Data))
	grad := tensor.Zeros(predicted.Shape...)
	for i, p := range predicted.Data {
		grad.Data[i] = float32(float64(p-target.Data[i]) * scale)
	}
	return grad, nil
}

// NewLoss returns a loss by name: "huber" (delta 1.0) or "mse".
func NewLoss(name string) (Loss, error) {
	switch name {
	case "huber", "huber_loss", "":
		return NewHuberLoss(1.0), nil
	case "mse", "mean_squared_error":
		return NewMSELoss(ReductionMean), nil
	}
	return nil, errors.Errorf("unknown loss %q", name)
}
