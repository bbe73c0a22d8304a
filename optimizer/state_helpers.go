package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/pkg/errors"
)

// params holds the bound parameter slices shared by every optimizer.
type params struct {
	shapes  [][]int
	sizes   []int
	weights [][]float32
}

func newParams(weightShapes [][]int) (params, error) {
	if len(weightShapes) == 0 {
		return params{}, errors.New("no weight shapes provided")
	}
	p := params{
		shapes: make([][]int, len(weightShapes)),
		sizes:  make([]int, len(weightShapes)),
	}
	for i, shape := range weightShapes {
		size := calculateTensorSize(shape)
		if size <= 0 {
			return params{}, errors.Errorf("invalid shape %v for weight %d", shape, i)
		}
		p.shapes[i] = append([]int(nil), shape...)
		p.sizes[i] = size
	}
	return p, nil
}

func (p *params) SetWeights(weights [][]float32) error {
	if len(weights) != len(p.sizes) {
		return errors.Errorf("expected %d weight slices, got %d", len(p.sizes), len(weights))
	}
	for i, w := range weights {
		if len(w) != p.sizes[i] {
			return errors.Errorf("weight %d has %d elements, expected %d", i, len(w), p.sizes[i])
		}
	}
	p.weights = weights
	return nil
}

func (p *params) checkGradients(gradients [][]float32) error {
	if p.weights == nil {
		return errors.New("weights not set")
	}
	if len(gradients) != len(p.weights) {
		return errors.Errorf("gradient count mismatch: expected %d, got %d", len(p.weights), len(gradients))
	}
	for i, g := range gradients {
		if len(g) != p.sizes[i] {
			return errors.Errorf("gradient %d has %d elements, expected %d", i, len(g), p.sizes[i])
		}
	}
	return nil
}

func (p *params) zeroBuffers() [][]float32 {
	bufs := make([][]float32, len(p.sizes))
	for i, n := range p.sizes {
		bufs[i] = make([]float32, n)
	}
	return bufs
}

// calculateTensorSize returns the element count of a shape.
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// exportBuffers copies per-weight state buffers into checkpoint tensors named
// "<stateType>_<i>".
func (p *params) exportBuffers(stateType string, bufs [][]float32) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, len(bufs))
	for i, buf := range bufs {
		out[i] = checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", stateType, i),
			Shape:     append([]int(nil), p.shapes[i]...),
			Data:      append([]float32(nil), buf...),
			StateType: stateType,
		}
	}
	return out
}

// restoreBuffers copies checkpoint tensors back into the buffers registered
// under their state type. Unknown state types are rejected.
func (p *params) restoreBuffers(state *OptimizerState, targets map[string][][]float32) error {
	for _, st := range state.StateData {
		bufs, ok := targets[st.StateType]
		if !ok {
			return errors.Errorf("unknown state type %q", st.StateType)
		}
		idx, err := extractBufferIndex(st.Name)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(bufs) {
			return errors.Errorf("state tensor %s index out of range", st.Name)
		}
		if len(st.Data) != len(bufs[idx]) {
			return errors.Errorf("state tensor %s has %d elements, expected %d", st.Name, len(st.Data), len(bufs[idx]))
		}
		copy(bufs[idx], st.Data)
	}
	return nil
}

// extractBufferIndex extracts the buffer index from names like "momentum_0"
func extractBufferIndex(name string) (int, error) {
	i := strings.LastIndex(name, "_")
	if i < 0 || i == len(name)-1 {
		return 0, errors.Errorf("invalid state tensor name: %s", name)
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid state tensor name: %s", name)
	}
	return idx, nil
}

// validateStateType ensures the state type matches expected
func validateStateType(expected string, state *OptimizerState) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Type != expected {
		return errors.Errorf("state type mismatch: expected %s, got %s", expected, state.Type)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}
