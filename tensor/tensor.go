// Package tensor provides the dense float32 storage used by the layers,
// engine and dataset packages. Tensors are row-major and always CPU resident.
package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when two tensors (or a tensor and its data)
// disagree on shape.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a row-major float32 array with an explicit shape.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Size returns a copy of the shape.
func (t *Tensor) Size() []int {
	out := make([]int, len(t.Shape))
	copy(out, t.Shape)
	return out
}

// Rows returns the leading (batch) dimension, or 0 for a scalar tensor.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NumElements returns the product of the dimensions of shape.
func NumElements(shape []int) int {
	return calculateNumElements(shape)
}
