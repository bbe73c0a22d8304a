package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, errors.Errorf("dimension %d has invalid size %d", i, dim)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Wrapf(ErrShapeMismatch, "cannot reshape tensor of size %d into %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / known
		known *= shape[negOneIdx]
	}

	if known != t.NumElems {
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, errors.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, errors.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
	}
	return t.Data[getIndex(indices, t.Strides)], nil
}

// SetAt sets the element at the given indices.
func (t *Tensor) SetAt(value float32, indices ...int) error {
	if len(indices) != len(t.Shape) {
		return errors.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return errors.Errorf("index %d out of bounds for dimension %d with size %d", idx, i, t.Shape[i])
		}
	}
	t.Data[getIndex(indices, t.Strides)] = value
	return nil
}

// Equal reports exact equality of shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.AllClose(other, 0)
}

// AllClose reports whether shapes match and every element differs by at
// most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if other == nil || !ShapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// Fill sets every element to value.
func (t *Tensor) Fill(value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Row returns a view of the i-th slice along the leading dimension.
func (t *Tensor) Row(i int) []float32 {
	if len(t.Shape) == 0 {
		return nil
	}
	width := t.NumElems / t.Shape[0]
	return t.Data[i*width : (i+1)*width]
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, data=[", t.Shape))
	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < len(t.Data) {
		sb.WriteString(", ...")
	}
	sb.WriteString("])")
	return sb.String()
}
