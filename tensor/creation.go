package tensor

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Wrapf(ErrShapeMismatch, "data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is New for shapes known to be valid; it panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	return MustNew(shape, nil)
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// RandomNormal draws every element from N(mean, std²).
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// RandomUniform draws every element from U(low, high).
func RandomUniform(rng *rand.Rand, shape []int, low, high float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + rng.Float32()*(high-low)
	}
	return t, nil
}

// GlorotUniform draws from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform(rng *rand.Rand, shape []int, fanIn, fanOut int) (*Tensor, error) {
	if fanIn+fanOut <= 0 {
		return nil, errors.Errorf("invalid fan sizes %d/%d", fanIn, fanOut)
	}
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	return RandomUniform(rng, shape, -limit, limit)
}
