package tensor

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNew(t *testing.T) {
	tt, err := New([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tt.NumElems != 6 {
		t.Errorf("NumElems = %d, expected 6", tt.NumElems)
	}
	if v, _ := tt.At(1, 2); v != 6 {
		t.Errorf("At(1,2) = %v, expected 6", v)
	}

	if _, err := New([]int{2, 3}, []float32{1, 2}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := New([]int{2, 0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New(nil, nil); err == nil {
		t.Error("expected error for empty shape")
	}
}

func TestReshape(t *testing.T) {
	tt := MustNew([]int{2, 6}, nil)
	r, err := tt.Reshape([]int{3, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(r.Shape, []int{3, 4}) {
		t.Errorf("shape = %v, expected [3 4]", r.Shape)
	}
	r.Data[0] = 42
	if tt.Data[0] != 42 {
		t.Error("reshape should share storage")
	}

	if _, err := tt.Reshape([]int{5, -1}); err == nil {
		t.Error("expected error for indivisible reshape")
	}
	if _, err := tt.Reshape([]int{-1, -1}); err == nil {
		t.Error("expected error for two inferred dimensions")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tt := MustNew([]int{2}, []float32{1, 2})
	c := tt.Clone()
	c.Data[0] = 9
	if tt.Data[0] != 1 {
		t.Error("clone shares storage")
	}
	if !tt.Equal(MustNew([]int{2}, []float32{1, 2})) {
		t.Error("Equal should match identical tensors")
	}
}

func TestAllClose(t *testing.T) {
	a := MustNew([]int{3}, []float32{1, 2, 3})
	b := MustNew([]int{3}, []float32{1, 2.0001, 3})
	if !a.AllClose(b, 1e-3) {
		t.Error("expected tensors to be close")
	}
	if a.AllClose(b, 1e-6) {
		t.Error("expected tensors to differ at tight tolerance")
	}
	if a.AllClose(MustNew([]int{1, 3}, []float32{1, 2, 3}), 1) {
		t.Error("different shapes must not be close")
	}
}

func TestGlorotUniformBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w, err := GlorotUniform(rng, []int{10, 20}, 10, 20)
	if err != nil {
		t.Fatalf("GlorotUniform failed: %v", err)
	}
	limit := float32(0.4473) // sqrt(6/30)
	for _, v := range w.Data {
		if v < -limit || v > limit {
			t.Fatalf("value %v outside ±%v", v, limit)
		}
	}
}

func TestRowView(t *testing.T) {
	tt := MustNew([]int{2, 2, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	if !reflect.DeepEqual(tt.Row(1), []float32{4, 5, 6, 7}) {
		t.Errorf("Row(1) = %v", tt.Row(1))
	}
}
