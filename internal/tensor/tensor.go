// Package tensor holds the dense float64 buffer shared by the model stages.
// Image batches use NHWC layout.
package tensor

import "github.com/pkg/errors"

// Tensor is a row-major n-dimensional array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, Volume(shape))}
}

// FromData wraps data without copying.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if Volume(shape) != len(data) {
		return nil, errors.Errorf("tensor: shape %v needs %d values, got %d", shape, Volume(shape), len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Volume is the number of elements described by shape.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the element count.
func (t *Tensor) Size() int { return len(t.Data) }

// Zero resets every element.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float64(nil), t.Data...)}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return EqualShape(t.Shape, o.Shape)
}

// EqualShape compares two shapes.
func EqualShape(a, b []int) bool {
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

// Stack concatenates single-sample tensors of equal shape along a new
// leading batch axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("tensor: nothing to stack")
	}
	per := items[0].Size()
	out := New(append([]int{len(items)}, items[0].Shape...)...)
	for i, it := range items {
		if !it.SameShape(items[0]) {
			return nil, errors.Errorf("tensor: item %d has shape %v, want %v", i, it.Shape, items[0].Shape)
		}
		copy(out.Data[i*per:(i+1)*per], it.Data)
	}
	return out, nil
}
