// Package tensor provides the numeric value type carried by random variable
// nodes. A Tensor is a dense float64 array with a shape; scalars are rank-0
// tensors with a single element. Arithmetic helpers are elementwise and
// allocate fresh storage, so tensors held by a committed world are never
// mutated through a branch.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense numeric array. The zero value is an empty tensor.
type Tensor struct {
	data  []float64
	shape []int
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) Tensor {
	return Tensor{data: []float64{v}}
}

// FromSlice builds a tensor from data with the given shape. The data is
// copied. An empty shape produces a rank-0 scalar, which requires exactly one
// element.
func FromSlice(data []float64, shape ...int) (Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return Tensor{}, fmt.Errorf("tensor: invalid dimension %d", d)
		}
		n *= d
	}
	if len(data) != n {
		return Tensor{}, fmt.Errorf("tensor: %d elements do not fit shape %v", len(data), shape)
	}
	t := Tensor{data: make([]float64, len(data)), shape: append([]int(nil), shape...)}
	copy(t.data, data)
	return t, nil
}

// Zeros returns a tensor of the given shape filled with zeros.
func Zeros(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{data: make([]float64, n), shape: append([]int(nil), shape...)}
}

// Full returns a tensor of the given shape filled with v.
func Full(v float64, shape ...int) Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.data) }

// Shape returns a copy of the tensor's shape.
func (t Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// At returns the i-th element in row-major order.
func (t Tensor) At(i int) float64 { return t.data[i] }

// Float returns the value of a single-element tensor.
func (t Tensor) Float() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Float on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// Data returns a copy of the underlying elements in row-major order.
func (t Tensor) Data() []float64 {
	return append([]float64(nil), t.data...)
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{data: append([]float64(nil), t.data...), shape: append([]int(nil), t.shape...)}
}

// IsFinite reports whether every element is finite (no NaN or Inf).
func (t Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Equal reports exact elementwise equality, including shape.
func (t Tensor) Equal(o Tensor) bool {
	if len(t.data) != len(o.data) || len(t.shape) != len(o.shape) {
		return false
	}
	for i, d := range t.shape {
		if o.shape[i] != d {
			return false
		}
	}
	return floats.Equal(t.data, o.data)
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i, d := range t.shape {
		if o.shape[i] != d {
			return false
		}
	}
	return true
}

// Add returns t + o elementwise.
func (t Tensor) Add(o Tensor) Tensor {
	t.mustMatch(o, "Add")
	out := t.Clone()
	floats.Add(out.data, o.data)
	return out
}

// Sub returns t - o elementwise.
func (t Tensor) Sub(o Tensor) Tensor {
	t.mustMatch(o, "Sub")
	out := t.Clone()
	floats.Sub(out.data, o.data)
	return out
}

// Mul returns t * o elementwise.
func (t Tensor) Mul(o Tensor) Tensor {
	t.mustMatch(o, "Mul")
	out := t.Clone()
	floats.Mul(out.data, o.data)
	return out
}

// Scale returns t * c.
func (t Tensor) Scale(c float64) Tensor {
	out := t.Clone()
	floats.Scale(c, out.data)
	return out
}

// Map returns a tensor with f applied to every element.
func (t Tensor) Map(f func(float64) float64) Tensor {
	out := t.Clone()
	for i, v := range out.data {
		out.data[i] = f(v)
	}
	return out
}

// Sum returns the sum of all elements.
func (t Tensor) Sum() float64 { return floats.Sum(t.data) }

// String renders the tensor for logs and error messages.
func (t Tensor) String() string {
	if len(t.data) == 1 {
		return fmt.Sprintf("%g", t.data[0])
	}
	return fmt.Sprintf("%v%v", t.shape, t.data)
}

func (t Tensor) mustMatch(o Tensor, op string) {
	if !t.SameShape(o) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, t.shape, o.shape))
	}
}
