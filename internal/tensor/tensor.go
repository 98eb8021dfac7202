// Package tensor implements the numeric runtime used by the model packages:
// row-major float64 arrays with shape-checked operations and tape-based
// reverse-mode differentiation. Operations live on a Graph so the same code
// path serves inference (no tape) and training (tape recorded).
package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Tensor is an N-dimensional row-major array. Grad is allocated alongside
// Data and accumulated into by the backward pass. Trainable marks parameters
// that an optimizer is allowed to update; frozen parameters keep it false.
type Tensor struct {
	shape     []int
	Data      []float64
	Grad      []float64
	Trainable bool
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		shape: append([]int(nil), shape...),
		Data:  data,
		Grad:  make([]float64, len(data)),
	}
}

// Param allocates a trainable tensor.
func Param(shape ...int) *Tensor {
	t := New(shape...)
	t.Trainable = true
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float64 { return t.Data[t.offset(idx)] }

// Set writes the element at the given multi-index.
func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index rank %d does not match shape %v", len(idx), t.shape))
	}
	off := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of bounds for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + ix
	}
	return off
}

// Clone copies the tensor's data (not its gradient).
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.Data, t.Data)
	c.Trainable = t.Trainable
	return c
}

// Reshape returns a view with a new shape sharing Data and Grad storage.
// The element count must be unchanged. Gradients accumulated through the
// view are visible in the original tensor.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{
		shape:     append([]int(nil), shape...),
		Data:      t.Data,
		Grad:      t.Grad,
		Trainable: t.Trainable,
	}
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// ShapeEqual reports whether two shapes match exactly.
func ShapeEqual(a, b []int) bool {
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

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// FillNormal fills the tensor with Gaussian samples.
func FillNormal(t *Tensor, rng *rand.Rand, mean, std float64) {
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()*std + mean
	}
}

// FillUniform fills the tensor with uniform samples in [lo, hi).
func FillUniform(t *Tensor, rng *rand.Rand, lo, hi float64) {
	for i := range t.Data {
		t.Data[i] = lo + rng.Float64()*(hi-lo)
	}
}

// MeanTime averages a (batch, time, width) tensor over the time dimension,
// producing (batch, 1, width). The result is detached from any graph; it is
// a snapshot, not a differentiable op.
func MeanTime(x *Tensor) *Tensor {
	if x.Rank() != 3 {
		panic(fmt.Sprintf("tensor: MeanTime requires rank 3, got shape %v", x.shape))
	}
	b, t, e := x.shape[0], x.shape[1], x.shape[2]
	out := New(b, 1, e)
	for bi := 0; bi < b; bi++ {
		for ei := 0; ei < e; ei++ {
			sum := 0.0
			for ti := 0; ti < t; ti++ {
				sum += x.Data[(bi*t+ti)*e+ei]
			}
			out.Data[bi*e+ei] = sum / float64(t)
		}
	}
	return out
}
