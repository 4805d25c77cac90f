// Package nn holds the building blocks shared by the recurrent and transformer
// language models: tensors, parameters, linear maps, embeddings, dropout,
// layer normalization and the sinusoidal positional encoding.
package nn

import (
	"errors"
	"fmt"
)

// ErrShape is returned when a tensor does not have the dimensions an operation expects.
var ErrShape = errors.New("shape mismatch")

// Tensor is a wrapper around a slice of float32 values and a list of dimensions.
type Tensor struct {
	Data []float32
	Dims []int
}

// Tokens is a wrapper around a slice of vocabulary indices and a list of dimensions.
type Tokens struct {
	Data []int32
	Dims []int
}

// numel returns the number of elements described by dims.
func numel(dims []int) int {
	s := 1
	for _, d := range dims {
		s *= d
	}
	return s
}

// NewTensor creates a zero filled tensor with the given dimensions.
func NewTensor(dims ...int) Tensor {
	return Tensor{
		Data: make([]float32, numel(dims)),
		Dims: append([]int(nil), dims...),
	}
}

// FromSlice wraps data in a tensor, data must hold exactly the elements of dims.
func FromSlice(data []float32, dims ...int) (Tensor, error) {
	if numel(dims) != len(data) {
		return Tensor{}, fmt.Errorf("%w: %d values for dims %v", ErrShape, len(data), dims)
	}
	return Tensor{Data: data, Dims: append([]int(nil), dims...)}, nil
}

// Is reports whether the tensor has exactly the given dimensions.
func (t Tensor) Is(dims ...int) bool {
	return sameDims(t.Dims, dims)
}

// Is reports whether the tokens have exactly the given dimensions.
func (t Tokens) Is(dims ...int) bool {
	return sameDims(t.Dims, dims)
}

// Transpose swaps the two dimensions of a 2D token tensor, (B,T) <-> (T,B).
func (t Tokens) Transpose() Tokens {
	if len(t.Dims) != 2 {
		panic("transpose needs a 2D token tensor")
	}
	rows, cols := t.Dims[0], t.Dims[1]
	out := make([]int32, len(t.Data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = t.Data[r*cols+c]
		}
	}
	return Tokens{Data: out, Dims: []int{cols, rows}}
}

func sameDims(a, b []int) bool {
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

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	// Name identifies the parameter in checkpoints and logs.
	Name string
	// Dims are the dimensions of Data and Grad.
	Dims []int
	// Data holds the parameter values, written only by optimizers and loaders.
	Data []float32
	// Grad accumulates the gradient of the loss with respect to Data.
	Grad []float32
}

// NewParam creates a zero valued parameter with the given dimensions.
func NewParam(name string, dims ...int) *Param {
	n := numel(dims)
	return &Param{
		Name: name,
		Dims: append([]int(nil), dims...),
		Data: make([]float32, n),
		Grad: make([]float32, n),
	}
}

// Len returns the number of values of the parameter.
func (p *Param) Len() int {
	return len(p.Data)
}

// ZeroGrad resets the gradient to zero.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Params is an ordered collection of parameters.
type Params []*Param

// ZeroGrad resets every gradient to zero.
func (ps Params) ZeroGrad() {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// Len returns the total number of values across the parameters.
func (ps Params) Len() int {
	var n int
	for _, p := range ps {
		n += p.Len()
	}
	return n
}
