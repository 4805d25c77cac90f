package nn

import (
	"fmt"
	"math"

	"github.com/conneroisu/ptblm/pkg/torch"
)

// Linear is an affine map out = inp @ Wᵀ + b over the last dimension.
type Linear struct {
	In, Out int
	// W is stored (Out, In).
	W *Param
	// B is nil for a bias free map.
	B *Param

	// cache of the last Forward
	inp  []float32
	rows int
}

// NewLinear creates a linear map with the default fan-in uniform initialisation.
func NewLinear(name string, in, out int, bias bool, dev *Device) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   NewParam(name+".weight", out, in),
	}
	k := float32(1 / math.Sqrt(float64(in)))
	dev.Uniform(l.W.Data, k)
	if bias {
		l.B = NewParam(name+".bias", out)
		dev.Uniform(l.B.Data, k)
	}
	return l
}

func (l *Linear) bias() []float32 {
	if l.B == nil {
		return nil
	}
	return l.B.Data
}

// Apply computes the map for rows input vectors without recording anything for Backward.
func (l *Linear) Apply(inp []float32, rows int) []float32 {
	if len(inp) != rows*l.In {
		panic(fmt.Sprintf("linear: %d inputs for %d rows of width %d", len(inp), rows, l.In))
	}
	out := make([]float32, rows*l.Out)
	torch.MatmulForward(out, inp, l.W.Data, l.bias(), 1, rows, l.In, l.Out)
	return out
}

// Forward computes the map and records the input for Backward.
func (l *Linear) Forward(inp []float32, rows int) []float32 {
	out := l.Apply(inp, rows)
	l.inp, l.rows = inp, rows
	return out
}

// Backward accumulates the parameter gradients and returns the input gradient.
func (l *Linear) Backward(dout []float32) []float32 {
	dinp := make([]float32, l.rows*l.In)
	var dbias []float32
	if l.B != nil {
		dbias = l.B.Grad
	}
	torch.MatmulBackward(dinp, l.W.Grad, dbias, dout, l.inp, l.W.Data, 1, l.rows, l.In, l.Out)
	return dinp
}

// Params returns the weight and, when present, the bias.
func (l *Linear) Params() Params {
	if l.B == nil {
		return Params{l.W}
	}
	return Params{l.W, l.B}
}
