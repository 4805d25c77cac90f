package nn

import "github.com/conneroisu/ptblm/pkg/torch"

// LayerNorm normalizes every Dim-sized row: W * (x - mean) / (std + eps) + B.
type LayerNorm struct {
	Dim  int
	W, B *Param

	inp, mean, std []float32
	rows           int
}

// NewLayerNorm creates a layer norm with unit scale and zero shift.
func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim: dim,
		W:   NewParam(name+".a_2", dim),
		B:   NewParam(name+".b_2", dim),
	}
	for i := range ln.W.Data {
		ln.W.Data[i] = 1
	}
	return ln
}

// Forward normalizes rows vectors and records what Backward needs.
func (ln *LayerNorm) Forward(inp []float32, rows int) []float32 {
	out := make([]float32, rows*ln.Dim)
	ln.mean = make([]float32, rows)
	ln.std = make([]float32, rows)
	torch.LayernormForward(out, ln.mean, ln.std, inp, ln.W.Data, ln.B.Data, 1, rows, ln.Dim)
	ln.inp, ln.rows = inp, rows
	return out
}

// Backward accumulates the parameter gradients and returns the input gradient.
func (ln *LayerNorm) Backward(dout []float32) []float32 {
	dinp := make([]float32, ln.rows*ln.Dim)
	torch.LayernormBackward(dinp, ln.W.Grad, ln.B.Grad, dout, ln.inp, ln.W.Data, ln.mean, ln.std, 1, ln.rows, ln.Dim)
	return dinp
}

// Params returns the scale and shift.
func (ln *LayerNorm) Params() Params {
	return Params{ln.W, ln.B}
}
