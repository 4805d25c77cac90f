package recurrent

import (
	"fmt"
	"math"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// Cell is one recurrent layer, a pure map from (x, h) to the next hidden state.
// Weights are stored (out, in), so x·W in the equations reads x @ Wᵀ here.
type Cell interface {
	InputSize() int
	HiddenSize() int
	// Step returns the next hidden state for a batch of inputs (batch, in) and states (batch, hidden).
	Step(x, h []float32, batch int) []float32
	// Params returns the parameters owned by the cell.
	Params() nn.Params

	forward(x, h []float32, batch int) ([]float32, *stepCache)
	backward(dhNew []float32, cache *stepCache) (dx, dh []float32)
}

// stepCache keeps what backward needs from one cell step.
type stepCache struct {
	batch       int
	x, h, hNew  []float32
	r, z, cand  []float32
	resetHidden []float32
}

// affine returns x @ Wᵀ + h @ Uᵀ + b.
func affine(x, w []float32, in int, h, u []float32, hidden int, b []float32, batch int) []float32 {
	out := make([]float32, batch*hidden)
	rec := make([]float32, batch*hidden)
	torch.MatmulForward(out, x, w, b, 1, batch, in, hidden)
	torch.MatmulForward(rec, h, u, nil, 1, batch, hidden, hidden)
	for i := range out {
		out[i] += rec[i]
	}
	return out
}

func uniformParam(dev *nn.Device, k float32, name string, dims ...int) *nn.Param {
	p := nn.NewParam(name, dims...)
	dev.Uniform(p.Data, k)
	return p
}

// RNNCell is the vanilla update h' = tanh(x·Wx + h·Wh + bh).
type RNNCell struct {
	in, hidden int
	Wx, Wh, Bh *nn.Param
}

// NewRNNCell creates a cell with weights and bias uniform in [-k, k], k = sqrt(1/hidden).
func NewRNNCell(name string, in, hidden int, dev *nn.Device) *RNNCell {
	k := float32(math.Sqrt(1 / float64(hidden)))
	return &RNNCell{
		in:     in,
		hidden: hidden,
		Wx:     uniformParam(dev, k, name+".Wx", hidden, in),
		Wh:     uniformParam(dev, k, name+".Wh", hidden, hidden),
		Bh:     uniformParam(dev, k, name+".bh", hidden),
	}
}

func (c *RNNCell) InputSize() int  { return c.in }
func (c *RNNCell) HiddenSize() int { return c.hidden }

func (c *RNNCell) Params() nn.Params {
	return nn.Params{c.Wx, c.Wh, c.Bh}
}

func (c *RNNCell) Step(x, h []float32, batch int) []float32 {
	hNew, _ := c.forward(x, h, batch)
	return hNew
}

func (c *RNNCell) forward(x, h []float32, batch int) ([]float32, *stepCache) {
	checkStep(c, x, h, batch)
	hNew := affine(x, c.Wx.Data, c.in, h, c.Wh.Data, c.hidden, c.Bh.Data, batch)
	for i := range hNew {
		hNew[i] = torch.Tanh(hNew[i])
	}
	return hNew, &stepCache{batch: batch, x: x, h: h, hNew: hNew}
}

func (c *RNNCell) backward(dhNew []float32, cache *stepCache) ([]float32, []float32) {
	batch := cache.batch
	dpre := make([]float32, len(dhNew))
	for i := range dpre {
		dpre[i] = dhNew[i] * (1 - cache.hNew[i]*cache.hNew[i])
	}
	dx := make([]float32, batch*c.in)
	dh := make([]float32, batch*c.hidden)
	torch.MatmulBackward(dx, c.Wx.Grad, c.Bh.Grad, dpre, cache.x, c.Wx.Data, 1, batch, c.in, c.hidden)
	torch.MatmulBackward(dh, c.Wh.Grad, nil, dpre, cache.h, c.Wh.Data, 1, batch, c.hidden, c.hidden)
	return dx, dh
}

// GRUCell is the gated update:
//
//	r  = σ(x·Wr + h·Ur + br)
//	z  = σ(x·Wz + h·Uz + bz)
//	h̃  = tanh(x·Wh + (r⊙h)·Uh + bh)
//	h' = (1-z)⊙h + z⊙h̃
type GRUCell struct {
	in, hidden int
	Wr, Wz, Wh *nn.Param
	Ur, Uz, Uh *nn.Param
	Br, Bz, Bh *nn.Param
}

// NewGRUCell creates a cell with every weight and bias uniform in [-k, k], k = sqrt(1/hidden).
func NewGRUCell(name string, in, hidden int, dev *nn.Device) *GRUCell {
	k := float32(math.Sqrt(1 / float64(hidden)))
	return &GRUCell{
		in:     in,
		hidden: hidden,
		Wr:     uniformParam(dev, k, name+".Wr", hidden, in),
		Wz:     uniformParam(dev, k, name+".Wz", hidden, in),
		Wh:     uniformParam(dev, k, name+".Wh", hidden, in),
		Ur:     uniformParam(dev, k, name+".Ur", hidden, hidden),
		Uz:     uniformParam(dev, k, name+".Uz", hidden, hidden),
		Uh:     uniformParam(dev, k, name+".Uh", hidden, hidden),
		Br:     uniformParam(dev, k, name+".br", hidden),
		Bz:     uniformParam(dev, k, name+".bz", hidden),
		Bh:     uniformParam(dev, k, name+".bh", hidden),
	}
}

func (c *GRUCell) InputSize() int  { return c.in }
func (c *GRUCell) HiddenSize() int { return c.hidden }

func (c *GRUCell) Params() nn.Params {
	return nn.Params{c.Wr, c.Wz, c.Wh, c.Ur, c.Uz, c.Uh, c.Br, c.Bz, c.Bh}
}

func (c *GRUCell) Step(x, h []float32, batch int) []float32 {
	hNew, _ := c.forward(x, h, batch)
	return hNew
}

func (c *GRUCell) forward(x, h []float32, batch int) ([]float32, *stepCache) {
	checkStep(c, x, h, batch)
	r := affine(x, c.Wr.Data, c.in, h, c.Ur.Data, c.hidden, c.Br.Data, batch)
	z := affine(x, c.Wz.Data, c.in, h, c.Uz.Data, c.hidden, c.Bz.Data, batch)
	resetHidden := make([]float32, len(h))
	for i := range r {
		r[i] = torch.Sigmoid(r[i])
		z[i] = torch.Sigmoid(z[i])
		resetHidden[i] = r[i] * h[i]
	}
	cand := affine(x, c.Wh.Data, c.in, resetHidden, c.Uh.Data, c.hidden, c.Bh.Data, batch)
	hNew := make([]float32, len(h))
	for i := range cand {
		cand[i] = torch.Tanh(cand[i])
		hNew[i] = (1-z[i])*h[i] + z[i]*cand[i]
	}
	return hNew, &stepCache{
		batch:       batch,
		x:           x,
		h:           h,
		hNew:        hNew,
		r:           r,
		z:           z,
		cand:        cand,
		resetHidden: resetHidden,
	}
}

func (c *GRUCell) backward(dhNew []float32, cache *stepCache) ([]float32, []float32) {
	batch, n := cache.batch, len(dhNew)
	dx := make([]float32, batch*c.in)
	dh := make([]float32, n)
	dpc := make([]float32, n)
	dpz := make([]float32, n)
	for i := 0; i < n; i++ {
		z, cand := cache.z[i], cache.cand[i]
		dh[i] = dhNew[i] * (1 - z)
		dpc[i] = dhNew[i] * z * (1 - cand*cand)
		dpz[i] = dhNew[i] * (cand - cache.h[i]) * z * (1 - z)
	}
	// candidate: x·Wh + (r⊙h)·Uh + bh
	dresetHidden := make([]float32, n)
	torch.MatmulBackward(dx, c.Wh.Grad, c.Bh.Grad, dpc, cache.x, c.Wh.Data, 1, batch, c.in, c.hidden)
	torch.MatmulBackward(dresetHidden, c.Uh.Grad, nil, dpc, cache.resetHidden, c.Uh.Data, 1, batch, c.hidden, c.hidden)
	dpr := make([]float32, n)
	for i := 0; i < n; i++ {
		r := cache.r[i]
		dh[i] += dresetHidden[i] * r
		dpr[i] = dresetHidden[i] * cache.h[i] * r * (1 - r)
	}
	// update and reset gates
	torch.MatmulBackward(dx, c.Wz.Grad, c.Bz.Grad, dpz, cache.x, c.Wz.Data, 1, batch, c.in, c.hidden)
	torch.MatmulBackward(dh, c.Uz.Grad, nil, dpz, cache.h, c.Uz.Data, 1, batch, c.hidden, c.hidden)
	torch.MatmulBackward(dx, c.Wr.Grad, c.Br.Grad, dpr, cache.x, c.Wr.Data, 1, batch, c.in, c.hidden)
	torch.MatmulBackward(dh, c.Ur.Grad, nil, dpr, cache.h, c.Ur.Data, 1, batch, c.hidden, c.hidden)
	return dx, dh
}

func checkStep(c Cell, x, h []float32, batch int) {
	if len(x) != batch*c.InputSize() || len(h) != batch*c.HiddenSize() {
		panic(fmt.Sprintf("recurrent step: got x of %d and h of %d for batch %d, in %d, hidden %d",
			len(x), len(h), batch, c.InputSize(), c.HiddenSize()))
	}
}
