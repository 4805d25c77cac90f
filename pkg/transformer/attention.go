package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// MultiHeadedAttention projects queries, keys and values, attends per head
// with masked scaled dot-product attention and recombines the heads.
type MultiHeadedAttention struct {
	NumHeads int
	NumUnits int
	// HeadSize is NumUnits / NumHeads.
	HeadSize int

	Query, Key, Value, Out *nn.Linear
	Dropout                nn.Dropout

	cache attentionCache
}

type attentionCache struct {
	B, T                        int
	q, k, v                     []float32
	preatt, att, dropped, drops []float32
}

// NewMultiHeadedAttention creates the attention layer. Every projection weight
// and bias is uniform in [-k, k], k = sqrt(1/nUnits). It panics when nHeads
// does not divide nUnits.
func NewMultiHeadedAttention(nHeads, nUnits int, dropout float32, dev *nn.Device) *MultiHeadedAttention {
	if nHeads <= 0 || nUnits%nHeads != 0 {
		panic(fmt.Sprintf("n_units (%d) must be divisible by n_heads (%d)", nUnits, nHeads))
	}
	a := &MultiHeadedAttention{
		NumHeads: nHeads,
		NumUnits: nUnits,
		HeadSize: nUnits / nHeads,
		Query:    nn.NewLinear("q_linear", nUnits, nUnits, true, dev),
		Key:      nn.NewLinear("k_linear", nUnits, nUnits, true, dev),
		Value:    nn.NewLinear("v_linear", nUnits, nUnits, true, dev),
		Out:      nn.NewLinear("W0", nUnits, nUnits, true, dev),
		Dropout:  nn.Dropout{P: dropout},
	}
	k := float32(math.Sqrt(1 / float64(nUnits)))
	for _, p := range a.Params() {
		dev.Uniform(p.Data, k)
	}
	return a
}

// Params returns the projection parameters.
func (a *MultiHeadedAttention) Params() nn.Params {
	var ps nn.Params
	for _, l := range []*nn.Linear{a.Query, a.Key, a.Value, a.Out} {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// Forward attends query over key/value, all (B, T, NumUnits). mask is
// (B, T, T) or (1, T, T), true where a query may see a key; nil allows every pair.
func (a *MultiHeadedAttention) Forward(query, key, value nn.Tensor, mask []bool, training bool, rng *rand.Rand) (nn.Tensor, error) {
	if len(query.Dims) != 3 || query.Dims[2] != a.NumUnits {
		return nn.Tensor{}, fmt.Errorf("%w: query %v, want (batch, time, %d)", nn.ErrShape, query.Dims, a.NumUnits)
	}
	B, T := query.Dims[0], query.Dims[1]
	if !key.Is(query.Dims...) || !value.Is(query.Dims...) {
		return nn.Tensor{}, fmt.Errorf("%w: key %v and value %v must match query %v", nn.ErrShape, key.Dims, value.Dims, query.Dims)
	}
	if err := checkMask(mask, B, T); err != nil {
		return nn.Tensor{}, err
	}
	out := a.forward(query.Data, key.Data, value.Data, mask, B, T, training, rng)
	return nn.Tensor{Data: out, Dims: []int{B, T, a.NumUnits}}, nil
}

func (a *MultiHeadedAttention) forward(query, key, value []float32, mask []bool, B, T int, training bool, rng *rand.Rand) []float32 {
	C, NH := a.NumUnits, a.NumHeads
	c := attentionCache{
		B:       B,
		T:       T,
		q:       a.Query.Forward(query, B*T),
		k:       a.Key.Forward(key, B*T),
		v:       a.Value.Forward(value, B*T),
		preatt:  make([]float32, B*NH*T*T),
		att:     make([]float32, B*NH*T*T),
		dropped: make([]float32, B*NH*T*T),
	}
	c.drops = a.Dropout.Mask(B*NH*T*T, training, rng)
	concat := make([]float32, B*T*C)
	torch.AttentionForward(concat, c.preatt, c.att, c.dropped, c.q, c.k, c.v, mask, c.drops, B, T, C, NH)
	a.cache = c
	return a.Out.Forward(concat, B*T)
}

// backward returns the gradients with respect to query, key and value.
func (a *MultiHeadedAttention) backward(dout []float32) (dquery, dkey, dvalue []float32) {
	c := a.cache
	C := a.NumUnits
	dconcat := a.Out.Backward(dout)
	dq := make([]float32, c.B*c.T*C)
	dk := make([]float32, c.B*c.T*C)
	dv := make([]float32, c.B*c.T*C)
	torch.AttentionBackward(dq, dk, dv, dconcat, c.q, c.k, c.v, c.att, c.dropped, c.drops, c.B, c.T, C, a.NumHeads)
	return a.Query.Backward(dq), a.Key.Backward(dk), a.Value.Backward(dv)
}

// Weights returns the post-softmax, pre-dropout attention weights (B, NumHeads, T, T)
// of the last forward pass.
func (a *MultiHeadedAttention) Weights() nn.Tensor {
	c := a.cache
	return nn.Tensor{
		Data: append([]float32(nil), c.att...),
		Dims: []int{c.B, a.NumHeads, c.T, c.T},
	}
}

func checkMask(mask []bool, B, T int) error {
	if mask == nil || len(mask) == T*T || len(mask) == B*T*T {
		return nil
	}
	return fmt.Errorf("%w: mask of %d values for batch %d and time %d", nn.ErrShape, len(mask), B, T)
}
