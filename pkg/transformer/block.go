package transformer

import (
	"fmt"
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// sublayer is a residual connection around a pre-normalized sublayer:
// x + dropout(f(norm(x))).
type sublayer struct {
	Norm    *nn.LayerNorm
	Dropout nn.Dropout

	mask []float32
}

func newSublayer(name string, size int, dropout float32) *sublayer {
	return &sublayer{
		Norm:    nn.NewLayerNorm(name+".norm", size),
		Dropout: nn.Dropout{P: dropout},
	}
}

func (s *sublayer) forward(x []float32, rows int, f func([]float32) []float32, training bool, rng *rand.Rand) []float32 {
	y := f(s.Norm.Forward(x, rows))
	s.mask = s.Dropout.Mask(len(y), training, rng)
	out := make([]float32, len(x))
	torch.ResidualForward(out, x, nn.ApplyMask(y, s.mask), len(x))
	return out
}

// backward takes the sublayer's own backward and returns the gradient of x.
func (s *sublayer) backward(dout []float32, fb func([]float32) []float32) []float32 {
	dx := make([]float32, len(dout))
	dy := make([]float32, len(dout))
	torch.ResidualBackward(dx, dy, dout, len(dout))
	dnorm := s.Norm.Backward(fb(nn.MaskGrad(dy, s.mask)))
	torch.ResidualForward(dx, dx, dnorm, len(dx))
	return dx
}

// Block is one transformer block: self-attention then the position-wise MLP,
// each inside a pre-norm residual sublayer.
type Block struct {
	Size        int
	SelfAttn    *MultiHeadedAttention
	FeedForward *MLP

	sublayers [2]*sublayer
}

// NewBlock creates a block with its own parameters.
func NewBlock(name string, cfg Config, dev *nn.Device) *Block {
	return &Block{
		Size:        cfg.NumUnits,
		SelfAttn:    NewMultiHeadedAttention(cfg.NumHeads, cfg.NumUnits, cfg.Dropout, dev),
		FeedForward: NewMLP(cfg.NumUnits, cfg.FeedForwardSize, cfg.Dropout, dev),
		sublayers: [2]*sublayer{
			newSublayer(name+".sublayer.0", cfg.NumUnits, cfg.Dropout),
			newSublayer(name+".sublayer.1", cfg.NumUnits, cfg.Dropout),
		},
	}
}

// Params returns the parameters of the block.
func (b *Block) Params() nn.Params {
	ps := b.SelfAttn.Params()
	ps = append(ps, b.FeedForward.Params()...)
	for _, s := range b.sublayers {
		ps = append(ps, s.Norm.Params()...)
	}
	return ps
}

func (b *Block) forward(x []float32, mask []bool, B, T int, training bool, rng *rand.Rand) []float32 {
	rows := B * T
	x = b.sublayers[0].forward(x, rows, func(n []float32) []float32 {
		return b.SelfAttn.forward(n, n, n, mask, B, T, training, rng)
	}, training, rng)
	return b.sublayers[1].forward(x, rows, func(n []float32) []float32 {
		return b.FeedForward.forward(n, rows, training, rng)
	}, training, rng)
}

func (b *Block) backward(dout []float32) []float32 {
	dx := b.sublayers[1].backward(dout, b.FeedForward.backward)
	return b.sublayers[0].backward(dx, func(d []float32) []float32 {
		dq, dk, dv := b.SelfAttn.backward(d)
		for i := range dq {
			dq[i] += dk[i] + dv[i]
		}
		return dq
	})
}

// Stack is N blocks in sequence followed by a final layer norm.
type Stack struct {
	Blocks []*Block
	Norm   *nn.LayerNorm
}

// NewStack creates cfg.NumBlocks independently parametrised blocks.
func NewStack(cfg Config, dev *nn.Device) *Stack {
	s := &Stack{
		Blocks: make([]*Block, cfg.NumBlocks),
		Norm:   nn.NewLayerNorm("transformer_stack.norm", cfg.NumUnits),
	}
	for i := range s.Blocks {
		s.Blocks[i] = NewBlock(fmt.Sprintf("transformer_stack.layers.%d", i), cfg, dev)
	}
	return s
}

// Params returns the parameters of every block and the final norm.
func (s *Stack) Params() nn.Params {
	var ps nn.Params
	for _, b := range s.Blocks {
		ps = append(ps, b.Params()...)
	}
	return append(ps, s.Norm.Params()...)
}

func (s *Stack) forward(x []float32, mask []bool, B, T int, training bool, rng *rand.Rand) []float32 {
	for _, b := range s.Blocks {
		x = b.forward(x, mask, B, T, training, rng)
	}
	return s.Norm.Forward(x, B*T)
}

func (s *Stack) backward(dout []float32) []float32 {
	dx := s.Norm.Backward(dout)
	for i := len(s.Blocks) - 1; i >= 0; i-- {
		dx = s.Blocks[i].backward(dx)
	}
	return dx
}
