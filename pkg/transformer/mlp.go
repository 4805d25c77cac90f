package transformer

import (
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// MLP is the position-wise feed-forward network: W2(dropout(relu(W1 x))).
// The same weights apply at every position.
type MLP struct {
	W1, W2  *nn.Linear
	Dropout nn.Dropout

	hidden, mask []float32
}

// NewMLP creates the network with one inner layer of width inner.
func NewMLP(units, inner int, dropout float32, dev *nn.Device) *MLP {
	return &MLP{
		W1:      nn.NewLinear("w_1", units, inner, true, dev),
		W2:      nn.NewLinear("w_2", inner, units, true, dev),
		Dropout: nn.Dropout{P: dropout},
	}
}

// Params returns the parameters of both linear maps.
func (m *MLP) Params() nn.Params {
	return append(m.W1.Params(), m.W2.Params()...)
}

func (m *MLP) forward(x []float32, rows int, training bool, rng *rand.Rand) []float32 {
	m.hidden = m.W1.Forward(x, rows)
	act := make([]float32, len(m.hidden))
	torch.ReluForward(act, m.hidden, len(act))
	m.mask = m.Dropout.Mask(len(act), training, rng)
	return m.W2.Forward(nn.ApplyMask(act, m.mask), rows)
}

func (m *MLP) backward(dout []float32) []float32 {
	dact := nn.MaskGrad(m.W2.Backward(dout), m.mask)
	dhidden := make([]float32, len(dact))
	torch.ReluBackward(dhidden, m.hidden, dact, len(dact))
	return m.W1.Backward(dhidden)
}
