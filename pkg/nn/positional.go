package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/torch"
)

// PositionalEncoding adds a fixed sinusoidal signal to embeddings, then applies dropout.
//
//	PE[p, 2i]   = sin(p / 10000^(2i/Dim))
//	PE[p, 2i+1] = cos(p / 10000^(2i/Dim))
type PositionalEncoding struct {
	Dim, MaxLen int
	// Table is (MaxLen, Dim) and never learned.
	Table   []float32
	Dropout Dropout

	mask []float32
}

// NewPositionalEncoding precomputes the table up to maxLen positions.
func NewPositionalEncoding(dim, maxLen int, dropout float32) *PositionalEncoding {
	table := make([]float32, maxLen*dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) * math.Exp(float64(i)*-(math.Log(10000.0)/float64(dim)))
			table[pos*dim+i] = float32(math.Sin(angle))
			if i+1 < dim {
				table[pos*dim+i+1] = float32(math.Cos(angle))
			}
		}
	}
	return &PositionalEncoding{
		Dim:     dim,
		MaxLen:  maxLen,
		Table:   table,
		Dropout: Dropout{P: dropout},
	}
}

// Forward adds the encoding to x of dims (B,T,Dim) and applies dropout.
func (pe *PositionalEncoding) Forward(x []float32, B, T int, training bool, rng *rand.Rand) ([]float32, error) {
	if T > pe.MaxLen {
		return nil, fmt.Errorf("%w: sequence of %d exceeds positional table of %d", ErrShape, T, pe.MaxLen)
	}
	sum := make([]float32, B*T*pe.Dim)
	torch.PositionalForward(sum, x, pe.Table, B, T, pe.Dim)
	pe.mask = pe.Dropout.Mask(len(sum), training, rng)
	return ApplyMask(sum, pe.mask), nil
}

// Backward returns the gradient with respect to the embeddings.
func (pe *PositionalEncoding) Backward(dout []float32) []float32 {
	return MaskGrad(dout, pe.mask)
}
