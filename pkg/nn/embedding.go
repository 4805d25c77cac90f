package nn

import (
	"fmt"
	"math"

	"github.com/conneroisu/ptblm/pkg/torch"
)

// Embedding maps token ids to dense vectors scaled by sqrt(Dim). It has no bias.
type Embedding struct {
	Vocab, Dim int
	// Table is stored (Vocab, Dim).
	Table *Param

	scale  float32
	tokens []int32
}

// NewEmbedding creates a zero valued lookup table, callers pick the initialisation.
func NewEmbedding(name string, vocab, dim int) *Embedding {
	return &Embedding{
		Vocab: vocab,
		Dim:   dim,
		Table: NewParam(name+".weight", vocab, dim),
		scale: float32(math.Sqrt(float64(dim))),
	}
}

// Lookup returns the scaled vectors of tokens without recording anything for Backward.
func (e *Embedding) Lookup(tokens []int32) ([]float32, error) {
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= e.Vocab {
			return nil, fmt.Errorf("%w: token %d at %d outside vocabulary of %d", ErrShape, tok, i, e.Vocab)
		}
	}
	out := make([]float32, len(tokens)*e.Dim)
	torch.EncoderForward(out, tokens, e.Table.Data, e.scale, len(tokens), e.Dim)
	return out, nil
}

// Forward looks the tokens up and records them for Backward.
func (e *Embedding) Forward(tokens []int32) ([]float32, error) {
	out, err := e.Lookup(tokens)
	if err != nil {
		return nil, err
	}
	e.tokens = tokens
	return out, nil
}

// Backward accumulates the table gradient.
func (e *Embedding) Backward(dout []float32) {
	torch.EncoderBackward(e.Table.Grad, dout, e.tokens, e.scale, len(e.tokens), e.Dim)
}
