package recurrent

import (
	"fmt"
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// Generate samples n tokens per batch element, starting from the seed tokens
// (B) and the state hidden (L, B, H). Every sampled token is fed back as the
// next input. The result has dims (n, B) and does not include the seed.
// Dropout is never applied; the draws come from rng only.
func (m *Model) Generate(seed []int32, hidden nn.Tensor, n int, rng *rand.Rand) (nn.Tokens, error) {
	hs, B, err := m.splitHidden(hidden)
	if err != nil {
		return nn.Tokens{}, err
	}
	if len(seed) != B {
		return nn.Tokens{}, fmt.Errorf("%w: %d seed tokens for batch %d", nn.ErrShape, len(seed), B)
	}
	if n < 0 {
		return nn.Tokens{}, fmt.Errorf("%w: negative generation length %d", nn.ErrShape, n)
	}
	V := m.Config.VocabSize
	tokens := append([]int32(nil), seed...)
	samples := make([]int32, n*B)
	probs := make([]float32, B*V)
	for s := 0; s < n; s++ {
		x, err := m.Embedding.Lookup(tokens)
		if err != nil {
			return nn.Tokens{}, err
		}
		top, _ := m.stackStep(x, hs, B, false, nil)
		logits := m.Output.Apply(top, B)
		torch.SoftmaxForward(probs, logits, 1, B, V)
		for b := 0; b < B; b++ {
			tok := int32(torch.SampleMult(probs[b*V:(b+1)*V], rng.Float32()))
			samples[s*B+b] = tok
			tokens[b] = tok
		}
	}
	return nn.Tokens{Data: samples, Dims: []int{n, B}}, nil
}
