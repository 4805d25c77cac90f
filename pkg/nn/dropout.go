package nn

import (
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/torch"
)

// Dropout zeroes units with probability P and scales the kept ones by 1/(1-P).
type Dropout struct {
	P float32
}

// Mask samples the multipliers for n units. It returns nil when dropout is
// inactive (P == 0 or not training), which the helpers treat as identity.
func (d Dropout) Mask(n int, training bool, rng *rand.Rand) []float32 {
	if !training || d.P <= 0 {
		return nil
	}
	if d.P >= 1 {
		return make([]float32, n)
	}
	scale := 1 / (1 - d.P)
	mask := make([]float32, n)
	for i := range mask {
		if rng.Float32() >= d.P {
			mask[i] = scale
		}
	}
	return mask
}

// ApplyMask returns x multiplied by mask in a new slice.
func ApplyMask(x, mask []float32) []float32 {
	out := make([]float32, len(x))
	if mask == nil {
		copy(out, x)
		return out
	}
	torch.DropoutForward(out, x, mask, len(x))
	return out
}

// MaskGrad returns the gradient of ApplyMask with respect to x in a new slice.
func MaskGrad(dout, mask []float32) []float32 {
	if mask == nil {
		return append([]float32(nil), dout...)
	}
	dinp := make([]float32, len(dout))
	torch.DropoutBackward(dinp, dout, mask, len(dout))
	return dinp
}
