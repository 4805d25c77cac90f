package transformer

import (
	"fmt"

	"github.com/conneroisu/ptblm/pkg/nn"
)

// SubsequentMask returns a (1, size, size) mask where position i may attend to positions j <= i.
func SubsequentMask(size int) []bool {
	mask := make([]bool, size*size)
	for i := 0; i < size; i++ {
		for j := 0; j <= i; j++ {
			mask[i*size+j] = true
		}
	}
	return mask
}

// MakeMask hides future positions and padding keys for a (B, T) batch,
// returning a (B, T, T) mask.
func MakeMask(data nn.Tokens, pad int32) ([]bool, error) {
	if len(data.Dims) != 2 || len(data.Data) != data.Dims[0]*data.Dims[1] {
		return nil, fmt.Errorf("%w: batch %v, want (batch, time)", nn.ErrShape, data.Dims)
	}
	B, T := data.Dims[0], data.Dims[1]
	causal := SubsequentMask(T)
	mask := make([]bool, B*T*T)
	for b := 0; b < B; b++ {
		row := data.Data[b*T : (b+1)*T]
		for i := 0; i < T; i++ {
			for j := 0; j < T; j++ {
				mask[b*T*T+i*T+j] = causal[i*T+j] && row[j] != pad
			}
		}
	}
	return mask, nil
}
