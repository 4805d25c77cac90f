package data

import (
	"errors"
	"fmt"

	"github.com/conneroisu/ptblm/pkg/nn"
)

// ErrTooShort is returned when a stream cannot fill a single batch.
var ErrTooShort = errors.New("token stream too short for batch size and sequence length")

// Loader yields (inputs, targets) batches.
type Loader interface {
	Next() (x, y nn.Tokens, ok bool)
	Reset()
}

// Iterator cuts a token stream into BatchSize contiguous rows and walks them
// NumSteps tokens at a time. Targets are the inputs shifted by one token.
type Iterator struct {
	BatchSize int
	NumSteps  int

	data      []int32 // (BatchSize, batchLen)
	batchLen  int
	epochSize int
	curPos    int
}

// NewIterator returns an iterator over raw.
func NewIterator(raw []int32, batchSize, numSteps int) (*Iterator, error) {
	if batchSize <= 0 || numSteps <= 0 {
		return nil, fmt.Errorf("batch size %d and sequence length %d must be positive", batchSize, numSteps)
	}
	batchLen := len(raw) / batchSize
	epochSize := (batchLen - 1) / numSteps
	if epochSize <= 0 {
		return nil, fmt.Errorf("%w: %d tokens, batch %d, steps %d", ErrTooShort, len(raw), batchSize, numSteps)
	}
	return &Iterator{
		BatchSize: batchSize,
		NumSteps:  numSteps,
		data:      raw[:batchSize*batchLen],
		batchLen:  batchLen,
		epochSize: epochSize,
	}, nil
}

// EpochSize returns the number of batches per epoch.
func (it *Iterator) EpochSize() int {
	return it.epochSize
}

// Reset rewinds to the first batch.
func (it *Iterator) Reset() {
	it.curPos = 0
}

// Next returns the next (BatchSize, NumSteps) input and target batches.
func (it *Iterator) Next() (nn.Tokens, nn.Tokens, bool) {
	if it.curPos >= it.epochSize {
		return nn.Tokens{}, nn.Tokens{}, false
	}
	B, T := it.BatchSize, it.NumSteps
	x := make([]int32, B*T)
	y := make([]int32, B*T)
	start := it.curPos * T
	for b := 0; b < B; b++ {
		row := it.data[b*it.batchLen : (b+1)*it.batchLen]
		copy(x[b*T:(b+1)*T], row[start:start+T])
		copy(y[b*T:(b+1)*T], row[start+1:start+T+1])
	}
	it.curPos++
	return nn.Tokens{Data: x, Dims: []int{B, T}}, nn.Tokens{Data: y, Dims: []int{B, T}}, true
}
