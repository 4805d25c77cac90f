// Package transformer implements a pre-norm multi-head attention language model.
package transformer

import (
	"errors"
	"fmt"
)

// ErrConfig is returned for an invalid model configuration.
var ErrConfig = errors.New("invalid transformer config")

// Config is the configuration of the transformer language model.
type Config struct {
	// VocabSize is the number of tokens in the vocabulary.
	VocabSize int
	// NumBlocks is the number of stacked transformer blocks.
	NumBlocks int
	// NumUnits is the model width.
	NumUnits int
	// NumHeads is the number of attention heads, it must divide NumUnits.
	NumHeads int
	// Dropout is the probability of dropping a unit.
	Dropout float32
	// FeedForwardSize is the inner width of the position-wise MLP.
	FeedForwardSize int
	// MaxLen is the longest sequence the positional table covers.
	MaxLen int
}

// DefaultConfig returns the reference hyperparameters for a vocabulary size.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize:       vocabSize,
		NumBlocks:       6,
		NumUnits:        512,
		NumHeads:        16,
		Dropout:         0.1,
		FeedForwardSize: 2048,
		MaxLen:          5000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab size must be positive, got %d", ErrConfig, c.VocabSize)
	case c.NumBlocks <= 0:
		return fmt.Errorf("%w: block count must be positive, got %d", ErrConfig, c.NumBlocks)
	case c.NumUnits <= 0 || c.NumHeads <= 0:
		return fmt.Errorf("%w: width %d and heads %d must be positive", ErrConfig, c.NumUnits, c.NumHeads)
	case c.NumUnits%c.NumHeads != 0:
		return fmt.Errorf("%w: width %d is not divisible by %d heads", ErrConfig, c.NumUnits, c.NumHeads)
	case c.FeedForwardSize <= 0 || c.MaxLen <= 0:
		return fmt.Errorf("%w: feed-forward size %d and max len %d must be positive", ErrConfig, c.FeedForwardSize, c.MaxLen)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrConfig, c.Dropout)
	}
	return nil
}
