// Package recurrent implements stacked vanilla RNN and GRU language models
// with explicit backpropagation through time.
package recurrent

import (
	"errors"
	"fmt"
)

// ErrConfig is returned for an invalid model configuration.
var ErrConfig = errors.New("invalid recurrent config")

// Config is the configuration of a stacked recurrent language model.
type Config struct {
	// EmbSize is the number of units in the input embeddings.
	EmbSize int
	// HiddenSize is the number of hidden units per layer.
	HiddenSize int
	// SeqLen is the length of the training sequences.
	SeqLen int
	// BatchSize is the number of sequences per batch.
	BatchSize int
	// VocabSize is the number of tokens in the vocabulary.
	VocabSize int
	// NumLayers is the depth of the stack.
	NumLayers int
	// DropoutKeepProb is the probability of keeping a unit on non-recurrent connections.
	DropoutKeepProb float32
}

// Validate checks the configuration.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"emb size", c.EmbSize},
		{"hidden size", c.HiddenSize},
		{"seq len", c.SeqLen},
		{"batch size", c.BatchSize},
		{"vocab size", c.VocabSize},
		{"num layers", c.NumLayers},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, check.name, check.value)
		}
	}
	if c.DropoutKeepProb <= 0 || c.DropoutKeepProb > 1 {
		return fmt.Errorf("%w: dropout keep probability must be in (0, 1], got %g", ErrConfig, c.DropoutKeepProb)
	}
	return nil
}
