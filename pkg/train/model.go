package train

import (
	"fmt"

	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/recurrent"
	"github.com/conneroisu/ptblm/pkg/transformer"
)

// LanguageModel is a model the trainer can fit on (batch, time) windows.
type LanguageModel interface {
	Params() nn.Params
	SetTraining(training bool)
	// Reset forgets any state carried between batches.
	Reset()
	// Loss returns the mean per-token loss of predicting y from x and, when
	// backward is set, accumulates the parameter gradients.
	Loss(x, y nn.Tokens, backward bool) (float32, error)
}

// RecurrentLM carries the hidden state of a recurrent model across batches.
type RecurrentLM struct {
	Model  *recurrent.Model
	hidden nn.Tensor
}

// NewRecurrentLM wraps m with a zero hidden state.
func NewRecurrentLM(m *recurrent.Model) *RecurrentLM {
	return &RecurrentLM{Model: m, hidden: m.InitHidden()}
}

// Params returns the model parameters.
func (r *RecurrentLM) Params() nn.Params { return r.Model.Params() }

// SetTraining switches dropout on or off.
func (r *RecurrentLM) SetTraining(training bool) { r.Model.SetTraining(training) }

// Reset zeroes the carried hidden state.
func (r *RecurrentLM) Reset() { r.hidden = r.Model.InitHidden() }

// Hidden returns the carried hidden state.
func (r *RecurrentLM) Hidden() nn.Tensor { return r.hidden }

// Loss runs the stack over the time major transpose of x.
func (r *RecurrentLM) Loss(x, y nn.Tokens, backward bool) (float32, error) {
	logits, hidden, err := r.Model.Forward(x.Transpose(), r.hidden)
	if err != nil {
		return 0, err
	}
	// the new state is a fresh tensor, so carrying it detaches it from this batch
	r.hidden = hidden
	V := r.Model.Config.VocabSize
	loss, dlogits, err := CrossEntropy(logits.Data, y.Transpose().Data, V)
	if err != nil {
		return 0, err
	}
	if !backward {
		return loss, nil
	}
	grad, err := nn.FromSlice(dlogits, logits.Dims...)
	if err != nil {
		return 0, err
	}
	return loss, r.Model.Backward(grad)
}

// TransformerLM feeds each window to the transformer under a causal mask.
type TransformerLM struct {
	Model *transformer.Model
	// Pad is the token hidden from attention; -1 hides nothing.
	Pad int32
}

// NewTransformerLM wraps m without padding.
func NewTransformerLM(m *transformer.Model) *TransformerLM {
	return &TransformerLM{Model: m, Pad: -1}
}

// Params returns the model parameters.
func (t *TransformerLM) Params() nn.Params { return t.Model.Params() }

// SetTraining switches dropout on or off.
func (t *TransformerLM) SetTraining(training bool) { t.Model.SetTraining(training) }

// Reset is a no-op: windows are independent.
func (t *TransformerLM) Reset() {}

// Loss returns the mean negative log-likelihood of y.
func (t *TransformerLM) Loss(x, y nn.Tokens, backward bool) (float32, error) {
	mask, err := transformer.MakeMask(x, t.Pad)
	if err != nil {
		return 0, err
	}
	logProbs, err := t.Model.Forward(x, mask)
	if err != nil {
		return 0, err
	}
	loss, dlogProbs, err := NLL(logProbs.Data, y.Data, t.Model.Config.VocabSize)
	if err != nil {
		return 0, err
	}
	if !backward {
		return loss, nil
	}
	grad, err := nn.FromSlice(dlogProbs, logProbs.Dims...)
	if err != nil {
		return 0, err
	}
	return loss, t.Model.Backward(grad)
}

// RecurrentConfig maps a run configuration onto a recurrent model.
func RecurrentConfig(cfg config.Config, vocabSize int) recurrent.Config {
	return recurrent.Config{
		EmbSize:         cfg.EmbSize,
		HiddenSize:      cfg.HiddenSize,
		SeqLen:          cfg.SeqLen,
		BatchSize:       cfg.BatchSize,
		VocabSize:       vocabSize,
		NumLayers:       cfg.NumLayers,
		DropoutKeepProb: cfg.DropoutKeepProb,
	}
}

// TransformerConfig maps a run configuration onto a transformer: hidden size is
// the model width and the layer count is the block count.
func TransformerConfig(cfg config.Config, vocabSize int) transformer.Config {
	return transformer.Config{
		VocabSize:       vocabSize,
		NumBlocks:       cfg.NumLayers,
		NumUnits:        cfg.HiddenSize,
		NumHeads:        cfg.NumHeads,
		Dropout:         1 - cfg.DropoutKeepProb,
		FeedForwardSize: cfg.FeedForwardSize,
		MaxLen:          cfg.MaxLen,
	}
}

// NewModel builds the model named by cfg.Model.
func NewModel(cfg config.Config, vocabSize int, dev *nn.Device) (LanguageModel, error) {
	switch cfg.Model {
	case config.ModelRNN, config.ModelGRU:
		m, err := recurrent.New(recurrent.Kind(cfg.Model), RecurrentConfig(cfg, vocabSize), dev)
		if err != nil {
			return nil, err
		}
		return NewRecurrentLM(m), nil
	case config.ModelTransformer:
		tc := TransformerConfig(cfg, vocabSize)
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		return NewTransformerLM(transformer.New(tc, dev)), nil
	}
	return nil, fmt.Errorf("unknown model %q", cfg.Model)
}
