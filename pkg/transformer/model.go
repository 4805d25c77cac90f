package transformer

import (
	"errors"
	"fmt"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// Model is the full transformer language model: embedding and positional
// encoding, the block stack, an output projection and log-softmax.
type Model struct {
	Config Config
	// Training enables dropout.
	Training bool

	Embedding *nn.Embedding
	Position  *nn.PositionalEncoding
	Stack     *Stack
	Output    *nn.Linear

	dev      *nn.Device
	B, T     int
	logProbs []float32
}

// New creates the model. It panics on an invalid config.
//
// Attention projections keep their uniform [-k, k] init; every other matrix
// (embedding, MLP, output) gets Glorot uniform, linear biases keep the
// default fan-in uniform and layer norms start at (1, 0).
func New(cfg Config, dev *nn.Device) *Model {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	m := &Model{
		Config:    cfg,
		Training:  true,
		Embedding: nn.NewEmbedding("embedding.0.lut", cfg.VocabSize, cfg.NumUnits),
		Position:  nn.NewPositionalEncoding(cfg.NumUnits, cfg.MaxLen, cfg.Dropout),
		Stack:     NewStack(cfg, dev),
		Output:    nn.NewLinear("output_layer", cfg.NumUnits, cfg.VocabSize, true, dev),
		dev:       dev,
	}
	dev.XavierUniform(m.Embedding.Table, cfg.NumUnits, cfg.VocabSize)
	dev.XavierUniform(m.Output.W, cfg.NumUnits, cfg.VocabSize)
	for _, b := range m.Stack.Blocks {
		dev.XavierUniform(b.FeedForward.W1.W, cfg.NumUnits, cfg.FeedForwardSize)
		dev.XavierUniform(b.FeedForward.W2.W, cfg.FeedForwardSize, cfg.NumUnits)
	}
	return m
}

// SetTraining switches dropout on or off.
func (m *Model) SetTraining(training bool) {
	m.Training = training
}

// Params returns every parameter of the model in a stable order.
func (m *Model) Params() nn.Params {
	ps := nn.Params{m.Embedding.Table}
	ps = append(ps, m.Stack.Params()...)
	return append(ps, m.Output.Params()...)
}

// Forward maps inputs (B, T) under mask (B, T, T) or (1, T, T) to
// log-probabilities (B, T, V).
func (m *Model) Forward(inputs nn.Tokens, mask []bool) (nn.Tensor, error) {
	if len(inputs.Dims) != 2 || inputs.Dims[0] <= 0 || inputs.Dims[1] <= 0 || len(inputs.Data) != inputs.Dims[0]*inputs.Dims[1] {
		return nn.Tensor{}, fmt.Errorf("%w: inputs %v, want (batch, time)", nn.ErrShape, inputs.Dims)
	}
	B, T, V := inputs.Dims[0], inputs.Dims[1], m.Config.VocabSize
	if err := checkMask(mask, B, T); err != nil {
		return nn.Tensor{}, err
	}
	rng := m.dev.Rand()
	emb, err := m.Embedding.Forward(inputs.Data)
	if err != nil {
		return nn.Tensor{}, err
	}
	x, err := m.Position.Forward(emb, B, T, m.Training, rng)
	if err != nil {
		return nn.Tensor{}, err
	}
	hidden := m.Stack.forward(x, mask, B, T, m.Training, rng)
	logits := m.Output.Forward(hidden, B*T)
	logProbs := make([]float32, len(logits))
	torch.LogSoftmaxForward(logProbs, logits, B, T, V)
	m.B, m.T, m.logProbs = B, T, logProbs
	return nn.Tensor{Data: logProbs, Dims: []int{B, T, V}}, nil
}

// Backward backpropagates dlogProbs (B, T, V) of the last Forward and
// accumulates every parameter gradient.
func (m *Model) Backward(dlogProbs nn.Tensor) error {
	if m.logProbs == nil {
		return errors.New("transformer: backward called before forward")
	}
	B, T, V := m.B, m.T, m.Config.VocabSize
	if len(dlogProbs.Data) != B*T*V {
		return fmt.Errorf("%w: log-prob gradient holds %d values, want %d", nn.ErrShape, len(dlogProbs.Data), B*T*V)
	}
	dlogits := make([]float32, B*T*V)
	torch.LogSoftmaxBackward(dlogits, dlogProbs.Data, m.logProbs, B, T, V)
	dx := m.Stack.backward(m.Output.Backward(dlogits))
	m.Embedding.Backward(m.Position.Backward(dx))
	m.logProbs = nil
	return nil
}

