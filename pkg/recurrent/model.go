package recurrent

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/conneroisu/ptblm/pkg/nn"
)

// Kind names the recurrent cell a model stacks.
type Kind string

const (
	// KindRNN stacks vanilla tanh cells.
	KindRNN Kind = "RNN"
	// KindGRU stacks gated recurrent units.
	KindGRU Kind = "GRU"
)

// Model is a stacked recurrent language model.
//
// Dropout (1 - DropoutKeepProb) is applied on the non-recurrent connections
// only: after the embedding, between stacked layers and before the output
// projection. The output projection reads the top layer's just-updated state.
type Model struct {
	Config Config
	Kind   Kind
	// Training enables dropout.
	Training bool

	Embedding *nn.Embedding
	// Cells holds one independently parametrised cell per layer, bottom first.
	Cells  []Cell
	Output *nn.Linear

	dropout nn.Dropout
	dev     *nn.Device
	trace   *trace
}

// trace records a forward pass for Backward.
type trace struct {
	T, B    int
	embMask []float32
	steps   [][]layerStep
}

type layerStep struct {
	cache *stepCache
	mask  []float32
}

// NewRNN creates a stacked vanilla RNN. It panics on an invalid config.
func NewRNN(cfg Config, dev *nn.Device) *Model {
	return newModel(KindRNN, cfg, dev)
}

// NewGRU creates a stacked GRU. It panics on an invalid config.
func NewGRU(cfg Config, dev *nn.Device) *Model {
	return newModel(KindGRU, cfg, dev)
}

// New creates a model of the given kind.
func New(kind Kind, cfg Config, dev *nn.Device) (*Model, error) {
	if kind != KindRNN && kind != KindGRU {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrConfig, kind)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newModel(kind, cfg, dev), nil
}

func newModel(kind Kind, cfg Config, dev *nn.Device) *Model {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	m := &Model{
		Config:    cfg,
		Kind:      kind,
		Training:  true,
		Embedding: nn.NewEmbedding("embedding", cfg.VocabSize, cfg.EmbSize),
		Cells:     make([]Cell, cfg.NumLayers),
		Output:    nn.NewLinear("output", cfg.HiddenSize, cfg.VocabSize, true, dev),
		dropout:   nn.Dropout{P: 1 - cfg.DropoutKeepProb},
		dev:       dev,
	}
	for l := range m.Cells {
		in := cfg.HiddenSize
		if l == 0 {
			in = cfg.EmbSize
		}
		name := fmt.Sprintf("layers.%d", l)
		switch kind {
		case KindGRU:
			m.Cells[l] = NewGRUCell(name, in, cfg.HiddenSize, dev)
		default:
			m.Cells[l] = NewRNNCell(name, in, cfg.HiddenSize, dev)
		}
	}
	// embedding and output weights in [-0.1, 0.1], output bias zero
	dev.Uniform(m.Embedding.Table.Data, 0.1)
	dev.Uniform(m.Output.W.Data, 0.1)
	for i := range m.Output.B.Data {
		m.Output.B.Data[i] = 0
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
	for _, c := range m.Cells {
		ps = append(ps, c.Params()...)
	}
	return append(ps, m.Output.Params()...)
}

// InitHidden returns a zero hidden state (NumLayers, BatchSize, HiddenSize),
// used for the first batch of every epoch.
func (m *Model) InitHidden() nn.Tensor {
	return nn.NewTensor(m.Config.NumLayers, m.Config.BatchSize, m.Config.HiddenSize)
}

// splitHidden validates hidden and copies it into one fresh slice per layer.
func (m *Model) splitHidden(hidden nn.Tensor) ([][]float32, int, error) {
	L, H := m.Config.NumLayers, m.Config.HiddenSize
	if len(hidden.Dims) != 3 || hidden.Dims[0] != L || hidden.Dims[2] != H || hidden.Dims[1] <= 0 {
		return nil, 0, fmt.Errorf("%w: hidden state %v, want (%d, batch, %d)", nn.ErrShape, hidden.Dims, L, H)
	}
	B := hidden.Dims[1]
	if len(hidden.Data) != L*B*H {
		return nil, 0, fmt.Errorf("%w: hidden state holds %d values for dims %v", nn.ErrShape, len(hidden.Data), hidden.Dims)
	}
	hs := make([][]float32, L)
	for l := range hs {
		hs[l] = append([]float32(nil), hidden.Data[l*B*H:(l+1)*B*H]...)
	}
	return hs, B, nil
}

// joinHidden packs per-layer states into a new (L, B, H) tensor.
func (m *Model) joinHidden(hs [][]float32, B int) nn.Tensor {
	out := nn.NewTensor(m.Config.NumLayers, B, m.Config.HiddenSize)
	for l, h := range hs {
		copy(out.Data[l*len(h):], h)
	}
	return out
}

// stackStep advances every layer by one timestep. hs is updated with fresh
// slices, so earlier states referenced by caches stay intact. It returns the
// dropout-regularized top layer output and the per-layer records.
func (m *Model) stackStep(x []float32, hs [][]float32, B int, training bool, rng *rand.Rand) ([]float32, []layerStep) {
	steps := make([]layerStep, len(m.Cells))
	for l, cell := range m.Cells {
		hNew, cache := cell.forward(x, hs[l], B)
		hs[l] = hNew
		mask := m.dropout.Mask(len(hNew), training, rng)
		x = nn.ApplyMask(hNew, mask)
		steps[l] = layerStep{cache: cache, mask: mask}
	}
	return x, steps
}

// Forward runs the stack over inputs (T, B) from the initial state hidden (L, B, H).
//
// It returns raw logits (T, B, V) and the final hidden state (L, B, H) as a
// new tensor; hidden is never written.
func (m *Model) Forward(inputs nn.Tokens, hidden nn.Tensor) (nn.Tensor, nn.Tensor, error) {
	hs, B, err := m.splitHidden(hidden)
	if err != nil {
		return nn.Tensor{}, nn.Tensor{}, err
	}
	if len(inputs.Dims) != 2 || inputs.Dims[1] != B || inputs.Dims[0] <= 0 || len(inputs.Data) != inputs.Dims[0]*B {
		return nn.Tensor{}, nn.Tensor{}, fmt.Errorf("%w: inputs %v, want (time, %d)", nn.ErrShape, inputs.Dims, B)
	}
	T, E, H := inputs.Dims[0], m.Config.EmbSize, m.Config.HiddenSize
	rng := m.dev.Rand()

	emb, err := m.Embedding.Forward(inputs.Data)
	if err != nil {
		return nn.Tensor{}, nn.Tensor{}, err
	}
	tr := &trace{T: T, B: B, steps: make([][]layerStep, T)}
	tr.embMask = m.dropout.Mask(len(emb), m.Training, rng)
	x0 := nn.ApplyMask(emb, tr.embMask)

	top := make([]float32, T*B*H)
	for t := 0; t < T; t++ {
		out, steps := m.stackStep(x0[t*B*E:(t+1)*B*E], hs, B, m.Training, rng)
		tr.steps[t] = steps
		copy(top[t*B*H:], out)
	}
	logits := m.Output.Forward(top, T*B)
	m.trace = tr
	return nn.Tensor{Data: logits, Dims: []int{T, B, m.Config.VocabSize}}, m.joinHidden(hs, B), nil
}

// Backward backpropagates dlogits (T, B, V) of the last Forward through time and
// accumulates every parameter gradient. The gradient with respect to the
// initial hidden state is dropped: the carried state is a leaf.
func (m *Model) Backward(dlogits nn.Tensor) error {
	tr := m.trace
	if tr == nil {
		return errors.New("recurrent: backward called before forward")
	}
	T, B, E, H := tr.T, tr.B, m.Config.EmbSize, m.Config.HiddenSize
	if len(dlogits.Data) != T*B*m.Config.VocabSize {
		return fmt.Errorf("%w: logits gradient holds %d values, want %d", nn.ErrShape, len(dlogits.Data), T*B*m.Config.VocabSize)
	}
	dtop := m.Output.Backward(dlogits.Data)
	// gradient flowing into each layer's state from the next timestep
	dh := make([][]float32, len(m.Cells))
	for l := range dh {
		dh[l] = make([]float32, B*H)
	}
	demb := make([]float32, T*B*E)
	for t := T - 1; t >= 0; t-- {
		dx := dtop[t*B*H : (t+1)*B*H]
		for l := len(m.Cells) - 1; l >= 0; l-- {
			st := tr.steps[t][l]
			dhNew := nn.MaskGrad(dx, st.mask)
			for i, g := range dh[l] {
				dhNew[i] += g
			}
			dx, dh[l] = m.Cells[l].backward(dhNew, st.cache)
		}
		copy(demb[t*B*E:], dx)
	}
	m.Embedding.Backward(nn.MaskGrad(demb, tr.embMask))
	m.trace = nil
	return nil
}
