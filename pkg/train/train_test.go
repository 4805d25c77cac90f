package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/data"
	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/recurrent"
	"github.com/conneroisu/ptblm/pkg/transformer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossEntropyUniform(t *testing.T) {
	const V = 4
	logits := make([]float32, 2*V)
	loss, dlogits, err := CrossEntropy(logits, []int32{1, 3}, V)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(V), loss, 1e-6)
	want := []float32{0.125, -0.375, 0.125, 0.125, 0.125, 0.125, 0.125, -0.375}
	for i := range want {
		assert.InDelta(t, want[i], dlogits[i], 1e-6)
	}
}

func TestNLL(t *testing.T) {
	logProbs := []float32{
		-1, -2, -3,
		-0.5, -4, -5,
	}
	loss, grad, err := NLL(logProbs, []int32{2, 0}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, loss, 1e-6)
	assert.Equal(t, []float32{0, 0, -0.5, -0.5, 0, 0}, grad)
}

func TestLossRejectsBadTargets(t *testing.T) {
	_, _, err := CrossEntropy(make([]float32, 6), []int32{0, 3}, 3)
	require.ErrorIs(t, err, nn.ErrShape)
	_, _, err = NLL(make([]float32, 6), []int32{0}, 3)
	require.ErrorIs(t, err, nn.ErrShape)
}

func TestPerplexity(t *testing.T) {
	assert.InDelta(t, 10, Perplexity(math.Log(10)), 1e-9)
	assert.Equal(t, 1.0, Perplexity(0))
}

func param(name string, data, grad []float32) *nn.Param {
	p := nn.NewParam(name, len(data))
	copy(p.Data, data)
	copy(p.Grad, grad)
	return p
}

func TestClipGradNorm(t *testing.T) {
	ps := nn.Params{param("a", []float32{0}, []float32{3}), param("b", []float32{0}, []float32{4})}
	norm := ClipGradNorm(ps, 1)
	assert.InDelta(t, 5, norm, 1e-9)
	assert.InDelta(t, 0.6, ps[0].Grad[0], 1e-5)
	assert.InDelta(t, 0.8, ps[1].Grad[0], 1e-5)

	assert.InDelta(t, 1, ClipGradNorm(ps, 10), 1e-5)
	assert.InDelta(t, 0.6, ps[0].Grad[0], 1e-5)
}

func TestSGDStep(t *testing.T) {
	p := param("w", []float32{1, 2}, []float32{0.5, -1})
	opt := &SGD{LearningRate: 2}
	opt.Step(nn.Params{p})
	assert.Equal(t, []float32{0, 4}, p.Data)
}

func TestAdamWStep(t *testing.T) {
	p := param("w", []float32{1, 1}, []float32{0.5, -2})
	opt := NewAdamW(0.1, 0)
	opt.Step(nn.Params{p})
	// the first bias corrected step moves by lr * sign(g)
	assert.InDelta(t, 0.9, p.Data[0], 1e-5)
	assert.InDelta(t, 1.1, p.Data[1], 1e-5)

	decayed := param("w", []float32{1}, []float32{0})
	NewAdamW(0.1, 0.5).Step(nn.Params{decayed})
	assert.InDelta(t, 0.95, decayed.Data[0], 1e-6)
}

func TestNewOptimizer(t *testing.T) {
	opt, decay, err := NewOptimizer(config.OptimizerSGDSchedule, 20, 0)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, opt)
	require.NotNil(t, decay)

	for epoch := 0; epoch <= 14; epoch++ {
		decay.Apply(opt, epoch)
	}
	assert.Equal(t, float32(20), opt.LR())
	decay.Apply(opt, 15)
	assert.InDelta(t, 20/1.15, opt.LR(), 1e-4)

	opt, decay, err = NewOptimizer(config.OptimizerAdam, 1e-3, 0)
	require.NoError(t, err)
	assert.IsType(t, &AdamW{}, opt)
	assert.Nil(t, decay)
	decay.Apply(opt, 30)
	assert.Equal(t, float32(1e-3), opt.LR())

	_, _, err = NewOptimizer("RMSPROP", 1, 0)
	assert.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.bin")
	saved := nn.Params{
		param("a", []float32{1, 2, 3}, nil),
		param("b", []float32{-4.5}, nil),
	}
	meta := Meta{
		RunID:     NewRunID(),
		Config:    config.Default(),
		VocabSize: 10,
		Epoch:     3,
		ValidPPL:  123.5,
		SavedAt:   time.Date(2024, 4, 16, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, SaveCheckpoint(path, saved, meta))

	loaded := nn.Params{nn.NewParam("a", 3), nn.NewParam("b", 1)}
	require.NoError(t, LoadCheckpoint(path, loaded))
	assert.Equal(t, saved[0].Data, loaded[0].Data)
	assert.Equal(t, saved[1].Data, loaded[1].Data)

	gotMeta, err := LoadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, meta.RunID, gotMeta.RunID)
	assert.Equal(t, meta.Config, gotMeta.Config)
	assert.Equal(t, 3, gotMeta.Epoch)
	assert.InDelta(t, 123.5, gotMeta.ValidPPL, 1e-9)
	assert.True(t, meta.SavedAt.Equal(gotMeta.SavedAt))

	err = LoadCheckpoint(path, nn.Params{nn.NewParam("a", 2), nn.NewParam("b", 2)})
	require.ErrorIs(t, err, nn.ErrShape)

	bad := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(bad, make([]byte, 4*headerLen), 0o644))
	assert.Error(t, LoadCheckpoint(bad, loaded))
}

func TestCheckpointManyParams(t *testing.T) {
	const n = 300
	path := filepath.Join(t.TempDir(), "params.bin")
	saved := make(nn.Params, n)
	loaded := make(nn.Params, n)
	for i := range saved {
		name := fmt.Sprintf("layer%d", i)
		vals := make([]float32, i%3+1)
		for j := range vals {
			vals[j] = float32(i) + float32(j)/10
		}
		saved[i] = param(name, vals, nil)
		loaded[i] = nn.NewParam(name, len(vals))
	}
	require.NoError(t, SaveCheckpoint(path, saved, Meta{RunID: NewRunID(), Config: config.Default()}))
	require.NoError(t, LoadCheckpoint(path, loaded))
	for i := range saved {
		assert.Equal(t, saved[i].Data, loaded[i].Data, saved[i].Name)
	}

	// lengths are checked per parameter, not only in total
	swapped := append(nn.Params(nil), loaded...)
	swapped[0], swapped[1] = nn.NewParam("a", 2), nn.NewParam("b", 1)
	require.ErrorIs(t, LoadCheckpoint(path, swapped), nn.ErrShape)
}

// cycle returns a stream repeating 0..vocab-1.
func cycle(n, vocab int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i % vocab)
	}
	return out
}

func TestRecurrentLMCarriesHidden(t *testing.T) {
	cfg := recurrent.Config{EmbSize: 4, HiddenSize: 5, SeqLen: 3, BatchSize: 2, VocabSize: 4, NumLayers: 2, DropoutKeepProb: 1}
	lm := NewRecurrentLM(recurrent.NewRNN(cfg, nn.NewDevice(1)))
	it, err := data.NewIterator(cycle(40, 4), 2, 3)
	require.NoError(t, err)

	x, y, ok := it.Next()
	require.True(t, ok)
	loss, err := lm.Loss(x, y, false)
	require.NoError(t, err)
	assert.Greater(t, loss, float32(0))
	assert.NotEqual(t, make([]float32, 2*2*5), lm.Hidden().Data)

	lm.Reset()
	assert.Equal(t, make([]float32, 2*2*5), lm.Hidden().Data)
}

func TestFitReducesPerplexity(t *testing.T) {
	cfg := recurrent.Config{EmbSize: 8, HiddenSize: 16, SeqLen: 5, BatchSize: 4, VocabSize: 4, NumLayers: 1, DropoutKeepProb: 1}
	lm := NewRecurrentLM(recurrent.NewGRU(cfg, nn.NewDevice(2)))
	trainIt, err := data.NewIterator(cycle(400, 4), 4, 5)
	require.NoError(t, err)
	validIt, err := data.NewIterator(cycle(100, 4), 4, 5)
	require.NoError(t, err)

	var saves int
	trainer := &Trainer{Model: lm, Optimizer: NewAdamW(0.01, 0), Clip: 0.25}
	stats, err := trainer.Fit(trainIt, validIt, 4, func(s EpochStats, best bool) error {
		if best {
			saves++
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stats, 4)
	assert.GreaterOrEqual(t, saves, 1)
	assert.Less(t, stats[3].TrainPPL, stats[0].TrainPPL)
	assert.Less(t, stats[3].ValidPPL, 4.0)
}

func TestTransformerLMEpoch(t *testing.T) {
	cfg := transformer.Config{VocabSize: 4, NumBlocks: 1, NumUnits: 8, NumHeads: 2, Dropout: 0.1, FeedForwardSize: 16, MaxLen: 10}
	lm := NewTransformerLM(transformer.New(cfg, nn.NewDevice(3)))
	it, err := data.NewIterator(cycle(100, 4), 2, 5)
	require.NoError(t, err)

	trainer := &Trainer{Model: lm, Optimizer: NewAdamW(1e-3, 0), Clip: 1}
	ppl, err := trainer.RunEpoch(it, true)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(ppl))
	assert.GreaterOrEqual(t, ppl, 1.0)

	ppl, err = trainer.RunEpoch(it, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ppl, 1.0)
}

func TestNewModel(t *testing.T) {
	cfg := config.Default()
	cfg.EmbSize, cfg.HiddenSize, cfg.NumLayers = 4, 8, 1
	for _, name := range []string{config.ModelRNN, config.ModelGRU, config.ModelTransformer} {
		cfg.Model = name
		cfg.NumHeads = 2
		cfg.FeedForwardSize = 16
		m, err := NewModel(cfg, 10, nn.NewDevice(4))
		require.NoError(t, err, name)
		assert.NotZero(t, m.Params().Len())
	}
	cfg.Model = "LSTM"
	_, err := NewModel(cfg, 10, nn.NewDevice(4))
	assert.Error(t, err)
}
