package transformer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, dims ...int) nn.Tensor {
	t := nn.NewTensor(dims...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()*2 - 1
	}
	return t
}

func allTrue(n int) []bool {
	mask := make([]bool, n)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

func smallConfig() Config {
	return Config{
		VocabSize:       7,
		NumBlocks:       2,
		NumUnits:        8,
		NumHeads:        2,
		Dropout:         0,
		FeedForwardSize: 12,
		MaxLen:          16,
	}
}

func TestAttentionDivisibilityPanics(t *testing.T) {
	assert.Panics(t, func() { NewMultiHeadedAttention(3, 8, 0, nn.NewDevice(1)) })
	assert.NotPanics(t, func() { NewMultiHeadedAttention(4, 8, 0, nn.NewDevice(1)) })

	cfg := smallConfig()
	cfg.NumHeads = 3
	require.ErrorIs(t, cfg.Validate(), ErrConfig)
	assert.Panics(t, func() { New(cfg, nn.NewDevice(1)) })
}

func TestAttentionInitRange(t *testing.T) {
	a := NewMultiHeadedAttention(2, 16, 0, nn.NewDevice(2))
	k := math.Sqrt(1.0 / 16)
	for _, p := range a.Params() {
		for _, v := range p.Data {
			require.LessOrEqual(t, math.Abs(float64(v)), k, p.Name)
		}
	}
}

func TestSingleHeadMatchesScaledDotProduct(t *testing.T) {
	const B, T, D = 2, 3, 4
	rng := rand.New(rand.NewSource(3))
	a := NewMultiHeadedAttention(1, D, 0, nn.NewDevice(3))
	x := randTensor(rng, B, T, D)

	out, err := a.Forward(x, x, x, allTrue(B*T*T), false, nil)
	require.NoError(t, err)
	require.True(t, out.Is(B, T, D))

	q := a.Query.Apply(x.Data, B*T)
	k := a.Key.Apply(x.Data, B*T)
	v := a.Value.Apply(x.Data, B*T)
	concat := make([]float32, B*T*D)
	for b := 0; b < B; b++ {
		for i := 0; i < T; i++ {
			scores := make([]float64, T)
			maxScore := math.Inf(-1)
			for j := 0; j < T; j++ {
				var s float64
				for c := 0; c < D; c++ {
					s += float64(q[(b*T+i)*D+c]) * float64(k[(b*T+j)*D+c])
				}
				scores[j] = s / math.Sqrt(D)
				maxScore = math.Max(maxScore, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
			for c := 0; c < D; c++ {
				var acc float64
				for j := 0; j < T; j++ {
					acc += scores[j] / sum * float64(v[(b*T+j)*D+c])
				}
				concat[(b*T+i)*D+c] = float32(acc)
			}
		}
	}
	want := a.Out.Apply(concat, B*T)
	for i := range want {
		assert.InDelta(t, want[i], out.Data[i], 1e-5)
	}
}

func TestCausalMaskZeroesFutureWeights(t *testing.T) {
	const B, T, D, NH = 2, 5, 8, 4
	rng := rand.New(rand.NewSource(4))
	a := NewMultiHeadedAttention(NH, D, 0, nn.NewDevice(4))
	x := randTensor(rng, B, T, D)

	_, err := a.Forward(x, x, x, SubsequentMask(T), false, nil)
	require.NoError(t, err)
	w := a.Weights()
	require.True(t, w.Is(B, NH, T, T))
	for bh := 0; bh < B*NH; bh++ {
		for i := 0; i < T; i++ {
			var sum float32
			for j := 0; j < T; j++ {
				v := w.Data[bh*T*T+i*T+j]
				if j > i {
					assert.Zero(t, v)
				}
				sum += v
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
}

func TestAllMaskedGivesNegligibleWeights(t *testing.T) {
	const B, T, D, NH = 1, 4, 8, 2
	rng := rand.New(rand.NewSource(5))
	a := NewMultiHeadedAttention(NH, D, 0, nn.NewDevice(5))
	x := randTensor(rng, B, T, D)

	_, err := a.Forward(x, x, x, make([]bool, B*T*T), false, nil)
	require.NoError(t, err)
	for _, v := range a.Weights().Data {
		assert.LessOrEqual(t, math.Abs(float64(v)), 1e-6)
	}
}

func TestAttentionRejectsBadShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := NewMultiHeadedAttention(2, 8, 0, nn.NewDevice(6))
	x := randTensor(rng, 2, 3, 8)

	_, err := a.Forward(x, x, x, make([]bool, 5), false, nil)
	require.ErrorIs(t, err, nn.ErrShape)
	_, err = a.Forward(x, randTensor(rng, 2, 4, 8), x, nil, false, nil)
	require.ErrorIs(t, err, nn.ErrShape)
	_, err = a.Forward(randTensor(rng, 2, 3, 6), x, x, nil, false, nil)
	require.ErrorIs(t, err, nn.ErrShape)
}

func TestMasks(t *testing.T) {
	assert.Equal(t, []bool{
		true, false, false,
		true, true, false,
		true, true, true,
	}, SubsequentMask(3))

	mask, err := MakeMask(nn.Tokens{Data: []int32{4, 0, 2, 0, 5, 6}, Dims: []int{2, 3}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []bool{
		true, false, false,
		true, false, false,
		true, false, true,

		false, false, false,
		false, true, false,
		false, true, true,
	}, mask)

	_, err = MakeMask(nn.Tokens{Data: []int32{1, 2, 3}, Dims: []int{3}}, 0)
	require.ErrorIs(t, err, nn.ErrShape)
}

func TestModelForwardShapes(t *testing.T) {
	cfg := smallConfig()
	m := New(cfg, nn.NewDevice(7))
	m.SetTraining(false)
	inputs := nn.Tokens{Data: []int32{0, 1, 2, 3, 4, 5, 6, 0, 1, 2}, Dims: []int{2, 5}}

	logProbs, err := m.Forward(inputs, SubsequentMask(5))
	require.NoError(t, err)
	require.True(t, logProbs.Is(2, 5, cfg.VocabSize))
	for row := 0; row < 10; row++ {
		var sum float64
		for _, lp := range logProbs.Data[row*cfg.VocabSize : (row+1)*cfg.VocabSize] {
			sum += math.Exp(float64(lp))
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}

	tooLong := nn.Tokens{Data: make([]int32, 17), Dims: []int{1, 17}}
	_, err = m.Forward(tooLong, SubsequentMask(17))
	require.ErrorIs(t, err, nn.ErrShape)
	_, err = m.Forward(inputs, SubsequentMask(4))
	require.ErrorIs(t, err, nn.ErrShape)
}

func TestCausalModelIgnoresFutureTokens(t *testing.T) {
	m := New(smallConfig(), nn.NewDevice(8))
	m.SetTraining(false)
	a := nn.Tokens{Data: []int32{1, 2, 3, 4}, Dims: []int{1, 4}}
	b := nn.Tokens{Data: []int32{1, 2, 6, 0}, Dims: []int{1, 4}}

	la, err := m.Forward(a, SubsequentMask(4))
	require.NoError(t, err)
	lb, err := m.Forward(b, SubsequentMask(4))
	require.NoError(t, err)
	V := m.Config.VocabSize
	for i := 0; i < 2*V; i++ {
		assert.InDelta(t, la.Data[i], lb.Data[i], 1e-5)
	}
}

func TestModelBackwardMatchesFiniteDifference(t *testing.T) {
	cfg := Config{VocabSize: 5, NumBlocks: 1, NumUnits: 4, NumHeads: 2, FeedForwardSize: 6, MaxLen: 8}
	m := New(cfg, nn.NewDevice(9))
	rng := rand.New(rand.NewSource(9))
	inputs := nn.Tokens{Data: []int32{0, 3, 1, 4, 2, 2}, Dims: []int{2, 3}}
	mask, err := MakeMask(inputs, -1)
	require.NoError(t, err)
	r := randTensor(rng, 2, 3, 5)
	loss := func() float64 {
		logProbs, err := m.Forward(inputs, mask)
		require.NoError(t, err)
		var s float64
		for i := range r.Data {
			s += float64(logProbs.Data[i]) * float64(r.Data[i])
		}
		return s
	}

	loss()
	require.NoError(t, m.Backward(r))
	require.Error(t, m.Backward(r))

	const eps = 1e-3
	for _, p := range m.Params() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := loss()
			p.Data[i] = orig - eps
			minus := loss()
			p.Data[i] = orig
			num := (plus - minus) / (2 * eps)
			assert.InDelta(t, num, float64(p.Grad[i]), 1e-2+1e-2*math.Abs(num), "%s[%d]", p.Name, i)
		}
	}
}

func TestModelBackwardWithDropoutMatchesFiniteDifference(t *testing.T) {
	cfg := Config{VocabSize: 5, NumBlocks: 1, NumUnits: 4, NumHeads: 2, FeedForwardSize: 6, MaxLen: 8, Dropout: 0.3}
	m := New(cfg, nn.NewDevice(10))
	require.True(t, m.Training)
	rng := rand.New(rand.NewSource(10))
	inputs := nn.Tokens{Data: []int32{0, 3, 1, 4, 2, 2}, Dims: []int{2, 3}}
	mask, err := MakeMask(inputs, -1)
	require.NoError(t, err)
	r := randTensor(rng, 2, 3, 5)
	// a fresh device with the same seed replays the same masks
	const maskSeed = 11
	loss := func() float64 {
		m.dev = nn.NewDevice(maskSeed)
		logProbs, err := m.Forward(inputs, mask)
		require.NoError(t, err)
		var s float64
		for i := range r.Data {
			s += float64(logProbs.Data[i]) * float64(r.Data[i])
		}
		return s
	}

	loss()
	require.NoError(t, m.Backward(r))

	const eps = 1e-3
	for _, p := range m.Params() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := loss()
			p.Data[i] = orig - eps
			minus := loss()
			p.Data[i] = orig
			num := (plus - minus) / (2 * eps)
			assert.InDelta(t, num, float64(p.Grad[i]), 1e-2+1e-2*math.Abs(num), "%s[%d]", p.Name, i)
		}
	}
}
