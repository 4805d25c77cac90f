package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

// dot is the scalar loss sum(out * r) used by the gradient checks.
func dot(out, r []float32) float64 {
	var s float64
	for i := range out {
		s += float64(out[i]) * float64(r[i])
	}
	return s
}

// checkGrad compares grad against central differences of loss over x.
func checkGrad(t *testing.T, name string, x, grad []float32, loss func() float64) {
	t.Helper()
	const eps = 1e-2
	for i := range x {
		orig := x[i]
		x[i] = orig + eps
		plus := loss()
		x[i] = orig - eps
		minus := loss()
		x[i] = orig
		num := (plus - minus) / (2 * eps)
		assert.InDelta(t, num, float64(grad[i]), 5e-3+5e-3*math.Abs(num), "%s[%d]", name, i)
	}
}

func TestTensorShapes(t *testing.T) {
	x := NewTensor(2, 3, 4)
	assert.Len(t, x.Data, 24)
	assert.True(t, x.Is(2, 3, 4))
	assert.False(t, x.Is(2, 12))

	_, err := FromSlice(make([]float32, 5), 2, 3)
	require.ErrorIs(t, err, ErrShape)
	y, err := FromSlice(make([]float32, 6), 2, 3)
	require.NoError(t, err)
	assert.True(t, y.Is(2, 3))

	tok := Tokens{Data: []int32{1, 2, 3, 4, 5, 6}, Dims: []int{2, 3}}
	tr := tok.Transpose()
	assert.Equal(t, []int{3, 2}, tr.Dims)
	assert.Equal(t, []int32{1, 4, 2, 5, 3, 6}, tr.Data)
}

func TestPositionalEncodingValues(t *testing.T) {
	pe := NewPositionalEncoding(4, 10, 0)
	assert.Equal(t, []float32{0, 1, 0, 1}, pe.Table[:4])

	row := pe.Table[4:8]
	assert.InDelta(t, math.Sin(1), row[0], 1e-6)
	assert.InDelta(t, math.Cos(1), row[1], 1e-6)
	assert.InDelta(t, math.Sin(0.01), row[2], 1e-6)
	assert.InDelta(t, math.Cos(0.01), row[3], 1e-6)
}

func TestPositionalEncodingOddWidth(t *testing.T) {
	pe := NewPositionalEncoding(3, 4, 0)
	assert.Len(t, pe.Table, 12)
	assert.InDelta(t, math.Sin(2), pe.Table[2*3], 1e-6)
	assert.InDelta(t, math.Cos(2), pe.Table[2*3+1], 1e-6)
}

func TestPositionalEncodingForward(t *testing.T) {
	pe := NewPositionalEncoding(2, 3, 0.5)
	x := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	out, err := pe.Forward(x, 2, 2, false, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(1), out[0])
	assert.Equal(t, float32(2), out[1])
	assert.InDelta(t, 1+math.Sin(1), out[2], 1e-6)
	assert.Equal(t, out[:4], out[4:])

	_, err = pe.Forward(make([]float32, 8), 1, 4, false, nil)
	require.ErrorIs(t, err, ErrShape)
}

func TestEmbeddingScalesBySqrtWidth(t *testing.T) {
	e := NewEmbedding("emb", 3, 4)
	for i := range e.Table.Data {
		e.Table.Data[i] = float32(i)
	}
	out, err := e.Forward([]int32{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []float32{16, 18, 20, 22, 0, 2, 4, 6}, out)

	e.Backward([]float32{1, 1, 1, 1, 0.5, 0.5, 0.5, 0.5})
	assert.Equal(t, []float32{1, 1, 1, 1}, e.Table.Grad[:4])
	assert.Equal(t, []float32{2, 2, 2, 2}, e.Table.Grad[8:])

	_, err = e.Lookup([]int32{3})
	require.ErrorIs(t, err, ErrShape)
	_, err = e.Lookup([]int32{-1})
	require.ErrorIs(t, err, ErrShape)
}

func TestDropoutMask(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := Dropout{P: 0.5}
	assert.Nil(t, d.Mask(10, false, rng))
	assert.Nil(t, Dropout{}.Mask(10, true, rng))

	mask := d.Mask(1000, true, rng)
	require.Len(t, mask, 1000)
	var kept int
	for _, m := range mask {
		if m != 0 {
			assert.Equal(t, float32(2), m)
			kept++
		}
	}
	assert.InDelta(t, 500, kept, 100)

	x := []float32{1, 2, 3}
	y := ApplyMask(x, nil)
	assert.Equal(t, x, y)
	y[0] = 9
	assert.Equal(t, float32(1), x[0])
	assert.Equal(t, []float32{0, 4, 0}, ApplyMask(x, []float32{0, 2, 0}))
	assert.Equal(t, []float32{0, 2, 0}, MaskGrad([]float32{1, 1, 1}, []float32{0, 2, 0}))
}

func TestLayerNormNormalizesRows(t *testing.T) {
	const rows, dim = 3, 6
	rng := rand.New(rand.NewSource(2))
	ln := NewLayerNorm("ln", dim)
	x := randSlice(rng, rows*dim)
	out := ln.Forward(x, rows)
	for r := 0; r < rows; r++ {
		row := out[r*dim : (r+1)*dim]
		var mean, sq float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= dim
		for _, v := range row {
			sq += (float64(v) - mean) * (float64(v) - mean)
		}
		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, math.Sqrt(sq/(dim-1)), 1e-4)
	}
}

func TestLayerNormGradients(t *testing.T) {
	const rows, dim = 2, 5
	rng := rand.New(rand.NewSource(3))
	ln := NewLayerNorm("ln", dim)
	copy(ln.W.Data, randSlice(rng, dim))
	copy(ln.B.Data, randSlice(rng, dim))
	x := randSlice(rng, rows*dim)
	r := randSlice(rng, rows*dim)

	ln.Forward(x, rows)
	dx := ln.Backward(r)
	loss := func() float64 { return dot(ln.Forward(x, rows), r) }
	checkGrad(t, "x", x, dx, loss)
	checkGrad(t, "a_2", ln.W.Data, ln.W.Grad, loss)
	checkGrad(t, "b_2", ln.B.Data, ln.B.Grad, loss)
}

func TestLinearGradients(t *testing.T) {
	const rows, in, out = 3, 4, 2
	dev := NewDevice(4)
	l := NewLinear("fc", in, out, true, dev)
	x := randSlice(dev.Rand(), rows*in)
	r := randSlice(dev.Rand(), rows*out)

	l.Forward(x, rows)
	dx := l.Backward(r)
	loss := func() float64 { return dot(l.Apply(x, rows), r) }
	checkGrad(t, "x", x, dx, loss)
	checkGrad(t, "weight", l.W.Data, l.W.Grad, loss)
	checkGrad(t, "bias", l.B.Data, l.B.Grad, loss)
}

func TestLinearWithoutBias(t *testing.T) {
	l := NewLinear("fc", 2, 2, false, NewDevice(5))
	assert.Nil(t, l.B)
	assert.Len(t, l.Params(), 1)
	copy(l.W.Data, []float32{1, 2, 3, 4})
	assert.Equal(t, []float32{5, 11}, l.Apply([]float32{1, 2}, 1))
	assert.Panics(t, func() { l.Apply([]float32{1, 2, 3}, 1) })
}

func TestDeviceIsDeterministic(t *testing.T) {
	a, b := make([]float32, 8), make([]float32, 8)
	NewDevice(7).Uniform(a, 0.5)
	NewDevice(7).Uniform(b, 0.5)
	assert.Equal(t, a, b)
	for _, v := range a {
		assert.LessOrEqual(t, math.Abs(float64(v)), 0.5)
	}
}
