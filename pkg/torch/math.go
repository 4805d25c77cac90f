package torch

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MaskedScore is the pre-attention score stored for a masked (query, key) pair.
const MaskedScore float32 = -1e9

// LayernormEps is added to the standard deviation before dividing.
const LayernormEps float32 = 1e-6

// Tanh returns the hyperbolic tangent of x aka the tanh function of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Sigmoid returns the logistic function of x.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// Exp returns e**x aka the exponential function of x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x aka the logarithm function of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsNaN returns true if f is not a number.
func IsNaN(f float32) bool {
	return math.IsNaN(float64(f))
}

// Pow returns x**y aka the power function of x and y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x aka the square root function of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// general views data as a dense row-major rows x cols matrix.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// strided views a rows x cols block of a wider row-major buffer.
func strided(data []float32, rows, cols, stride int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data[:(rows-1)*stride+cols]}
}

// EncoderForward looks up the embedding vector of every token and scales it.
//
// Parameters:
//   - out: output activations (N,C)
//   - inp: token ids (N), each an index within wte
//   - wte: word token embeddings (V,C)
//   - scale: multiplier applied to every looked up value
//   - N: number of tokens
//   - C: embedding dimension (number of features)
func EncoderForward(out []float32, inp []int32, wte []float32, scale float32, N, C int) {
	for n := 0; n < N; n++ {
		// inp -> id -> wte[id]
		startWteIndex := int(inp[n]) * C
		outN := out[n*C : (n+1)*C]
		for i := 0; i < C; i++ {
			outN[i] = wte[startWteIndex+i] * scale
		}
	}
}

// EncoderBackward accumulates the embedding gradients of EncoderForward.
//
// Parameters:
//   - dwte: gradients with respect to word embeddings (wte)
//   - dout: the gradient to apply to dwte
//   - inp: input tokens (ids that refer to indexes within wte)
//   - scale: multiplier used in the forward pass
//   - N: number of tokens
//   - C: embedding dimension (number of features)
func EncoderBackward(dwte, dout []float32, inp []int32, scale float32, N, C int) {
	for n := 0; n < N; n++ {
		doutN := dout[n*C : (n+1)*C]
		dwteIx := dwte[int(inp[n])*C:]
		for i := 0; i < C; i++ {
			dwteIx[i] += doutN[i] * scale
		}
	}
}

// PositionalForward adds the positional table row t to every (b,t) activation.
//
// Parameters:
//   - out: output activations (B,T,C)
//   - inp: input activations (B,T,C)
//   - pe: positional table (maxT,C), maxT >= T
func PositionalForward(out, inp, pe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			base := b*T*C + t*C
			peT := pe[t*C : (t+1)*C]
			for i := 0; i < C; i++ {
				out[base+i] = inp[base+i] + peT[i]
			}
		}
	}
}

// LayernormForward normalizes every C-sized row of the activations.
//
// The normalisation divides by the unbiased standard deviation plus
// LayernormEps: out = weight * (x - mean) / (std + eps) + bias.
// Paper: https://arxiv.org/abs/1607.06450
// Parameters:
//   - out: output activations (B,T,C)
//   - mean: mean values (B,T) for each position (b,t)
//   - std: unbiased standard deviations (B,T) for each position (b,t)
//   - inp: input activations (B,T,C)
//   - weight: learnable weight (C) for scaling
//   - bias: learnable bias (C) for shifting
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: embedding dimension (number of features)
func LayernormForward(out, mean, std, inp, weight, bias []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			// Calculate mean
			var m float32
			for i := 0; i < C; i++ {
				m += x[i]
			}
			m /= float32(C)
			// Calculate unbiased variance
			var v float32
			for i := 0; i < C; i++ {
				xshift := x[i] - m
				v += xshift * xshift
			}
			if C > 1 {
				v /= float32(C - 1)
			}
			s := Sqrt(v)
			d := 1.0 / (s + LayernormEps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				outBT[i] = weight[i]*(x[i]-m)*d + bias[i]
			}
			// Store mean and std for backward pass
			mean[b*T+t] = m
			std[b*T+t] = s
		}
	}
}

// LayernormBackward accumulates the gradients of LayernormForward.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, std []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			stdBT := std[b*T+t]
			d := stdBT + LayernormEps

			// Reduce operations
			var dnormMean, dnormShift float32
			for i := 0; i < C; i++ {
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormShift += dnormI * (inpBT[i] - meanBT)
			}
			dnormMean /= float32(C)
			// d(std)/dx_j = (x_j - mean) / ((C-1) * std)
			var stdTerm float32
			if stdBT > 0 && C > 1 {
				stdTerm = dnormShift / (d * d * float32(C-1) * stdBT)
			}

			// Accumulation loop
			for i := 0; i < C; i++ {
				shift := inpBT[i] - meanBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += shift / d * doutBT[i]
				dinpBT[i] += (dnormI-dnormMean)/d - shift*stdTerm
			}
		}
	}
}

// MatmulForward performs matrix multiplication and adds bias.
//
// out = inp @ weightᵀ + bias, the weight is stored (OC, C) row-major.
//
// Parameters:
//   - out: output matrix (B,T,OC)
//   - inp: input matrix (B,T,C)
//   - weight: weight matrix (OC,C)
//   - bias: bias vector (OC), may be nil
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: input dimension (number of features)
//   - OC: number of output channels
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	o := general(out, N, OC)
	var beta float32
	if bias != nil {
		for n := 0; n < N; n++ {
			copy(o.Data[n*OC:(n+1)*OC], bias[:OC])
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(inp, N, C), general(weight, OC, C), beta, o)
}

// MatmulBackward accumulates the gradients of MatmulForward.
//
// Parameters:
//   - dinp: gradient of the input (B,T,C), may be nil
//   - dweight: gradient of the weight (OC,C)
//   - dbias: gradient of the bias (OC), may be nil
//   - dout: gradient of the output (B,T,OC)
//   - inp: input used in the forward pass
//   - weight: weight used in the forward pass
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	d := general(dout, N, OC)
	if dinp != nil {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, d, general(weight, OC, C), 1, general(dinp, N, C))
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, d, general(inp, N, C), 1, general(dweight, OC, C))
	if dbias != nil {
		for n := 0; n < N; n++ {
			doutN := dout[n*OC : (n+1)*OC]
			for o := 0; o < OC; o++ {
				dbias[o] += doutN[o]
			}
		}
	}
}

// AttentionForward performs the masked multi-head attention forward pass.
//
//	attention is the only layer that mixes information across time
//	every other operation is applied at every (b,t) position independently
//
// The heads live side by side in the channel dimension: head h owns the
// channels [h*hs, (h+1)*hs) of q, k, v and out. Scores are scaled by 1/sqrt(hs).
// A masked pair keeps MaskedScore in preatt and gets exactly zero weight; a
// query with no permitted key gets an all-zero weight row.
//
// Parameters:
//   - out: output matrix (B,T,C), heads concatenated
//   - preatt: pre-attention scores (B,NH,T,T)
//   - att: post-softmax attention weights (B,NH,T,T)
//   - dropped: attention weights after dropout (B,NH,T,T), unused when dropMask is nil
//   - q, k, v: projected queries, keys and values (B,T,C)
//   - mask: permitted (query, key) pairs (B,T,T) or (1,T,T) shared by the batch, nil allows all
//   - dropMask: inverted dropout multipliers (B,NH,T,T), nil disables dropout
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - C: model width
//   - NH: number of attention heads
func AttentionForward(out, preatt, att, dropped, q, k, v []float32, mask []bool, dropMask []float32, B, T, C, NH int) {
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	for b := 0; b < B; b++ {
		var maskB []bool
		if mask != nil {
			if len(mask) == T*T {
				maskB = mask
			} else {
				maskB = mask[b*T*T : (b+1)*T*T]
			}
		}
		for h := 0; h < NH; h++ {
			base := b*T*C + h*hs
			offset := (b*NH + h) * T * T
			preattBH := preatt[offset : offset+T*T]
			attBH := att[offset : offset+T*T]
			// query @ keyᵀ for every pair of the head
			blas32.Gemm(blas.NoTrans, blas.Trans, scale,
				strided(q[base:], T, hs, C), strided(k[base:], T, hs, C),
				0, general(preattBH, T, T))
			for t := 0; t < T; t++ {
				preattBth := preattBH[t*T : (t+1)*T]
				attBth := attBH[t*T : (t+1)*T]
				maxval := Inf(-1)
				for t2 := 0; t2 < T; t2++ {
					if maskB != nil && !maskB[t*T+t2] {
						preattBth[t2] = MaskedScore
						continue
					}
					if preattBth[t2] > maxval {
						maxval = preattBth[t2]
					}
				}
				var expsum float32
				for t2 := 0; t2 < T; t2++ {
					if maskB != nil && !maskB[t*T+t2] {
						attBth[t2] = 0
						continue
					}
					expv := Exp(preattBth[t2] - maxval)
					expsum += expv
					attBth[t2] = expv
				}
				var expsumInv float32
				if expsum != 0.0 {
					expsumInv = 1.0 / expsum
				}
				for t2 := 0; t2 < T; t2++ {
					attBth[t2] *= expsumInv
				}
			}
			weights := attBH
			if dropMask != nil {
				weights = dropped[offset : offset+T*T]
				for i := range weights {
					weights[i] = attBH[i] * dropMask[offset+i]
				}
			}
			// out = attention @ values
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				general(weights, T, T), strided(v[base:], T, hs, C),
				0, strided(out[base:], T, hs, C))
		}
	}
}

// AttentionBackward accumulates the gradients of AttentionForward into dq, dk and dv.
//
// Parameters:
//   - dq, dk, dv: gradients of the projected queries, keys and values (B,T,C)
//   - dout: gradient of the concatenated head outputs (B,T,C)
//   - q, k, v: inputs of the forward pass
//   - att: post-softmax attention weights of the forward pass
//   - dropped: attention weights after dropout, unused when dropMask is nil
//   - dropMask: dropout multipliers of the forward pass, may be nil
func AttentionBackward(dq, dk, dv, dout, q, k, v, att, dropped, dropMask []float32, B, T, C, NH int) {
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	datt := make([]float32, T*T)
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			base := b*T*C + h*hs
			offset := (b*NH + h) * T * T
			attBH := att[offset : offset+T*T]
			weights := attBH
			if dropMask != nil {
				weights = dropped[offset : offset+T*T]
			}
			doutBH := strided(dout[base:], T, hs, C)
			// value accumulation: datt = dout @ vᵀ, dv += weightsᵀ @ dout
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, doutBH, strided(v[base:], T, hs, C), 0, general(datt, T, T))
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(weights, T, T), doutBH, 1, strided(dv[base:], T, hs, C))
			if dropMask != nil {
				for i := range datt {
					datt[i] *= dropMask[offset+i]
				}
			}
			// softmax backward, in place: dpreatt = att * (datt - sum(att * datt))
			for t := 0; t < T; t++ {
				attBth := attBH[t*T : (t+1)*T]
				dattBth := datt[t*T : (t+1)*T]
				var dot float32
				for t2 := 0; t2 < T; t2++ {
					dot += attBth[t2] * dattBth[t2]
				}
				for t2 := 0; t2 < T; t2++ {
					dattBth[t2] = attBth[t2] * (dattBth[t2] - dot)
				}
			}
			// query @ key matmul
			dpre := general(datt, T, T)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, scale, dpre, strided(k[base:], T, hs, C), 1, strided(dq[base:], T, hs, C))
			blas32.Gemm(blas.Trans, blas.NoTrans, scale, dpre, strided(q[base:], T, hs, C), 1, strided(dk[base:], T, hs, C))
		}
	}
}

// ReluForward applies the rectified linear unit elementwise.
func ReluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			out[i] = inp[i]
		} else {
			out[i] = 0
		}
	}
}

// ReluBackward accumulates the gradient of ReluForward.
func ReluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			dinp[i] += dout[i]
		}
	}
}

// DropoutForward multiplies every activation by its inverted dropout multiplier.
//
// The mask holds 0 for dropped units and 1/(1-p) for kept units.
func DropoutForward(out, inp, mask []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = inp[i] * mask[i]
	}
}

// DropoutBackward accumulates the gradient of DropoutForward.
func DropoutBackward(dinp, dout, mask []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += dout[i] * mask[i]
	}
}

// ResidualForward performs a residual connection between two inputs.
//
// out = inp1 + inp2
//
// Parameters:
//   - out: output matrix
//   - inp1: input matrix 1
//   - inp2: input matrix 2
//   - N: number of elements in the matrix
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward calculates the backward pass of the residual connection.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// SoftmaxForward calculates the softmax function over every V-sized row.
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			// Numerical Stability
			maxval := Inf(-1)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			// Calculate exponentials and sum
			var sum float32
			for i := 0; i < V; i++ {
				probsBT[i] = Exp(logitsBT[i] - maxval)
				sum += probsBT[i]
			}
			// Normalize
			for i := 0; i < V; i++ {
				probsBT[i] /= sum
			}
		}
	}
}

// LogSoftmaxForward calculates log(softmax(logits)) over every V-sized row.
func LogSoftmaxForward(out, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			outBT := out[baseIndex : baseIndex+V]
			maxval := Inf(-1)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				sum += math.Exp(float64(logitsBT[i] - maxval))
			}
			logZ := maxval + float32(math.Log(sum))
			for i := 0; i < V; i++ {
				outBT[i] = logitsBT[i] - logZ
			}
		}
	}
}

// LogSoftmaxBackward accumulates the gradient of LogSoftmaxForward given its output.
//
// dlogits = dout - softmax * sum(dout)
func LogSoftmaxBackward(dlogits, dout, out []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			doutBT := dout[baseIndex : baseIndex+V]
			outBT := out[baseIndex : baseIndex+V]
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			var sum float32
			for i := 0; i < V; i++ {
				sum += doutBT[i]
			}
			for i := 0; i < V; i++ {
				dlogitsBT[i] += doutBT[i] - Exp(outBT[i])*sum
			}
		}
	}
}

// CrossEntropyForward calculates the cross entropy loss.
//
// Parameters:
//   - losses: output matrix (B,T)
//   - probs: input probabilities (B,T,V)
//   - targets: target matrix (B,T)
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			startIndex := int32(batch*T*V + timmie*V)
			ix := targets[batch*T+timmie]
			prob := probs[startIndex+ix]
			// Calculate the negative log of the probability for the correct target index
			losses[batch*T+timmie] = -Log(prob)
		}
	}
}

// CrossentropySoftmaxBackward calculates the backward pass of softmax followed by the cross entropy loss.
//
// Parameters:
//   - dlogits: gradient of the logits
//   - dlosses: gradient of the cross entropy loss
//   - probs: probabilities
//   - targets: target tokens
//   - B: batch size
//   - T: sequence length (number of time steps)
//   - V: vocabulary size
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for batch := 0; batch < B; batch++ {
		for timmie := 0; timmie < T; timmie++ {
			baseIndex := batch*T*V + timmie*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[batch*T+timmie]
			ix := targets[batch*T+timmie]
			for i := 0; i < V; i++ {
				p := probsBT[i]
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}

// SampleMult returns the index of the first element of probabilities whose cumulative sum exceeds coin.
func SampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1
}
