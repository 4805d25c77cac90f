package train

import (
	"fmt"
	"math"

	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step(ps nn.Params)
	LR() float32
	SetLR(lr float32)
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	LearningRate float32
}

// Step moves every parameter against its gradient.
func (o *SGD) Step(ps nn.Params) {
	for _, p := range ps {
		for i, g := range p.Grad {
			p.Data[i] -= o.LearningRate * g
		}
	}
}

// LR returns the learning rate.
func (o *SGD) LR() float32 { return o.LearningRate }

// SetLR sets the learning rate.
func (o *SGD) SetLR(lr float32) { o.LearningRate = lr }

// AdamW is Adam with bias correction and decoupled weight decay.
type AdamW struct {
	LearningRate float32
	Beta1, Beta2 float32
	Eps          float32
	WeightDecay  float32

	t int
	// first and second moment estimates per parameter
	m, v map[*nn.Param][]float32
}

// NewAdamW returns AdamW with the usual betas and epsilon.
func NewAdamW(lr, weightDecay float32) *AdamW {
	return &AdamW{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		WeightDecay:  weightDecay,
		m:            make(map[*nn.Param][]float32),
		v:            make(map[*nn.Param][]float32),
	}
}

// Step performs one update.
func (o *AdamW) Step(ps nn.Params) {
	o.t++
	c1 := 1 - torch.Pow(o.Beta1, float32(o.t))
	c2 := 1 - torch.Pow(o.Beta2, float32(o.t))
	for _, p := range ps {
		m, ok := o.m[p]
		if !ok {
			m = make([]float32, p.Len())
			o.m[p] = m
			o.v[p] = make([]float32, p.Len())
		}
		v := o.v[p]
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Data[i] -= o.LearningRate * (mHat/(torch.Sqrt(vHat)+o.Eps) + o.WeightDecay*p.Data[i])
		}
	}
}

// LR returns the learning rate.
func (o *AdamW) LR() float32 { return o.LearningRate }

// SetLR sets the learning rate.
func (o *AdamW) SetLR(lr float32) { o.LearningRate = lr }

// NewOptimizer builds the named optimizer. SGD_LR_SCHEDULE returns SGD and
// a Decay; the other optimizers return a nil Decay.
func NewOptimizer(name string, lr, weightDecay float32) (Optimizer, *Decay, error) {
	switch name {
	case config.OptimizerSGD:
		return &SGD{LearningRate: lr}, nil, nil
	case config.OptimizerSGDSchedule:
		return &SGD{LearningRate: lr}, &Decay{Flat: 14, Factor: 1.15}, nil
	case config.OptimizerAdam:
		return NewAdamW(lr, weightDecay), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown optimizer %q", name)
}

// Decay divides the learning rate by Factor at the start of every epoch after Flat.
type Decay struct {
	Flat   int
	Factor float32
}

// Apply adjusts the learning rate of o for epoch (0 based).
func (d *Decay) Apply(o Optimizer, epoch int) {
	if d == nil || epoch <= d.Flat {
		return
	}
	o.SetLR(o.LR() / d.Factor)
}

// ClipGradNorm rescales the gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. A non-positive maxNorm only
// measures.
func ClipGradNorm(ps nn.Params, maxNorm float64) float64 {
	var sq float64
	for _, p := range ps {
		g := make([]float64, p.Len())
		for i, v := range p.Grad {
			g[i] = float64(v)
		}
		n := floats.Norm(g, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm {
		scale := float32(maxNorm / (total + 1e-6))
		for _, p := range ps {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return total
}
