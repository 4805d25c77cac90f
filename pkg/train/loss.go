// Package train fits the recurrent and transformer language models: losses,
// optimizers, the epoch loop and checkpoints.
package train

import (
	"fmt"
	"math"

	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/torch"
	"gonum.org/v1/gonum/floats"
)

func checkTargets(n, vocab int, targets []int32) error {
	if vocab <= 0 || n != len(targets)*vocab {
		return fmt.Errorf("%w: %d scores for %d targets over vocabulary %d", nn.ErrShape, n, len(targets), vocab)
	}
	for _, t := range targets {
		if t < 0 || int(t) >= vocab {
			return fmt.Errorf("%w: target %d outside vocabulary %d", nn.ErrShape, t, vocab)
		}
	}
	return nil
}

// CrossEntropy returns the mean negative log-likelihood of targets under
// softmax(logits) and its gradient with respect to logits. logits hold one row
// of vocab scores per target.
func CrossEntropy(logits []float32, targets []int32, vocab int) (float32, []float32, error) {
	if err := checkTargets(len(logits), vocab, targets); err != nil {
		return 0, nil, err
	}
	N := len(targets)
	probs := make([]float32, len(logits))
	torch.SoftmaxForward(probs, logits, 1, N, vocab)
	losses := make([]float32, N)
	torch.CrossEntropyForward(losses, probs, targets, 1, N, vocab)
	dlosses := make([]float32, N)
	for i := range dlosses {
		dlosses[i] = 1 / float32(N)
	}
	dlogits := make([]float32, len(logits))
	torch.CrossentropySoftmaxBackward(dlogits, dlosses, probs, targets, 1, N, vocab)
	return mean(losses), dlogits, nil
}

// NLL returns the mean of -logProbs[target] and its gradient with respect to
// logProbs.
func NLL(logProbs []float32, targets []int32, vocab int) (float32, []float32, error) {
	if err := checkTargets(len(logProbs), vocab, targets); err != nil {
		return 0, nil, err
	}
	N := len(targets)
	losses := make([]float32, N)
	dlogProbs := make([]float32, len(logProbs))
	for i, t := range targets {
		losses[i] = -logProbs[i*vocab+int(t)]
		dlogProbs[i*vocab+int(t)] = -1 / float32(N)
	}
	return mean(losses), dlogProbs, nil
}

func mean(xs []float32) float32 {
	wide := make([]float64, len(xs))
	for i, x := range xs {
		wide[i] = float64(x)
	}
	return float32(floats.Sum(wide) / float64(len(wide)))
}

// Perplexity is exp of a mean per-token negative log-likelihood.
func Perplexity(meanNLL float64) float64 {
	return math.Exp(meanNLL)
}
