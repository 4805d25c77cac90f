package train

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/ptblm/pkg/data"
	"github.com/conneroisu/ptblm/pkg/torch"
)

// Trainer fits a LanguageModel with an Optimizer.
type Trainer struct {
	Model     LanguageModel
	Optimizer Optimizer
	// Decay, when set, lowers the learning rate between epochs.
	Decay *Decay
	// Clip is the maximum global gradient norm; zero disables clipping.
	Clip float64
	// Logger receives per epoch progress. The global logger is used when nil.
	Logger *log.Logger
}

// EpochStats summarises one epoch.
type EpochStats struct {
	Epoch    int
	LR       float32
	TrainPPL float64
	ValidPPL float64
	Elapsed  time.Duration
}

func (t *Trainer) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// RunEpoch walks every batch of it once and returns the perplexity. With
// training set, dropout is on and the optimizer steps after every batch.
func (t *Trainer) RunEpoch(it data.Loader, training bool) (float64, error) {
	t.Model.SetTraining(training)
	t.Model.Reset()
	it.Reset()
	params := t.Model.Params()
	var costs float64
	var iters int
	for {
		x, y, ok := it.Next()
		if !ok {
			break
		}
		if training {
			params.ZeroGrad()
		}
		loss, err := t.Model.Loss(x, y, training)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", iters, err)
		}
		if torch.IsNaN(loss) {
			return 0, fmt.Errorf("batch %d: loss is NaN", iters)
		}
		if training {
			norm := ClipGradNorm(params, t.Clip)
			t.Optimizer.Step(params)
			t.logger().Debug("step", "batch", iters, "loss", loss, "grad_norm", norm)
		}
		costs += float64(loss)
		iters++
	}
	if iters == 0 {
		return 0, errors.New("loader yielded no batches")
	}
	return Perplexity(costs / float64(iters)), nil
}

// Fit trains for epochs, validating after each. onEpoch, when set, is called
// after every epoch with whether validation perplexity improved on the best so far.
func (t *Trainer) Fit(trainIt, validIt data.Loader, epochs int, onEpoch func(s EpochStats, best bool) error) ([]EpochStats, error) {
	lg := t.logger()
	best := math.Inf(1)
	stats := make([]EpochStats, 0, epochs)
	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		t.Decay.Apply(t.Optimizer, epoch)
		trainPPL, err := t.RunEpoch(trainIt, true)
		if err != nil {
			return stats, fmt.Errorf("epoch %d training: %w", epoch, err)
		}
		validPPL, err := t.RunEpoch(validIt, false)
		if err != nil {
			return stats, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		s := EpochStats{
			Epoch:    epoch,
			LR:       t.Optimizer.LR(),
			TrainPPL: trainPPL,
			ValidPPL: validPPL,
			Elapsed:  time.Since(start),
		}
		stats = append(stats, s)
		lg.Info("epoch", "n", epoch, "lr", s.LR, "train_ppl", trainPPL, "valid_ppl", validPPL, "took", s.Elapsed)
		improved := validPPL < best
		if improved {
			best = validPPL
		}
		if onEpoch != nil {
			if err := onEpoch(s, improved); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}
