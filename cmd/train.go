package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/data"
	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/train"
	"github.com/spf13/cobra"
)

const checkpointName = "best_params.bin"

// NewTrainCommand returns a new train command.
func NewTrainCommand() *cobra.Command {
	var (
		cfg       config.Config
		overrides = config.Default()
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
		Long: `
Train a language model on the Penn Treebank splits in the data directory.

Flags override the config file. The best validation parameters are written
to the save directory together with the vocabulary and run metadata.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = loadConfig()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTrain(cfg)
		},
	}

	cmd.Flags().StringVarP(&overrides.DataDir, "data", "d", overrides.DataDir, "Directory holding ptb.{train,valid,test}.txt")
	cmd.Flags().StringVarP(&overrides.SaveDir, "save-dir", "o", overrides.SaveDir, "Directory for checkpoints and caches")
	cmd.Flags().StringVarP(&overrides.Model, "model", "m", overrides.Model, "RNN, GRU or TRANSFORMER")
	cmd.Flags().StringVar(&overrides.Optimizer, "optimizer", overrides.Optimizer, "SGD, SGD_LR_SCHEDULE or ADAM")
	cmd.Flags().IntVar(&overrides.EmbSize, "emb-size", overrides.EmbSize, "Embedding size")
	cmd.Flags().IntVar(&overrides.HiddenSize, "hidden-size", overrides.HiddenSize, "Hidden units per layer")
	cmd.Flags().IntVarP(&overrides.SeqLen, "seq-len", "l", overrides.SeqLen, "Sequence length")
	cmd.Flags().IntVarP(&overrides.BatchSize, "batch-size", "b", overrides.BatchSize, "Batch size")
	cmd.Flags().IntVar(&overrides.NumLayers, "num-layers", overrides.NumLayers, "Number of stacked layers")
	cmd.Flags().Float32Var(&overrides.DropoutKeepProb, "dp-keep-prob", overrides.DropoutKeepProb, "Dropout keep probability")
	cmd.Flags().Float32VarP(&overrides.InitialLR, "learning-rate", "r", overrides.InitialLR, "Initial learning rate")
	cmd.Flags().Float32VarP(&overrides.WeightDecay, "weight-decay", "w", overrides.WeightDecay, "Weight decay for ADAM")
	cmd.Flags().Float64Var(&overrides.Clip, "clip", overrides.Clip, "Maximum gradient norm")
	cmd.Flags().IntVarP(&overrides.NumEpochs, "num-epochs", "e", overrides.NumEpochs, "Number of epochs")
	cmd.Flags().Int64VarP(&overrides.Seed, "seed", "s", overrides.Seed, "Random seed")
	return cmd
}

// applyFlags copies every flag the user set from overrides into cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config, o config.Config) {
	set := map[string]func(){
		"data":          func() { cfg.DataDir = o.DataDir },
		"save-dir":      func() { cfg.SaveDir = o.SaveDir },
		"model":         func() { cfg.Model = o.Model },
		"optimizer":     func() { cfg.Optimizer = o.Optimizer },
		"emb-size":      func() { cfg.EmbSize = o.EmbSize },
		"hidden-size":   func() { cfg.HiddenSize = o.HiddenSize },
		"seq-len":       func() { cfg.SeqLen = o.SeqLen },
		"batch-size":    func() { cfg.BatchSize = o.BatchSize },
		"num-layers":    func() { cfg.NumLayers = o.NumLayers },
		"dp-keep-prob":  func() { cfg.DropoutKeepProb = o.DropoutKeepProb },
		"learning-rate": func() { cfg.InitialLR = o.InitialLR },
		"weight-decay":  func() { cfg.WeightDecay = o.WeightDecay },
		"clip":          func() { cfg.Clip = o.Clip },
		"num-epochs":    func() { cfg.NumEpochs = o.NumEpochs },
		"seed":          func() { cfg.Seed = o.Seed },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

// loadCorpus reads the token cache in the save directory, or parses the text
// corpus and writes the cache.
func loadCorpus(cfg config.Config) (*data.Corpus, error) {
	cacheDir := filepath.Join(cfg.SaveDir, "cache")
	if data.HasCache(cacheDir) {
		log.Debug("reading token cache", "dir", cacheDir)
		return data.ReadCache(cacheDir)
	}
	corpus, err := data.LoadPTB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := corpus.WriteCache(cacheDir); err != nil {
		return nil, fmt.Errorf("failed to write token cache: %w", err)
	}
	return corpus, nil
}

func runTrain(cfg config.Config) error {
	corpus, err := loadCorpus(cfg)
	if err != nil {
		return err
	}
	V := corpus.Vocab.Size()
	log.Info("loaded corpus", "vocab", V, "train", len(corpus.Train), "valid", len(corpus.Valid), "test", len(corpus.Test))

	trainIt, err := data.NewIterator(corpus.Train, cfg.BatchSize, cfg.SeqLen)
	if err != nil {
		return err
	}
	validIt, err := data.NewIterator(corpus.Valid, cfg.BatchSize, cfg.SeqLen)
	if err != nil {
		return err
	}

	dev := nn.NewDevice(cfg.Seed)
	model, err := train.NewModel(cfg, V, dev)
	if err != nil {
		return err
	}
	opt, decay, err := train.NewOptimizer(cfg.Optimizer, cfg.InitialLR, cfg.WeightDecay)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
		return err
	}
	if err := cfg.Save(filepath.Join(cfg.SaveDir, "config.yaml")); err != nil {
		return err
	}
	runID := train.NewRunID()
	ckpt := filepath.Join(cfg.SaveDir, checkpointName)
	log.Info("training", "run", runID, "model", cfg.Model, "params", model.Params().Len(), "batches", trainIt.EpochSize())

	trainer := &train.Trainer{Model: model, Optimizer: opt, Decay: decay, Clip: cfg.Clip}
	_, err = trainer.Fit(trainIt, validIt, cfg.NumEpochs, func(s train.EpochStats, best bool) error {
		if !best {
			return nil
		}
		log.Debug("saving best model", "path", ckpt, "valid_ppl", s.ValidPPL)
		return train.SaveCheckpoint(ckpt, model.Params(), train.Meta{
			RunID:     runID,
			Config:    cfg,
			VocabSize: V,
			Epoch:     s.Epoch,
			ValidPPL:  s.ValidPPL,
		})
	})
	return err
}
