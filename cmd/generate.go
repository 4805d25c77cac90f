package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/conneroisu/ptblm/pkg/data"
	"github.com/conneroisu/ptblm/pkg/nn"
	"github.com/conneroisu/ptblm/pkg/recurrent"
	"github.com/conneroisu/ptblm/pkg/train"
	"github.com/spf13/cobra"
)

type generateArgs struct {
	checkpoint string
	seedWord   string
	nSamples   int
	length     int
	seed       int64
}

// NewGenerateCommand returns a new generate command.
func NewGenerateCommand() *cobra.Command {
	var args generateArgs
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample text from a trained recurrent model",
		Long: `
Sample text from a trained RNN or GRU checkpoint.

Each sample starts from a zero hidden state and a seed word, and every
sampled word is fed back as the next input.
	`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			samples, err := runGenerate(args)
			if err != nil {
				return err
			}
			for _, s := range samples {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&args.checkpoint, "checkpoint", "k", filepath.Join("output", checkpointName), "Path to the parameter file")
	cmd.Flags().StringVarP(&args.seedWord, "seed-word", "w", "", "First input word; a random vocabulary word when empty")
	cmd.Flags().IntVarP(&args.nSamples, "n-samples", "n", 1, "Number of samples to generate")
	cmd.Flags().IntVarP(&args.length, "length", "l", 35, "Words per sample")
	cmd.Flags().Int64VarP(&args.seed, "seed", "s", 1111, "Seed for random number generator")
	return cmd
}

func runGenerate(args generateArgs) ([]string, error) {
	meta, err := train.LoadMeta(args.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint metadata: %w", err)
	}
	cfg := meta.Config
	if cfg.Model != config.ModelRNN && cfg.Model != config.ModelGRU {
		return nil, fmt.Errorf("generation needs an RNN or GRU checkpoint, got %s", cfg.Model)
	}
	vocab, err := data.ReadVocab(vocabPath(args.checkpoint, cfg))
	if err != nil {
		return nil, err
	}
	if vocab.Size() != meta.VocabSize {
		return nil, fmt.Errorf("vocabulary has %d words, checkpoint expects %d", vocab.Size(), meta.VocabSize)
	}
	if args.nSamples <= 0 {
		return nil, fmt.Errorf("n-samples must be positive, got %d", args.nSamples)
	}

	model, err := recurrent.New(recurrent.Kind(cfg.Model), train.RecurrentConfig(cfg, meta.VocabSize), nn.NewDevice(cfg.Seed))
	if err != nil {
		return nil, err
	}
	if err := train.LoadCheckpoint(args.checkpoint, model.Params()); err != nil {
		return nil, err
	}
	model.SetTraining(false)
	log.Debug("loaded checkpoint", "run", meta.RunID, "epoch", meta.Epoch, "valid_ppl", meta.ValidPPL)

	rng := rand.New(rand.NewSource(args.seed))
	B := args.nSamples
	seed := make([]int32, B)
	for b := range seed {
		if args.seedWord == "" {
			seed[b] = int32(rng.Intn(vocab.Size()))
			continue
		}
		id, ok := vocab.ID(args.seedWord)
		if !ok {
			return nil, fmt.Errorf("seed word %q is not in the vocabulary", args.seedWord)
		}
		seed[b] = id
	}
	hidden := nn.NewTensor(cfg.NumLayers, B, cfg.HiddenSize)
	out, err := model.Generate(seed, hidden, args.length, rng)
	if err != nil {
		return nil, err
	}
	samples := make([]string, B)
	for b := 0; b < B; b++ {
		ids := []int32{seed[b]}
		for t := 0; t < args.length; t++ {
			ids = append(ids, out.Data[t*B+b])
		}
		words, err := vocab.Decode(ids)
		if err != nil {
			return nil, err
		}
		samples[b] = strings.Join(words, " ")
	}
	return samples, nil
}

// vocabPath prefers the cache next to the checkpoint so a moved run directory
// still resolves, and falls back to the save directory recorded at training.
func vocabPath(checkpoint string, cfg config.Config) string {
	local := filepath.Join(filepath.Dir(checkpoint), "cache", "vocab.txt")
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return filepath.Join(cfg.SaveDir, "cache", "vocab.txt")
}
