// Package config loads the YAML run configuration shared by the train and
// generate commands.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration value is out of range.
var ErrInvalid = errors.New("invalid config")

// Model architectures.
const (
	ModelRNN         = "RNN"
	ModelGRU         = "GRU"
	ModelTransformer = "TRANSFORMER"
)

// Optimizers.
const (
	OptimizerSGD         = "SGD"
	OptimizerSGDSchedule = "SGD_LR_SCHEDULE"
	OptimizerAdam        = "ADAM"
)

// Config is a full training run.
type Config struct {
	DataDir string `yaml:"data"`
	SaveDir string `yaml:"save_dir"`
	Model   string `yaml:"model"`

	EmbSize         int     `yaml:"emb_size"`
	HiddenSize      int     `yaml:"hidden_size"`
	SeqLen          int     `yaml:"seq_len"`
	BatchSize       int     `yaml:"batch_size"`
	NumLayers       int     `yaml:"num_layers"`
	DropoutKeepProb float32 `yaml:"dp_keep_prob"`

	// NumHeads, FeedForwardSize and MaxLen apply to the transformer only.
	NumHeads        int `yaml:"num_heads"`
	FeedForwardSize int `yaml:"ff_size"`
	MaxLen          int `yaml:"max_len"`

	Optimizer   string  `yaml:"optimizer"`
	InitialLR   float32 `yaml:"initial_lr"`
	WeightDecay float32 `yaml:"weight_decay"`
	Clip        float64 `yaml:"clip"`
	NumEpochs   int     `yaml:"num_epochs"`
	Seed        int64   `yaml:"seed"`
}

// Default returns the configuration used when no file or flag overrides a value.
func Default() Config {
	return Config{
		DataDir:         "data",
		SaveDir:         "output",
		Model:           ModelRNN,
		EmbSize:         200,
		HiddenSize:      200,
		SeqLen:          35,
		BatchSize:       20,
		NumLayers:       2,
		DropoutKeepProb: 0.35,
		NumHeads:        16,
		FeedForwardSize: 2048,
		MaxLen:          5000,
		Optimizer:       OptimizerSGDSchedule,
		InitialLR:       20,
		Clip:            0.25,
		NumEpochs:       40,
		Seed:            1111,
	}
}

// Load reads path and overlays it on Default. Keys missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Validate checks the values a run needs.
func (c Config) Validate() error {
	switch c.Model {
	case ModelRNN, ModelGRU, ModelTransformer:
	default:
		return fmt.Errorf("%w: unknown model %q", ErrInvalid, c.Model)
	}
	switch c.Optimizer {
	case OptimizerSGD, OptimizerSGDSchedule, OptimizerAdam:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalid, c.Optimizer)
	}
	for name, v := range map[string]int{
		"emb_size":    c.EmbSize,
		"hidden_size": c.HiddenSize,
		"seq_len":     c.SeqLen,
		"batch_size":  c.BatchSize,
		"num_layers":  c.NumLayers,
		"num_epochs":  c.NumEpochs,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, v)
		}
	}
	if c.DropoutKeepProb <= 0 || c.DropoutKeepProb > 1 {
		return fmt.Errorf("%w: dp_keep_prob must be in (0, 1], got %v", ErrInvalid, c.DropoutKeepProb)
	}
	if c.InitialLR <= 0 {
		return fmt.Errorf("%w: initial_lr must be positive, got %v", ErrInvalid, c.InitialLR)
	}
	if c.Model == ModelTransformer {
		if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
			return fmt.Errorf("%w: hidden_size %d must be divisible by num_heads %d", ErrInvalid, c.HiddenSize, c.NumHeads)
		}
		if c.FeedForwardSize <= 0 || c.MaxLen < c.SeqLen {
			return fmt.Errorf("%w: ff_size %d and max_len %d must cover seq_len %d", ErrInvalid, c.FeedForwardSize, c.MaxLen, c.SeqLen)
		}
	}
	return nil
}
