// Package cmd contains the root command for the ptblm CLI.
package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/ptblm/pkg/config"
	"github.com/spf13/cobra"
)

// rootArgs is the root command arguments.
type rootArgs struct {
	verbose    bool
	configPath string
}

// RootArgs is the root command arguments.
var RootArgs rootArgs

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ptblm",
	Short: "Train and sample word-level language models on Penn Treebank",
	Long: `
Train and sample word-level language models on Penn Treebank.

Stacked vanilla RNN, GRU and transformer models are supported.
	`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if RootArgs.verbose {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig returns the config file named by --config, or the defaults.
func loadConfig() (config.Config, error) {
	if RootArgs.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(RootArgs.configPath)
}

func init() {
	rootCmd.PersistentFlags().
		BoolVarP(&RootArgs.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().
		StringVarP(&RootArgs.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.AddCommand(NewTrainCommand())
	rootCmd.AddCommand(NewGenerateCommand())
}
