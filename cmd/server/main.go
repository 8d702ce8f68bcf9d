package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "finpipe",
	Short: "Answer personal-finance questions through a five-stage pipeline",
	Long: `finpipe classifies a finance question, gathers reference and live data,
reasons over it, writes an answer in Spanish and renders a chart.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "YAML config file (environment overrides apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
