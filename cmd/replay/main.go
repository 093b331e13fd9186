package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rulesFile      string
	minConfidence  float64
	contextWindow  int
	topN           int
	withTranscript bool
	strict         bool
)

var rootCmd = &cobra.Command{
	Use:   "replay [transcript.jsonl]",
	Short: "Replay a JSONL transcript through the insight pipeline",
	Long: `Replay reads raw transcript events, one JSON object per line, applies them
to in-process sessions in file order and prints the resulting insight
snapshot of every session as JSON. With no file argument events are read
from stdin.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runReplay,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rule overrides")
	rootCmd.Flags().Float64Var(&minConfidence, "min-confidence", 0.5, "discard candidates below this confidence")
	rootCmd.Flags().IntVar(&contextWindow, "context-window", 5, "preceding fragments given to the classifier")
	rootCmd.Flags().IntVar(&topN, "top", 3, "strongest signals to list per session")
	rootCmd.Flags().BoolVar(&withTranscript, "transcript", false, "include the formatted transcript")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any event is rejected")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
