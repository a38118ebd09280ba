package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/analyzer"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <path>",
	Short: "Scan a project directory and print its detected requirements",
	Long: `Analyze statically scans a project directory and prints what a sandbox
for it would need: project type, setup commands, required environment
variable names, cache volumes, and referenced skill repositories.
Nothing is executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(_ *cobra.Command, args []string) error {
	logger := newLogger()

	req, err := analyzer.New(logger).Analyze(args[0])
	if err != nil {
		return fmt.Errorf("analyzing %s: %w", args[0], err)
	}

	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
