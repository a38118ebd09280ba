// Ngome — ephemeral sandboxed execution environments for code agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — sandboxed execution environments for agent workloads.",
	Long: `Ngome provisions ephemeral sandboxed execution environments for external
code repositories. It analyzes a project's requirements, boots a sandbox
with its dependencies installed, and keeps retrying with targeted repairs
until the in-sandbox tool bridge answers health checks.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, provisionCmd, destroyCmd, listCmd, analyzeCmd, bridgeCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
