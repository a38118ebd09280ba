package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/bridge"
	"github.com/jkaninda/ngome/internal/provisioner"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "2026-06-02"
)

func init() {
	// Propagate the build-time version into the subsystems that report it.
	provisioner.Version = version
	bridge.Version = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("ngome %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
