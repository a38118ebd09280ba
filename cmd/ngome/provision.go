package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/ngome/internal/config"
)

// Exit codes for the one-shot commands.
const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitProvisionFailed = 2
)

var (
	cliConfigPath    string
	provisionAgentID string
	provisionRepo    string
	destroyAgentID   string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a sandbox for a repository and wait until it is ready",
	Long: `Provision analyzes the repository, boots a sandbox with its dependencies
installed, and blocks until the in-sandbox bridge answers health checks or
the iteration budget is exhausted. The resulting state is printed as JSON.

Examples:
  ngome provision --agent-id agent-1 --repo https://github.com/acme/app.git
  ngome provision --agent-id agent-2 --repo /srv/checkouts/app

Exit codes:
  0  sandbox ready
  1  invalid arguments or setup failure
  2  provisioning failed (state persisted for inspection)`,
	RunE: runProvision,
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Stop a sandbox and mark its state stopped",
	RunE:  runDestroy,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sandboxes and their status",
	RunE:  runList,
}

func init() {
	for _, cmd := range []*cobra.Command{provisionCmd, destroyCmd, listCmd} {
		cmd.Flags().StringVar(&cliConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	}
	provisionCmd.Flags().StringVar(&provisionAgentID, "agent-id", "", "agent identifier (required)")
	provisionCmd.Flags().StringVar(&provisionRepo, "repo", "", "repository URL or local path (required)")
	_ = provisionCmd.MarkFlagRequired("agent-id")
	_ = provisionCmd.MarkFlagRequired("repo")

	destroyCmd.Flags().StringVar(&destroyAgentID, "agent-id", "", "agent identifier (required)")
	_ = destroyCmd.MarkFlagRequired("agent-id")
}

func runProvision(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(goutils.Env("NGOME_CONFIG", cliConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := sc.Prov.Initialize(ctx, provisionAgentID, provisionRepo)
	if state != nil {
		out, _ := json.MarshalIndent(state, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitProvisionFailed)
	}
	return nil
}

func runDestroy(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(goutils.Env("NGOME_CONFIG", cliConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sc.Prov.Destroy(ctx, destroyAgentID); err != nil {
		return fmt.Errorf("destroying %s: %w", destroyAgentID, err)
	}
	fmt.Printf("%s stopped\n", destroyAgentID)
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(goutils.Env("NGOME_CONFIG", cliConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	states, err := sc.Prov.List()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no sandboxes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tBACKEND\tPORT\tITERATIONS\tREPOSITORY")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.AgentID, s.Status, s.Backend, s.Port, s.Iterations, s.Repository)
	}
	return w.Flush()
}
