package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/bridge"
)

var (
	bridgePort        int
	bridgeWorkspace   string
	bridgeExecTimeout int
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the in-sandbox tool server",
	Long: `Bridge runs the MCP tool server inside a sandbox. It exposes git, file,
and command execution tools over streamable HTTP, restricted to the
sandbox workspace. The provisioner launches it as the sandbox entrypoint;
it is not meant to run on the host.`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().IntVar(&bridgePort, "port", 0, "listen port (default 8700)")
	bridgeCmd.Flags().StringVar(&bridgeWorkspace, "workspace", "", "workspace root (default /workspace)")
	bridgeCmd.Flags().IntVar(&bridgeExecTimeout, "exec-timeout", 0, "default exec_run timeout in seconds")
}

func runBridge(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(bridge.Options{
		Workspace:   bridgeWorkspace,
		Port:        bridgePort,
		ExecTimeout: time.Duration(bridgeExecTimeout) * time.Second,
	})
	return srv.Run(ctx)
}
