package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Version is stamped at build time.
var Version = "dev"

// Options configures a bridge server.
type Options struct {
	Workspace    string        // Workspace root. Default: "/workspace".
	AllowedPaths []string      // Path allowlist. Default: workspace + /opt.
	Port         int           // Listen port. Default: 8700.
	RingSize     int           // Log ring capacity. Default: 1000.
	ExecTimeout  time.Duration // Default exec_run timeout. Default: 60s.
	OutputCap    int64         // Captured output cap. Default: 1 MB.
	MaxFileSize  int64         // fs_read/fs_write size limit. Default: 10 MB.
}

// Server is the in-sandbox tool server. It is stateless across requests:
// every tool invocation carries everything it needs, so the provisioner
// can retry or reconnect at any point without session recovery.
type Server struct {
	opts      Options
	guard     *PathGuard
	git       *GitOps
	fs        *FSOps
	exec      *Executor
	ring      *Ring
	logger    *slog.Logger
	version   string
	startedAt time.Time

	httpServer *server.StreamableHTTPServer
}

// NewServer wires the bridge's tools and transport. Logs go to stderr and
// to the in-memory ring served by bridge_logs.
func NewServer(opts Options) *Server {
	if opts.Workspace == "" {
		opts.Workspace = "/workspace"
	}
	if len(opts.AllowedPaths) == 0 {
		opts.AllowedPaths = []string{opts.Workspace, "/opt"}
	}
	if opts.Port <= 0 {
		opts.Port = 8700
	}

	ring := NewRing(opts.RingSize)
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stderr, ring.Writer()), nil))

	guard := NewPathGuard(opts.Workspace, opts.AllowedPaths)
	s := &Server{
		opts:      opts,
		guard:     guard,
		git:       NewGitOps(guard, logger),
		fs:        NewFSOps(guard, opts.MaxFileSize, logger),
		exec:      NewExecutor(guard, opts.ExecTimeout, opts.OutputCap, logger),
		ring:      ring,
		logger:    logger,
		version:   Version,
		startedAt: time.Now().UTC(),
	}

	mcpServer := server.NewMCPServer("ngome-bridge", Version,
		server.WithToolCapabilities(false),
	)
	s.registerTools(mcpServer)

	// Stateless streamable HTTP: no session affinity, every request is
	// self-contained.
	s.httpServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	s.logger.Info("bridge server starting",
		slog.String("addr", addr),
		slog.String("workspace", s.guard.Workspace()),
		slog.String("version", s.version),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("bridge shutdown: %w", err)
		}
		s.logger.Info("bridge server stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bridge server: %w", err)
		}
		return nil
	}
}
