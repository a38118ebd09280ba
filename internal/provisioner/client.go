package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/ngome/internal/observability"
)

// BridgeClient is a typed wrapper over one sandbox bridge's tool surface.
// The bridge publishes only from the sandbox loopback, so the client always
// dials 127.0.0.1 at the instance's host port.
type BridgeClient struct {
	client  *mcpclient.Client
	url     string
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// HealthInfo is the decoded bridge_health payload.
type HealthInfo struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspace     string `json:"workspace"`
}

// ExecOutput is the decoded exec_run payload.
type ExecOutput struct {
	Output     string `json:"output"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// FileInfo is the decoded fs_stat payload.
type FileInfo struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Mode     string `json:"mode"`
	Modified string `json:"modified"`
	IsDir    bool   `json:"is_dir"`
}

// NewBridgeClient creates a client for the bridge published on hostPort.
// Connect must be called before any tool method.
func NewBridgeClient(hostPort int, metrics *observability.MetricsCollector, logger *slog.Logger) (*BridgeClient, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/mcp", hostPort)
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("creating bridge client for %s: %w", url, err)
	}
	return &BridgeClient{
		client:  c,
		url:     url,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Connect performs the initialization handshake with the bridge.
func (b *BridgeClient) Connect(ctx context.Context) error {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ngome",
		Version: Version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := b.client.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("bridge initialize at %s: %w", b.url, err)
	}
	return nil
}

// Close releases the underlying transport.
func (b *BridgeClient) Close() error {
	return b.client.Close()
}

// call invokes one bridge tool and returns the joined text content.
// Tool-level failures arrive as IsError results and are converted to errors.
func (b *BridgeClient) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = tool
	callReq.Params.Arguments = args

	start := time.Now()
	callResult, err := b.client.CallTool(ctx, callReq)
	elapsed := time.Since(start)

	status := "success"
	if err != nil || (callResult != nil && callResult.IsError) {
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.BridgeCallsTotal.WithLabelValues(tool, status).Inc()
		b.metrics.BridgeCallDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}

	if err != nil {
		return "", fmt.Errorf("bridge call %s: %w", tool, err)
	}

	text := joinTextContent(callResult.Content)
	if callResult.IsError {
		return "", fmt.Errorf("bridge tool %s failed: %s", tool, text)
	}
	return text, nil
}

// joinTextContent converts tool result content items to a single string.
func joinTextContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// Health checks the bridge's liveness tool.
func (b *BridgeClient) Health(ctx context.Context) (*HealthInfo, error) {
	out, err := b.call(ctx, "bridge_health", map[string]any{})
	if err != nil {
		return nil, err
	}
	var info HealthInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("decoding bridge health: %w", err)
	}
	if info.Status != "ok" {
		return &info, fmt.Errorf("bridge reports status %q", info.Status)
	}
	return &info, nil
}

// Logs returns the last n lines of the bridge's in-memory log ring.
func (b *BridgeClient) Logs(ctx context.Context, lines int) (string, error) {
	args := map[string]any{}
	if lines > 0 {
		args["lines"] = lines
	}
	return b.call(ctx, "bridge_logs", args)
}

// Exec runs a shell command inside the sandbox.
func (b *BridgeClient) Exec(ctx context.Context, command, workdir string, timeout time.Duration) (*ExecOutput, error) {
	args := map[string]any{"command": command}
	if workdir != "" {
		args["workdir"] = workdir
	}
	if timeout > 0 {
		args["timeout_seconds"] = int(timeout.Seconds())
	}
	out, err := b.call(ctx, "exec_run", args)
	if err != nil {
		return nil, err
	}
	var result ExecOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return nil, fmt.Errorf("decoding exec result: %w", err)
	}
	return &result, nil
}

// ReadFile returns the content of a file inside the sandbox.
func (b *BridgeClient) ReadFile(ctx context.Context, path string) (string, error) {
	return b.call(ctx, "fs_read", map[string]any{"path": path})
}

// WriteFile writes content to a file inside the sandbox.
func (b *BridgeClient) WriteFile(ctx context.Context, path, content string) error {
	_, err := b.call(ctx, "fs_write", map[string]any{"path": path, "content": content})
	return err
}

// ListDir lists a directory inside the sandbox.
func (b *BridgeClient) ListDir(ctx context.Context, path string) (string, error) {
	return b.call(ctx, "fs_list", map[string]any{"path": path})
}

// FileExists reports whether a path exists inside the sandbox.
func (b *BridgeClient) FileExists(ctx context.Context, path string) (bool, error) {
	out, err := b.call(ctx, "fs_exists", map[string]any{"path": path})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// Stat returns metadata for a path inside the sandbox.
func (b *BridgeClient) Stat(ctx context.Context, path string) (*FileInfo, error) {
	out, err := b.call(ctx, "fs_stat", map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	var info FileInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("decoding stat result: %w", err)
	}
	return &info, nil
}

// GitClone clones a repository inside the sandbox.
func (b *BridgeClient) GitClone(ctx context.Context, url, dest, branch string) (string, error) {
	args := map[string]any{"url": url, "dest": dest}
	if branch != "" {
		args["branch"] = branch
	}
	return b.call(ctx, "git_clone", args)
}

// GitStatus reports the working-tree status of a repository inside the sandbox.
func (b *BridgeClient) GitStatus(ctx context.Context, repo string) (string, error) {
	return b.call(ctx, "git_status", map[string]any{"repo": repo})
}

// GitCommit stages all changes and commits them inside the sandbox.
func (b *BridgeClient) GitCommit(ctx context.Context, repo, message string) (string, error) {
	return b.call(ctx, "git_commit", map[string]any{"repo": repo, "message": message})
}

// GitPush pushes committed work from inside the sandbox.
func (b *BridgeClient) GitPush(ctx context.Context, repo, remote, branch string) (string, error) {
	args := map[string]any{"repo": repo}
	if remote != "" {
		args["remote"] = remote
	}
	if branch != "" {
		args["branch"] = branch
	}
	return b.call(ctx, "git_push", args)
}
