package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerTools declares every bridge tool on the MCP server. Handlers
// report operation failures through error results so the transport stays
// healthy; a transport-level error is reserved for malformed requests.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	// --- Git tools ---

	mcpServer.AddTool(mcp.NewTool("git_clone",
		mcp.WithDescription("Shallow-clone a repository into the workspace"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Repository URL (https or ssh)")),
		mcp.WithString("dest", mcp.Required(), mcp.Description("Destination path, absolute or workspace-relative")),
		mcp.WithString("branch", mcp.Description("Branch to clone; default branch when omitted")),
	), s.handleGitClone)

	mcpServer.AddTool(mcp.NewTool("git_status",
		mcp.WithDescription("Show the current branch and working tree status"),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository path")),
	), s.handleGitStatus)

	mcpServer.AddTool(mcp.NewTool("git_commit",
		mcp.WithDescription("Stage all changes and commit"),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository path")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Commit message")),
	), s.handleGitCommit)

	mcpServer.AddTool(mcp.NewTool("git_push",
		mcp.WithDescription("Push the current branch to a remote"),
		mcp.WithString("repo", mcp.Required(), mcp.Description("Repository path")),
		mcp.WithString("remote", mcp.Description("Remote name; defaults to origin")),
		mcp.WithString("branch", mcp.Description("Branch to push; current branch when omitted")),
	), s.handleGitPush)

	// --- Filesystem tools ---

	mcpServer.AddTool(mcp.NewTool("fs_read",
		mcp.WithDescription("Read file contents within allowed paths"),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path, absolute or workspace-relative")),
	), s.handleFSRead)

	mcpServer.AddTool(mcp.NewTool("fs_write",
		mcp.WithDescription("Write content to a file within allowed paths"),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path, absolute or workspace-relative")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content to write")),
	), s.handleFSWrite)

	mcpServer.AddTool(mcp.NewTool("fs_list",
		mcp.WithDescription("List a directory within allowed paths"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Directory path, absolute or workspace-relative")),
	), s.handleFSList)

	mcpServer.AddTool(mcp.NewTool("fs_exists",
		mcp.WithDescription("Check whether a path exists within allowed paths"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to check")),
	), s.handleFSExists)

	mcpServer.AddTool(mcp.NewTool("fs_stat",
		mcp.WithDescription("Return file metadata as JSON"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to inspect")),
	), s.handleFSStat)

	// --- Execution ---

	mcpServer.AddTool(mcp.NewTool("exec_run",
		mcp.WithDescription("Run a shell command in the workspace"),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command line")),
		mcp.WithString("workdir", mcp.Description("Working directory; workspace root when omitted")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit; default 60")),
	), s.handleExecRun)

	// --- Introspection ---

	mcpServer.AddTool(mcp.NewTool("bridge_health",
		mcp.WithDescription("Report bridge liveness, uptime, and version"),
	), s.handleHealth)

	mcpServer.AddTool(mcp.NewTool("bridge_logs",
		mcp.WithDescription("Return recent bridge log lines"),
		mcp.WithNumber("lines", mcp.Description("Number of lines; default 100")),
	), s.handleLogs)
}

func (s *Server) handleGitClone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dest, err := req.RequireString("dest")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	branch := req.GetString("branch", "")

	out, err := s.git.Clone(ctx, url, dest, branch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(out) == "" {
		out = "cloned " + dest
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleGitStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.git.Status(ctx, repo)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleGitCommit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.git.Commit(ctx, repo, message)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleGitPush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.git.Push(ctx, repo, req.GetString("remote", ""), req.GetString("branch", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(out) == "" {
		out = "pushed"
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleFSRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := s.fs.Read(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleFSWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.fs.Write(ctx, path, content)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleFSList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.fs.List(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleFSExists(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exists, err := s.fs.Exists(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if exists {
		return mcp.NewToolResultText("true"), nil
	}
	return mcp.NewToolResultText("false"), nil
}

func (s *Server) handleFSStat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.fs.Stat(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *Server) handleExecRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second

	result, err := s.exec.Run(ctx, command, req.GetString("workdir", ""), timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	payload := map[string]any{
		"output":      result.Output,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError("encoding exec result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"workspace":      s.guard.Workspace(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError("encoding health: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleLogs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lines := req.GetInt("lines", 100)
	return mcp.NewToolResultText(strings.Join(s.ring.Last(lines), "\n")), nil
}
