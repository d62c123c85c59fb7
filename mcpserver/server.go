package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/sandbox"
)

const (
	serverName    = "coderun"
	serverVersion = "1.0.0"

	// ToolRunCode is the name of the code execution tool.
	ToolRunCode = "run_code"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  sandbox.Executor
	mcpServer *server.MCPServer

	cancelStdio context.CancelFunc
	httpServer  *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) *MCPServer {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerRunCodeTool()

	return s
}

func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.NewTool(ToolRunCode,
		mcp.WithDescription("Run a Python snippet in an isolated sandbox and return its output"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source code, passed to the interpreter with -c"),
		),
	)

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// handleRunCode answers with the same body the REST endpoint returns on
// success, or an error result carrying the reply detail.
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(sandbox.DetailInvalidInput), nil
	}

	res, err := s.executor.Execute(ctx, sandbox.ExecutionRequest{Code: code})
	reply := sandbox.Translate(res, err)

	if reply.Status != sandbox.ReplyOK {
		return mcp.NewToolResultError(reply.Detail), nil
	}

	body, err := json.Marshal(reply.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return mcp.NewToolResultText(string(body)), nil
}

// Start serves the configured transport in the background. With transport
// "none" it does nothing.
func (s *MCPServer) Start(_ context.Context) error {
	switch s.config.MCP.Transport {
	case config.TransportNone, "":
		return nil
	case config.TransportStdio:
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelStdio = cancel
		go func() {
			if err := s.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
				s.logger.Error("MCP stdio server stopped", zap.Error(err))
			}
		}()
		return nil
	case config.TransportHTTP:
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
		addr := fmt.Sprintf(":%d", s.config.MCP.HTTPPort)
		s.logger.Info("starting MCP server on HTTP", zap.String("addr", addr))
		go func() {
			if err := s.httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("MCP HTTP server stopped", zap.Error(err))
			}
		}()
		return nil
	default:
		return fmt.Errorf("unsupported mcp.transport: %s", s.config.MCP.Transport)
	}
}

// Stop shuts down whichever transport Start launched.
func (s *MCPServer) Stop(ctx context.Context) error {
	if s.cancelStdio != nil {
		s.cancelStdio()
	}
	if s.httpServer != nil {
		s.logger.Info("stopping MCP HTTP server")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// ServeStdio serves MCP over the given streams until ctx is cancelled or
// the input closes.
func (s *MCPServer) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.Info("starting MCP server on stdio")
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, stdin, stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
