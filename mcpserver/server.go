// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sandbox executor as the execute_code tool. It uses the mark3labs/mcp-go
// library to handle the protocol details.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/sandbox"
)

// ToolName is the name of the execution tool
const ToolName = "execute_code"

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("execbox", "Sandboxed code execution")

	// Register the execute_code tool
	s.registerExecuteCodeTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	languages := slices.Sorted(maps.Keys(s.config.Languages))

	tool := mcp.Tool{
		Name:        ToolName,
		Description: "Execute code in a fresh, resource limited container and return its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"lang": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Language (configured: %s; default %s)", strings.Join(languages, ", "), s.config.Sandbox.DefaultLanguage),
				},
				"version": map[string]any{
					"type":        "string",
					"description": "Language version, e.g. 3.12 (optional)",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input for the program (optional)",
				},
				"mem_limit": map[string]any{
					"type":        "string",
					"description": "Memory limit such as 128m (optional)",
				},
				"cpu_limit": map[string]any{
					"type":        "integer",
					"description": "CPU limit (optional)",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return textResult(fmt.Sprintf("code parameter is required: %v", err), true), nil
	}

	req := sandbox.ExecuteRequest{
		Language:    request.GetString("lang", ""),
		Version:     request.GetString("version", ""),
		Code:        code,
		Stdin:       request.GetString("stdin", ""),
		MemoryLimit: request.GetString("mem_limit", ""),
		CPULimit:    request.GetInt("cpu_limit", s.config.Sandbox.DefaultCPU),
		TimeoutSec:  request.GetInt("timeout", s.config.Sandbox.DefaultTimeoutSec),
	}

	s.logger.Info("code execution requested",
		zap.String("language", req.Language),
		zap.Int("code_len", len(code)))

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.logger.Error("sandbox execution failed",
			zap.Error(err),
			zap.String("language", req.Language))
		return textResult(err.Error(), true), nil
	}

	s.logger.Info("code execution completed",
		zap.String("execution_id", result.ExecutionID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("output_len", len(result.Output)))

	return textResult(result.Output, false), nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}
}

// ServeStdio serves on the given streams until ctx is done or in reaches EOF
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server on stdio")

	err := server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ServeHTTP serves streamable HTTP on server.http_port and blocks
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if err := s.httpServer.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the streamable HTTP transport if it is the configured one
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.config.Server.Transport != config.TransportMCPHTTP {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
