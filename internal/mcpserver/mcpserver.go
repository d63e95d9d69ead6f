// Package mcpserver exposes registered relay handlers as MCP tools over stdio.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/peer"
	"github.com/comigor/relay-go/internal/relay"
)

// New builds an MCP server with one tool per handler in reg.
func New(reg *relay.Registry, version string) (*server.MCPServer, error) {
	s := server.NewMCPServer("relay", version, server.WithToolCapabilities(false))
	for _, name := range reg.Names() {
		h, err := reg.Resolve(name)
		if err != nil {
			return nil, err
		}
		s.AddTool(newTool(name), ToolHandler(name, h))
		logger.L.Info("registered handler as MCP tool", "tool", name)
	}
	return s, nil
}

// Serve runs the MCP server on stdin/stdout until the input closes.
func Serve(reg *relay.Registry, version string) error {
	s, err := New(reg, version)
	if err != nil {
		return err
	}
	return server.ServeStdio(s)
}

func newTool(name string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(fmt.Sprintf("Runs the %s relay handler on the given text.", name)),
		mcp.WithString(peer.ArgText, mcp.Description("Input text. The handler's default prompt is used when omitted.")),
		mcp.WithString(peer.ArgContentType, mcp.Description("Content type of the input text.")),
	)
}

// ToolHandler adapts h to an MCP tool. Relay failures are reported as tool
// errors, not protocol errors.
func ToolHandler(name string, h relay.Handler) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := relay.Request{ContentType: relay.ContentTypeText}
		args := request.GetArguments()
		if v, ok := args[peer.ArgText].(string); ok {
			req.Text = &v
		}
		if v, ok := args[peer.ArgContentType].(string); ok && v != "" {
			req.ContentType = v
		}

		resp, err := h.Handle(ctx, req)
		if err != nil {
			logger.L.Error("MCP tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := resp.Body()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode response: %v", err)), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
