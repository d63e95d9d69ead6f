// Package peer reaches relay handlers hosted on remote MCP servers. A remote
// handler is an MCP tool taking "text" and "content_type" arguments.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/logger"
	"github.com/comigor/relay-go/internal/relay"
)

// Tool argument names shared with the MCP server side.
const (
	ArgText        = "text"
	ArgContentType = "content_type"
)

// ErrToolFailed is returned when the remote tool reports IsError.
var ErrToolFailed = errors.New("remote tool reported an error")

// MCPClient defines the methods a Remote expects from an MCP client.
type MCPClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Remote is a relay.Handler backed by a tool on an MCP server.
type Remote struct {
	name   string
	tool   string
	client MCPClient
}

// Ensure Remote implements relay.Handler
var _ relay.Handler = (*Remote)(nil)

// NewRemote wraps an already initialized client. tool defaults to name.
func NewRemote(name, tool string, c MCPClient) *Remote {
	if tool == "" {
		tool = name
	}
	return &Remote{name: name, tool: tool, client: c}
}

func (r *Remote) Name() string { return r.name }

// Handle calls the remote tool and returns its first text content as a plain
// text response.
func (r *Remote) Handle(ctx context.Context, req relay.Request) (relay.Response, error) {
	args := map[string]any{}
	if req.Text != nil {
		args[ArgText] = *req.Text
	}
	if req.ContentType != "" {
		args[ArgContentType] = req.ContentType
	}

	logger.L.Debug("calling remote peer", "peer", r.name, "tool", r.tool)
	result, err := r.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: r.tool, Arguments: args},
	})
	if err != nil {
		return relay.Response{}, fmt.Errorf("call tool %s: %w", r.tool, err)
	}
	if result == nil {
		return relay.Response{}, fmt.Errorf("call tool %s: empty result", r.tool)
	}

	text, ok := firstText(result)
	if result.IsError {
		if !ok {
			text = "no error text"
		}
		return relay.Response{}, fmt.Errorf("%w: %s: %s", ErrToolFailed, r.tool, text)
	}
	if !ok {
		b, err := json.Marshal(result.Content)
		if err != nil {
			return relay.Response{}, fmt.Errorf("call tool %s: format result: %w", r.tool, err)
		}
		text = string(b)
	}
	return relay.Response{Text: text}, nil
}

func (r *Remote) Close() error { return r.client.Close() }

func firstText(result *mcp.CallToolResult) (string, bool) {
	for _, item := range result.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			return tc.Text, true
		}
	}
	return "", false
}

// Dial connects to the MCP server described by cfg and returns the Remote
// serving cfg.Tool.
func Dial(ctx context.Context, cfg config.PeerConfig, clientVersion string) (*Remote, error) {
	var mcpC *client.Client
	var err error

	switch cfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(cfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(cfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(cfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(cfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range cfg.Env {
			// viper lowercases map keys
			env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
		}
		mcpC, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	default:
		return nil, fmt.Errorf("peer %s: unsupported MCP client type %q", cfg.Name, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("peer %s: create MCP client: %w", cfg.Name, err)
	}

	// stdio clients are started on creation
	if cfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			closeQuietly(mcpC)
			return nil, fmt.Errorf("peer %s: start MCP transport: %w", cfg.Name, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "relay", Version: clientVersion}
	if _, err := mcpC.Initialize(ctx, initReq); err != nil {
		closeQuietly(mcpC)
		return nil, fmt.Errorf("peer %s: initialize MCP client: %w", cfg.Name, err)
	}
	logger.L.Info("remote peer initialized", "peer", cfg.Name, "type", cfg.Type)

	return NewRemote(cfg.Name, cfg.Tool, mcpC), nil
}

func closeQuietly(c MCPClient) {
	if err := c.Close(); err != nil {
		logger.L.Warn("MCP client close error", "error", err)
	}
}
