// Package mcp adapts Model Context Protocol servers to tools.Backend.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/tools"
)

const protocolVersion = "2025-06-18"

// Transport kinds accepted in ServerConfig.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServerConfig describes an external MCP server.
type ServerConfig struct {
	Name      string            `toml:"name" json:"name"`
	Transport string            `toml:"transport" json:"transport"`
	Command   string            `toml:"command" json:"command,omitempty"`
	Args      []string          `toml:"args" json:"args,omitempty"`
	Env       map[string]string `toml:"env" json:"env,omitempty"`
	URL       string            `toml:"url" json:"url,omitempty"`
	Headers   map[string]string `toml:"headers" json:"headers,omitempty"`
	// Timeout overrides the dispatcher's default per-call timeout.
	Timeout time.Duration `toml:"timeout" json:"timeout,omitempty"`
}

// Backend is a connected MCP client.
type Backend struct {
	name    string
	timeout time.Duration
	client  *client.Client
}

var _ tools.Backend = (*Backend)(nil)

// Dial starts (or connects to) the server described by cfg and performs the
// MCP handshake.
func Dial(ctx context.Context, cfg ServerConfig) (*Backend, error) {
	b := &Backend{name: cfg.Name, timeout: cfg.Timeout}

	var (
		c   *client.Client
		err error
	)
	switch cfg.Transport {
	case "", TransportStdio:
		c, err = client.NewStdioMCPClient(cfg.Command, environ(cfg.Env), cfg.Args...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err = client.NewSSEMCPClient(cfg.URL, opts...)
		if err == nil {
			err = c.Start(ctx)
		}
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("unknown MCP transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s: %w", cfg.Name, err)
	}
	b.client = c

	if err := b.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

// InProcess connects to an MCP server running in this process.
func InProcess(ctx context.Context, name string, srv *server.MCPServer) (*Backend, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("creating in-process client %s: %w", name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting in-process client %s: %w", name, err)
	}
	b := &Backend{name: name, client: c}
	if err := b.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) initialize(ctx context.Context) error {
	req := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "godagent",
				Version: "1.0.0",
			},
		},
	}
	res, err := b.client.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initializing MCP server %s: %w", b.name, err)
	}
	slog.Debug("MCP server initialized", "backend", b.name, "server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return nil
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Timeout() time.Duration { return b.timeout }

func (b *Backend) ListTools(ctx context.Context) ([]domain.ToolSpec, error) {
	res, err := b.client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	specs := make([]domain.ToolSpec, 0, len(res.Tools))
	for _, t := range res.Tools {
		params, err := inputSchema(t)
		if err != nil {
			slog.Warn("Skipping MCP tool with unreadable schema", "backend", b.name, "tool", t.Name, "error", err)
			continue
		}
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return specs, nil
}

// Invoke calls the tool and returns its text content. A result flagged as
// an error by the server is returned as a Go error.
func (b *Backend) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	res, err := b.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, err
	}
	text := ResultText(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	return text, nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

// ResultText joins the text content of a tool result.
func ResultText(res *mcptypes.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcptypes.TextContent:
			parts = append(parts, tc.Text)
		case *mcptypes.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func inputSchema(t mcptypes.Tool) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded.InputSchema, nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
