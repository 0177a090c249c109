package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/stream"
)

// WorkspaceHeader carries the workspace id to http tool servers.
const WorkspaceHeader = "X-Workspace-ID"

// WorkspaceEnv carries the workspace id to stdio tool servers.
const WorkspaceEnv = "WORKSPACE_ID"

// MCPDialer connects to the configured tool server with mcp-go.
type MCPDialer struct {
	server      config.ToolServerConfig
	callTimeout time.Duration
	version     string
}

// NewDialer returns a dialer for the tool server. callTimeout bounds every
// tool call; zero means no bound beyond the caller's context.
func NewDialer(server config.ToolServerConfig, callTimeout time.Duration, version string) *MCPDialer {
	return &MCPDialer{server: server, callTimeout: callTimeout, version: version}
}

// Dial implements Dialer. The connection only exposes the requested tools.
func (d *MCPDialer) Dial(ctx context.Context, workspaceID string, tools []string) (Conn, error) {
	cli, stop, err := d.initClient(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	conn := &mcpConn{cli: cli, stop: stop, callTimeout: d.callTimeout}
	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		conn.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("list tools: %w", err)
	}
	for _, tool := range listed.Tools {
		if slices.Contains(tools, tool.Name) {
			conn.tools = append(conn.tools, toStreamTool(tool))
		}
	}
	if len(conn.tools) == 0 {
		conn.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("tool server offers none of %s", strings.Join(tools, ", "))
	}
	return conn, nil
}

// List returns every tool the server offers the workspace.
func (d *MCPDialer) List(ctx context.Context, workspaceID string) ([]stream.Tool, error) {
	cli, stop, err := d.initClient(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defer stop()
	defer cli.Close() //nolint:errcheck

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]stream.Tool, 0, len(listed.Tools))
	for _, tool := range listed.Tools {
		tools = append(tools, toStreamTool(tool))
	}
	return tools, nil
}

// initClient starts and initializes a client. The transport runs on a context
// detached from ctx, since the sse stream lives as long as the client; ctx
// only bounds the handshake. stop ends the transport context.
func (d *MCPDialer) initClient(ctx context.Context, workspaceID string) (*client.Client, context.CancelFunc, error) {
	var cli *client.Client
	var err error

	headers := maps.Clone(d.server.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	headers[WorkspaceHeader] = workspaceID

	switch d.server.Type {
	case "", "stdio":
		env := append(os.Environ(), d.server.Env...)
		env = append(env, WorkspaceEnv+"="+workspaceID)
		cli, err = client.NewStdioMCPClient(d.server.Command, env, d.server.Args...)
	case "sse":
		cli, err = client.NewSSEMCPClient(d.server.URL, transport.WithHeaders(headers))
	case "http":
		cli, err = client.NewStreamableHttpClient(d.server.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, nil, fmt.Errorf("unsupported tool server type: %q, supported types are: stdio, sse, http", d.server.Type)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create MCP client: %w", err)
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	if err := cli.Start(runCtx); err != nil {
		cli.Close() //nolint:errcheck,gosec
		stop()
		return nil, nil, fmt.Errorf("failed to start MCP client: %w", err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "agentrun", Version: d.version}
	if _, err := cli.Initialize(ctx, init); err != nil {
		cli.Close() //nolint:errcheck,gosec
		stop()
		return nil, nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	return cli, stop, nil
}

func toStreamTool(tool mcp.Tool) stream.Tool {
	return stream.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		Properties:  tool.InputSchema.Properties,
		Required:    tool.InputSchema.Required,
	}
}

type mcpConn struct {
	cli         *client.Client
	stop        context.CancelFunc
	tools       []stream.Tool
	callTimeout time.Duration
}

func (c *mcpConn) Tools() []stream.Tool { return c.tools }

func (c *mcpConn) Close() error {
	defer c.stop()
	return c.cli.Close()
}

// CallTool executes a tool call and joins its text content. Failures that
// are not the caller's cancellation are reported as ErrConnBroken.
func (c *mcpConn) CallTool(ctx context.Context, name string, data []byte) (string, error) {
	parent := ctx
	if !slices.ContainsFunc(c.tools, func(t stream.Tool) bool { return t.Name == name }) {
		return "", fmt.Errorf("mcp: tool %q is not enabled for this agent", name)
	}
	args, err := decodeArgs(data)
	if err != nil {
		return "", err
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	result, err := c.cli.CallTool(ctx, request)
	if err != nil {
		if parent.Err() != nil {
			return "", fmt.Errorf("mcp: %w", err)
		}
		return "", fmt.Errorf("mcp: %w: %w", ErrConnBroken, err)
	}
	return resultText(result)
}

func decodeArgs(data []byte) (map[string]any, error) {
	var args map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("mcp: %w: %s", err, string(data))
		}
	}
	return args, nil
}

func resultText(result *mcp.CallToolResult) (string, error) {
	var sb strings.Builder
	for _, content := range result.Content {
		switch content := content.(type) {
		case mcp.TextContent:
			sb.WriteString(content.Text)
		default:
			sb.WriteString("[Non-text content]")
		}
	}
	if result.IsError {
		return "", errors.New(sb.String())
	}
	return sb.String(), nil
}
