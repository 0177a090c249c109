package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/config"
)

func newSSEToolServer(t *testing.T) string {
	t.Helper()
	srv := server.NewMCPServer("tools", "1.0.0")
	srv.AddTool(mcp.NewTool("echo", mcp.WithString("text", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("echo: " + req.GetString("text", "")), nil
		})
	srv.AddTool(mcp.NewTool("fail"),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("bad input"), nil
		})
	ts := server.NewTestServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL + "/sse"
}

func TestPooledSSEConnectionOutlivesDial(t *testing.T) {
	dialer := NewDialer(config.ToolServerConfig{Type: "sse", URL: newSSEToolServer(t)}, 5*time.Second, "test")
	pool := NewPool(dialer, PoolConfig{DialTimeout: 5 * time.Second})
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	ctx := context.Background()
	for range 2 {
		lease, err := pool.Acquire(ctx, "ws-1", []string{"echo", "fail"}, "test")
		require.NoError(t, err)
		require.Len(t, lease.Tools(), 2)

		out, err := lease.CallTool(ctx, "echo", []byte(`{"text":"hi"}`))
		require.NoError(t, err)
		require.Equal(t, "echo: hi", out)

		_, err = lease.CallTool(ctx, "fail", nil)
		require.EqualError(t, err, "bad input")
		require.NotErrorIs(t, err, ErrConnBroken)
		lease.Release()
	}
	require.Equal(t, 1, pool.Len())
}

func TestDialerList(t *testing.T) {
	dialer := NewDialer(config.ToolServerConfig{Type: "sse", URL: newSSEToolServer(t)}, time.Second, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := dialer.List(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	_, err = dialer.Dial(ctx, "ws-1", []string{"missing"})
	require.ErrorContains(t, err, "offers none of missing")
}
