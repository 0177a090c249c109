package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/proto"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, "test")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Shutdown(ctx)) })

	m.ChatTurn(ctx, "done")
	m.Execution(ctx, "completed")
	m.Tokens(ctx, proto.Usage{InputTokens: 100, OutputTokens: 50})
	m.ToolConnection(ctx, "created")
	m.ToolConnectionsOpen(ctx, 1)

	body := scrape(t, m)
	require.Contains(t, body, "agentrun_chat_turns_total")
	require.Contains(t, body, `outcome="done"`)
	require.Contains(t, body, "agentrun_executions_total")
	require.Contains(t, body, "agentrun_tokens_total")
	require.Contains(t, body, `direction="input"`)
	require.Contains(t, body, "agentrun_tool_connections_total")
	require.Contains(t, body, "agentrun_tool_connections_open")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ChatTurn(ctx, "done")
	m.Tokens(ctx, proto.Usage{})
	m.ToolConnectionsOpen(ctx, 1)
	require.NoError(t, m.Shutdown(ctx))
	require.Nil(t, m.MeterProvider())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
