// Package metrics holds the engine's instruments. They are recorded through
// OpenTelemetry and exposed in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dotcommander/agentrun/internal/proto"
)

const meterName = "github.com/dotcommander/agentrun"

// Attribute keys.
var (
	AttrOutcome   = attribute.Key("outcome")
	AttrStatus    = attribute.Key("status")
	AttrDirection = attribute.Key("direction")
	AttrResult    = attribute.Key("result")
)

// Metrics records engine activity. A nil *Metrics records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	chatTurns  metric.Int64Counter
	executions metric.Int64Counter
	tokens     metric.Int64Counter
	toolConns  metric.Int64Counter
	toolOpen   metric.Int64UpDownCounter
}

// New builds a meter provider exporting to its own Prometheus registry.
func New(ctx context.Context, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = "agentrun"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("metrics resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	meter := provider.Meter(meterName)
	if m.chatTurns, err = meter.Int64Counter("agentrun.chat_turns",
		metric.WithDescription("Chat turns served, by outcome.")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("agentrun.executions",
		metric.WithDescription("Scheduled executions finished, by status.")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("agentrun.tokens",
		metric.WithDescription("Model tokens consumed, by direction.")); err != nil {
		return nil, err
	}
	if m.toolConns, err = meter.Int64Counter("agentrun.tool_connections",
		metric.WithDescription("Tool connection attempts, by result.")); err != nil {
		return nil, err
	}
	if m.toolOpen, err = meter.Int64UpDownCounter("agentrun.tool_connections_open",
		metric.WithDescription("Pooled tool connections currently open.")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// MeterProvider returns the provider for HTTP instrumentation.
func (m *Metrics) MeterProvider() metric.MeterProvider {
	if m == nil {
		return nil
	}
	return m.provider
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ChatTurn counts a chat turn ending with outcome (done, error, cancelled,
// rejected).
func (m *Metrics) ChatTurn(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.chatTurns.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// Execution counts a finished scheduled execution.
func (m *Metrics) Execution(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// Tokens adds the usage to the token counters.
func (m *Metrics) Tokens(ctx context.Context, usage proto.Usage) {
	if m == nil {
		return
	}
	m.tokens.Add(ctx, usage.InputTokens, metric.WithAttributes(AttrDirection.String("input")))
	m.tokens.Add(ctx, usage.OutputTokens, metric.WithAttributes(AttrDirection.String("output")))
}

// ToolConnection counts a tool connection attempt (created, reused, failed).
func (m *Metrics) ToolConnection(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.toolConns.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// ToolConnectionsOpen moves the open connection gauge by delta.
func (m *Metrics) ToolConnectionsOpen(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.toolOpen.Add(ctx, delta)
}
