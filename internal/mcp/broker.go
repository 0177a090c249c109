package mcp

import (
	"context"
	"io"

	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/storage"
)

// Broker hands agents their tools. Connection failures degrade to no tools.
type Broker struct {
	pool   *Pool
	logger *log.Logger
}

// NewBroker returns a broker over pool. A nil pool serves no tools.
func NewBroker(pool *Pool, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Broker{pool: pool, logger: logger}
}

// Tools leases a connection exposing the agent's enabled tools for the
// workspace. It returns nil when the agent has no enabled tools, the
// workspace is unknown, or the connection fails. Callers release the lease.
func (b *Broker) Tools(ctx context.Context, agent storage.Agent, workspaceID, caller string) *Lease {
	names := agent.EnabledToolNames()
	if b == nil || b.pool == nil || len(names) == 0 || workspaceID == "" {
		return nil
	}
	lease, err := b.pool.Acquire(ctx, workspaceID, names, caller)
	if err != nil {
		b.logger.Warn("tools unavailable, continuing without them",
			"workspace", workspaceID, "agent", agent.ID, "tools", names, "caller", caller, "err", err)
		return nil
	}
	return lease
}
