// Package storage holds the agent/team data model and the relational store
// the execution engine reads configurations from and records results in.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a looked up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalExecution is returned when a write would move an execution
	// out of a terminal status.
	ErrTerminalExecution = errors.New("execution already finished")
)

// Store is the persistence boundary of the engine.
type Store interface {
	// DeployedTeam returns the team deployed for the workspace, or ErrNotFound.
	DeployedTeam(ctx context.Context, workspaceID string) (*TeamConfig, error)
	// Agent returns an agent with all its relations, enabled or not.
	Agent(ctx context.Context, id string) (*Agent, error)
	Workspace(ctx context.Context, id string) (*Workspace, error)

	SaveWorkspace(ctx context.Context, ws Workspace) error
	SaveAgent(ctx context.Context, agent Agent) error
	// SaveTeam stores the team, its agents and relations. A deployed team
	// replaces any other deployed team of the same workspace.
	SaveTeam(ctx context.Context, tc TeamConfig) error

	CreateConversation(ctx context.Context, c Conversation) error
	Conversation(ctx context.Context, id string) (*Conversation, error)
	// Messages returns the conversation messages ordered by creation time.
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	AppendMessage(ctx context.Context, m Message) error
	AddConversationUsage(ctx context.Context, conversationID string, usage UsageStats) error

	// StartExecution writes the record in running status, inserting it or
	// updating a non-terminal row with the same id.
	StartExecution(ctx context.Context, rec ExecutionRecord) error
	// FinishExecution moves a running record to rec.Status, which must be
	// terminal.
	FinishExecution(ctx context.Context, rec ExecutionRecord) error
	Execution(ctx context.Context, id string) (*ExecutionRecord, error)

	Close() error
}

// Open opens a store for the given driver. Supported drivers are "memory",
// "sqlite" and "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q, supported drivers are: memory, sqlite, postgres", driver)
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
}
