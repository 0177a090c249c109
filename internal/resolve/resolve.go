// Package resolve picks the acting agent of a request from the workspace's
// deployed team or a single stored agent.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/storage"
)

var (
	// ErrNoAgentConfigured is returned when the workspace has no deployed
	// team and the request names no agent.
	ErrNoAgentConfigured = errs.New(errs.KindConfiguration, "No agent or team configured for this workspace")
	// ErrNoHeadAgent is returned when a team has no enabled head agent.
	ErrNoHeadAgent = errs.New(errs.KindConfiguration, "No head agent configured for team")
	// ErrAgentNotFound is returned when the requested agent is absent or
	// disabled.
	ErrAgentNotFound = errs.New(errs.KindNotFound, "Agent not found")
)

// Store is the subset of storage.Store the resolver reads.
type Store interface {
	DeployedTeam(ctx context.Context, workspaceID string) (*storage.TeamConfig, error)
	Agent(ctx context.Context, id string) (*storage.Agent, error)
}

// Resolution is the outcome of a resolve: the acting agent, with disabled
// skills and tools removed, and the team it belongs to, if any.
type Resolution struct {
	Agent storage.Agent
	Team  *storage.TeamConfig
}

// Resolver loads agent configurations. It holds no state of its own.
type Resolver struct {
	store Store
}

// New returns a Resolver reading from store.
func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve picks the acting agent for a request. The deployed team is always
// consulted first, so team membership wins over a bare agent lookup.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, agentID string) (Resolution, error) {
	team, err := r.store.DeployedTeam(ctx, workspaceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		team = nil
	case err != nil:
		return Resolution{}, errs.As(errs.KindPersistence, err, "Could not load team configuration")
	}

	if team != nil {
		if agentID != "" {
			a, ok := team.AgentByID(agentID)
			if !ok || !a.Enabled {
				return Resolution{}, ErrAgentNotFound
			}
			return Resolution{Agent: a.EnabledOnly(), Team: team}, nil
		}
		head, ok := team.HeadAgent()
		if !ok {
			return Resolution{}, ErrNoHeadAgent
		}
		return Resolution{Agent: head.EnabledOnly(), Team: team}, nil
	}

	if agentID == "" {
		return Resolution{}, ErrNoAgentConfigured
	}
	a, err := r.store.Agent(ctx, agentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Resolution{}, ErrAgentNotFound
	case err != nil:
		return Resolution{}, errs.As(errs.KindPersistence, err, "Could not load agent")
	}
	if !a.Enabled || (a.WorkspaceID != "" && workspaceID != "" && a.WorkspaceID != workspaceID) {
		return Resolution{}, ErrAgentNotFound
	}
	return Resolution{Agent: a.EnabledOnly()}, nil
}

// LoadEnabledAgent loads an agent by id for a scheduled run. A disabled agent
// is reported as not found; any other storage error is surfaced verbatim as
// a not found error.
func (r *Resolver) LoadEnabledAgent(ctx context.Context, agentID string) (storage.Agent, error) {
	a, err := r.store.Agent(ctx, agentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.Agent{}, ErrAgentNotFound
	case err != nil:
		msg := err.Error()
		if msg == "" {
			return storage.Agent{}, ErrAgentNotFound
		}
		return storage.Agent{}, errs.As(errs.KindNotFound, err, msg)
	case a == nil || !a.Enabled:
		return storage.Agent{}, ErrAgentNotFound
	}
	return a.EnabledOnly(), nil
}

// String describes a resolution for logs.
func (r Resolution) String() string {
	if r.Team != nil {
		return fmt.Sprintf("agent %s of team %s", r.Agent.Slug, r.Team.Team.Name)
	}
	return "agent " + r.Agent.Slug
}
