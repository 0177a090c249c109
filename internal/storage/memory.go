package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store, used by tests and the "memory" driver.
type MemoryStore struct {
	mu            sync.RWMutex
	workspaces    map[string]Workspace
	agents        map[string]Agent
	teams         map[string]TeamConfig
	conversations map[string]Conversation
	messages      map[string][]Message
	executions    map[string]ExecutionRecord
}

var _ Store = &MemoryStore{}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    map[string]Workspace{},
		agents:        map[string]Agent{},
		teams:         map[string]TeamConfig{},
		conversations: map[string]Conversation{},
		messages:      map[string][]Message{},
		executions:    map[string]ExecutionRecord{},
	}
}

// DeployedTeam implements Store.
func (s *MemoryStore) DeployedTeam(_ context.Context, workspaceID string) (*TeamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.teams))
	for id := range s.teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tc := s.teams[id]
		if tc.Team.WorkspaceID != workspaceID || !tc.Team.Deployed {
			continue
		}
		out := cloneTeam(tc)
		for i, a := range out.Agents {
			if stored, ok := s.agents[a.ID]; ok {
				out.Agents[i] = cloneAgent(stored)
			}
		}
		return &out, nil
	}
	return nil, notFound("deployed team for workspace", workspaceID)
}

// Agent implements Store.
func (s *MemoryStore) Agent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	out := cloneAgent(a)
	return &out, nil
}

// Workspace implements Store.
func (s *MemoryStore) Workspace(_ context.Context, id string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, notFound("workspace", id)
	}
	return &ws, nil
}

// SaveWorkspace implements Store.
func (s *MemoryStore) SaveWorkspace(_ context.Context, ws Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("save workspace: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
	return nil
}

// SaveAgent implements Store.
func (s *MemoryStore) SaveAgent(_ context.Context, a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("save agent: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

// SaveTeam implements Store.
func (s *MemoryStore) SaveTeam(_ context.Context, tc TeamConfig) error {
	if tc.Team.ID == "" {
		return fmt.Errorf("save team: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc.Team.Deployed {
		for id, other := range s.teams {
			if id != tc.Team.ID && other.Team.WorkspaceID == tc.Team.WorkspaceID && other.Team.Deployed {
				other.Team.Deployed = false
				s.teams[id] = other
			}
		}
	}
	for _, a := range tc.Agents {
		s.agents[a.ID] = cloneAgent(a)
	}
	s.teams[tc.Team.ID] = cloneTeam(tc)
	return nil
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(_ context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("create conversation %q: already exists", c.ID)
	}
	s.conversations[c.ID] = c
	return nil
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	return &c, nil
}

// Messages implements Store.
func (s *MemoryStore) Messages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := slices.Clone(s.messages[conversationID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return notFound("conversation", m.ConversationID)
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

// AddConversationUsage implements Store.
func (s *MemoryStore) AddConversationUsage(_ context.Context, conversationID string, usage UsageStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return notFound("conversation", conversationID)
	}
	c.InputTokens += usage.InputTokens
	c.OutputTokens += usage.OutputTokens
	c.CostEstimate += usage.CostEstimate
	s.conversations[conversationID] = c
	return nil
}

// StartExecution implements Store.
func (s *MemoryStore) StartExecution(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.executions[rec.ExecutionID]; ok && !prev.Status.CanTransitionTo(StatusRunning) {
		return fmt.Errorf("start execution %q: %w", rec.ExecutionID, ErrTerminalExecution)
	}
	rec.Status = StatusRunning
	rec.ToolCalls = slices.Clone(rec.ToolCalls)
	s.executions[rec.ExecutionID] = rec
	return nil
}

// FinishExecution implements Store.
func (s *MemoryStore) FinishExecution(_ context.Context, rec ExecutionRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("finish execution %q: status %q is not terminal", rec.ExecutionID, rec.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.executions[rec.ExecutionID]
	if !ok {
		return notFound("execution", rec.ExecutionID)
	}
	if !prev.Status.CanTransitionTo(rec.Status) {
		return fmt.Errorf("finish execution %q: %w", rec.ExecutionID, ErrTerminalExecution)
	}
	rec.StartedAt = prev.StartedAt
	rec.ToolCalls = slices.Clone(rec.ToolCalls)
	s.executions[rec.ExecutionID] = rec
	return nil
}

// Execution implements Store.
func (s *MemoryStore) Execution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, notFound("execution", id)
	}
	return &rec, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func cloneAgent(a Agent) Agent {
	a.Rules = slices.Clone(a.Rules)
	a.Knowledge = slices.Clone(a.Knowledge)
	a.Skills = slices.Clone(a.Skills)
	a.Tools = slices.Clone(a.Tools)
	return a
}

func cloneTeam(tc TeamConfig) TeamConfig {
	agents := make([]Agent, len(tc.Agents))
	for i, a := range tc.Agents {
		agents[i] = cloneAgent(a)
	}
	tc.Agents = agents
	tc.Delegations = slices.Clone(tc.Delegations)
	tc.Knowledge = slices.Clone(tc.Knowledge)
	return tc
}
