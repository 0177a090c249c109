package storage

import (
	"fmt"
	"slices"
	"time"
)

// RuleKind is the closed set of rule variants an agent can carry.
type RuleKind string

// Rule kinds.
const (
	RuleInstruction RuleKind = "instruction"
	RuleAlways      RuleKind = "always"
	RuleNever       RuleKind = "never"
)

// ParseRuleKind validates a rule kind. The empty string is an instruction.
func ParseRuleKind(s string) (RuleKind, error) {
	switch RuleKind(s) {
	case "", RuleInstruction:
		return RuleInstruction, nil
	case RuleAlways, RuleNever:
		return RuleKind(s), nil
	default:
		return "", fmt.Errorf("unknown rule type %q", s)
	}
}

// Rule is a behavioural directive merged into the prompt by priority.
type Rule struct {
	ID       string   `json:"id" yaml:"id"`
	Kind     RuleKind `json:"type" yaml:"type"`
	Content  string   `json:"content" yaml:"content"`
	Priority int      `json:"priority" yaml:"priority"`
}

// KnowledgeEntry is reference material injected verbatim.
type KnowledgeEntry struct {
	Category string `json:"category" yaml:"category"`
	Name     string `json:"name" yaml:"name"`
	Content  string `json:"content" yaml:"content"`
}

// Skill is procedural how-to text injected verbatim.
type Skill struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
	Enabled bool   `json:"isEnabled" yaml:"enabled"`
}

// ToolRef names a tool an agent may call.
type ToolRef struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Enabled     bool   `json:"isEnabled" yaml:"enabled"`
}

// Agent is a stored agent configuration.
type Agent struct {
	ID           string           `json:"id"`
	WorkspaceID  string           `json:"workspaceId"`
	Slug         string           `json:"slug"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Enabled      bool             `json:"isEnabled"`
	SystemPrompt string           `json:"systemPrompt"`
	Model        string           `json:"model"`
	Provider     string           `json:"provider"`
	Rules        []Rule           `json:"rules"`
	Knowledge    []KnowledgeEntry `json:"knowledge"`
	Skills       []Skill          `json:"skills"`
	Tools        []ToolRef        `json:"tools"`
}

// EnabledToolNames returns the names of enabled tools, in declaration order.
func (a Agent) EnabledToolNames() []string {
	var names []string
	for _, t := range a.Tools {
		if t.Enabled && t.Name != "" && !slices.Contains(names, t.Name) {
			names = append(names, t.Name)
		}
	}
	return names
}

// EnabledOnly returns a copy of a with disabled skills and tools removed.
func (a Agent) EnabledOnly() Agent {
	out := a
	out.Skills = nil
	for _, s := range a.Skills {
		if s.Enabled {
			out.Skills = append(out.Skills, s)
		}
	}
	out.Tools = nil
	for _, t := range a.Tools {
		if t.Enabled {
			out.Tools = append(out.Tools, t)
		}
	}
	return out
}

// Delegation is a hand-off rule between two agents of a team.
type Delegation struct {
	FromAgentSlug string `json:"fromAgentSlug" yaml:"from"`
	ToAgentSlug   string `json:"toAgentSlug" yaml:"to"`
	Condition     string `json:"condition" yaml:"condition"`
	Enabled       bool   `json:"isEnabled" yaml:"enabled"`
}

// Team is the header of a team configuration.
type Team struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	HeadAgentID string `json:"headAgentId"`
	Description string `json:"description"`
	Deployed    bool   `json:"deployed"`
}

// TeamConfig is a team plus its ordered agents, delegations and team-level
// knowledge.
type TeamConfig struct {
	Team        Team
	Agents      []Agent
	Delegations []Delegation
	Knowledge   []KnowledgeEntry
}

// AgentByID returns the team member with the given id.
func (tc TeamConfig) AgentByID(id string) (Agent, bool) {
	for _, a := range tc.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// HeadAgent returns the enabled agent designated as head.
func (tc TeamConfig) HeadAgent() (Agent, bool) {
	if tc.Team.HeadAgentID == "" {
		return Agent{}, false
	}
	a, ok := tc.AgentByID(tc.Team.HeadAgentID)
	if !ok || !a.Enabled {
		return Agent{}, false
	}
	return a, true
}

// AgentBySlug returns the team member with the given slug.
func (tc TeamConfig) AgentBySlug(slug string) (Agent, bool) {
	for _, a := range tc.Agents {
		if a.Slug == slug {
			return a, true
		}
	}
	return Agent{}, false
}

// Workspace is read-only context about the tenant a run belongs to.
type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Conversation is one logical chat thread.
type Conversation struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	UserID       string    `json:"userId"`
	AgentID      string    `json:"agentId"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CostEstimate float64   `json:"costEstimate"`
}

// Message roles stored in conversations.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is an append-only entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ExecutionStatus is the state of a scheduled run.
type ExecutionStatus string

// Execution statuses.
const (
	StatusCreated   ExecutionStatus = "created"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s may move to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusRunning || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ToolCallRecord is one tool invocation observed during a run.
type ToolCallRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   string `json:"input"`
	Output  string `json:"output"`
	IsError bool   `json:"isError"`
}

// ExecutionRecord tracks one scheduled run.
type ExecutionRecord struct {
	ExecutionID  string           `json:"executionId"`
	AgentID      string           `json:"agentId"`
	WorkspaceID  string           `json:"workspaceId,omitempty"`
	Status       ExecutionStatus  `json:"status"`
	StartedAt    time.Time        `json:"startedAt"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	DurationMs   int64            `json:"durationMs"`
	TokensInput  int64            `json:"tokensInput"`
	TokensOutput int64            `json:"tokensOutput"`
	ToolCalls    []ToolCallRecord `json:"toolCalls"`
	ResultText   string           `json:"resultText"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// UsageStats is the derived usage of a conversation or execution.
type UsageStats struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostEstimate float64 `json:"costEstimate"`
}
