package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQL(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sqlite.Close()) })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleTeam(workspaceID, teamID string, deployed bool) TeamConfig {
	return TeamConfig{
		Team: Team{
			ID:          teamID,
			WorkspaceID: workspaceID,
			Name:        "Support",
			HeadAgentID: teamID + "-head",
			Deployed:    deployed,
		},
		Agents: []Agent{
			{
				ID:           teamID + "-head",
				WorkspaceID:  workspaceID,
				Slug:         "head",
				Name:         "Head",
				Enabled:      true,
				SystemPrompt: "You route requests.",
				Model:        "claude-sonnet-4-5",
				Provider:     "anthropic",
				Rules: []Rule{
					{ID: "r1", Kind: RuleAlways, Content: "Be polite", Priority: 2},
					{ID: "r2", Kind: RuleNever, Content: "Share secrets", Priority: 1},
				},
				Skills: []Skill{{Name: "triage", Content: "Ask first.", Enabled: true}},
				Tools:  []ToolRef{{Name: "search", Enabled: true}, {Name: "delete", Enabled: false}},
			},
			{
				ID:          teamID + "-billing",
				WorkspaceID: workspaceID,
				Slug:        "billing",
				Name:        "Billing",
				Enabled:     true,
			},
		},
		Delegations: []Delegation{{FromAgentSlug: "head", ToAgentSlug: "billing", Condition: "invoices", Enabled: true}},
		Knowledge:   []KnowledgeEntry{{Category: "faq", Name: "hours", Content: "9 to 5"}},
	}
}

func TestDeployedTeam(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.DeployedTeam(ctx, "ws")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.SaveTeam(ctx, sampleTeam("ws", "t1", true)))
			require.NoError(t, store.SaveTeam(ctx, sampleTeam("ws", "t2", true)))

			tc, err := store.DeployedTeam(ctx, "ws")
			require.NoError(t, err)
			require.Equal(t, "t2", tc.Team.ID)
			require.True(t, tc.Team.Deployed)
			require.Len(t, tc.Agents, 2)
			require.Equal(t, "head", tc.Agents[0].Slug)
			require.Equal(t, "billing", tc.Agents[1].Slug)
			require.Equal(t, RuleNever, tc.Agents[0].Rules[1].Kind)
			require.Equal(t, []string{"search"}, tc.Agents[0].EnabledToolNames())
			require.Len(t, tc.Delegations, 1)
			require.Equal(t, "9 to 5", tc.Knowledge[0].Content)

			head, ok := tc.HeadAgent()
			require.True(t, ok)
			require.Equal(t, "t2-head", head.ID)

			_, err = store.DeployedTeam(ctx, "other")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAgentLookup(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := sampleTeam("ws", "t1", false).Agents[0]
			a.Enabled = false
			require.NoError(t, store.SaveAgent(ctx, a))

			got, err := store.Agent(ctx, a.ID)
			require.NoError(t, err)
			require.False(t, got.Enabled)
			require.Equal(t, a.Rules, got.Rules)
			require.Equal(t, a.Tools, got.Tools)

			_, err = store.Agent(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConversationMessages(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			conv := Conversation{ID: NewID(), WorkspaceID: "ws", UserID: "u1", Title: "hello", CreatedAt: now}
			require.NoError(t, store.CreateConversation(ctx, conv))

			require.NoError(t, store.AppendMessage(ctx, Message{
				ID: NewID(), ConversationID: conv.ID, Role: RoleAssistant, Content: "second", CreatedAt: now.Add(time.Second),
			}))
			require.NoError(t, store.AppendMessage(ctx, Message{
				ID: NewID(), ConversationID: conv.ID, Role: RoleUser, Content: "first", CreatedAt: now,
			}))

			msgs, err := store.Messages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, "first", msgs[0].Content)
			require.Equal(t, "second", msgs[1].Content)

			require.NoError(t, store.AddConversationUsage(ctx, conv.ID, UsageStats{InputTokens: 10, OutputTokens: 5, CostEstimate: 0.5}))
			require.NoError(t, store.AddConversationUsage(ctx, conv.ID, UsageStats{InputTokens: 1, OutputTokens: 1}))
			got, err := store.Conversation(ctx, conv.ID)
			require.NoError(t, err)
			require.Equal(t, int64(11), got.InputTokens)
			require.Equal(t, int64(6), got.OutputTokens)
			require.InDelta(t, 0.5, got.CostEstimate, 1e-9)
			require.True(t, now.Equal(got.CreatedAt))

			_, err = store.Conversation(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestExecutionLifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.Now().UTC()
			rec := ExecutionRecord{ExecutionID: "e1", AgentID: "a1", StartedAt: start}
			require.NoError(t, store.StartExecution(ctx, rec))
			// restarting a running execution is allowed.
			require.NoError(t, store.StartExecution(ctx, rec))

			got, err := store.Execution(ctx, "e1")
			require.NoError(t, err)
			require.Equal(t, StatusRunning, got.Status)
			require.Nil(t, got.CompletedAt)

			done := start.Add(2 * time.Second)
			rec.Status = StatusCompleted
			rec.CompletedAt = &done
			rec.DurationMs = 2000
			rec.TokensInput = 100
			rec.TokensOutput = 50
			rec.ResultText = "all good"
			rec.ToolCalls = []ToolCallRecord{{ID: "c1", Name: "search", Input: `{"q":"x"}`, Output: "found"}}
			require.NoError(t, store.FinishExecution(ctx, rec))

			got, err = store.Execution(ctx, "e1")
			require.NoError(t, err)
			require.Equal(t, StatusCompleted, got.Status)
			require.NotNil(t, got.CompletedAt)
			require.Equal(t, int64(2000), got.DurationMs)
			require.Equal(t, "all good", got.ResultText)
			require.Len(t, got.ToolCalls, 1)

			err = store.StartExecution(ctx, rec)
			require.True(t, errors.Is(err, ErrTerminalExecution))
			rec.Status = StatusFailed
			require.ErrorIs(t, store.FinishExecution(ctx, rec), ErrTerminalExecution)

			rec.ExecutionID = "missing"
			require.ErrorIs(t, store.FinishExecution(ctx, rec), ErrNotFound)

			rec.Status = StatusRunning
			require.Error(t, store.FinishExecution(ctx, rec))
		})
	}
}

func TestExecutionStatusTransitions(t *testing.T) {
	require.True(t, StatusCreated.CanTransitionTo(StatusRunning))
	require.False(t, StatusCreated.CanTransitionTo(StatusCompleted))
	require.True(t, StatusRunning.CanTransitionTo(StatusFailed))
	require.False(t, StatusCompleted.CanTransitionTo(StatusRunning))
	require.False(t, StatusFailed.CanTransitionTo(StatusCompleted))
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusRunning.Terminal())
}

func TestParseRuleKind(t *testing.T) {
	k, err := ParseRuleKind("")
	require.NoError(t, err)
	require.Equal(t, RuleInstruction, k)
	k, err = ParseRuleKind("never")
	require.NoError(t, err)
	require.Equal(t, RuleNever, k)
	_, err = ParseRuleKind("sometimes")
	require.Error(t, err)
}

func TestEnabledOnly(t *testing.T) {
	a := sampleTeam("ws", "t", false).Agents[0].EnabledOnly()
	require.Len(t, a.Tools, 1)
	require.Len(t, a.Skills, 1)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	require.Error(t, err)
	s, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
