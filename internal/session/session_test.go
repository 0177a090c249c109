package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/storage"
)

type pricing map[string]config.Pricing

func (p pricing) Pricing(provider, model string) (config.Pricing, bool) {
	v, ok := p[provider+"/"+model]
	return v, ok
}

func TestOpenNewAndReload(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := New(store, nil)

	s, err := m.Open(ctx, OpenParams{WorkspaceID: "ws-1", UserID: "u-1", AgentID: "a-1", FirstMessage: "Hello\nsecond line"})
	require.NoError(t, err)
	require.NotEmpty(t, s.Conversation.ID)
	require.Equal(t, "Hello", s.Conversation.Title)
	require.Empty(t, s.History)

	require.NoError(t, m.AppendUser(ctx, s.Conversation.ID, "Hello"))
	require.NoError(t, m.AppendAssistant(ctx, s.Conversation.ID, "Hi there"))
	require.NoError(t, m.AppendAssistant(ctx, s.Conversation.ID, "  "))

	again, err := m.Open(ctx, OpenParams{ConversationID: s.Conversation.ID, WorkspaceID: "ws-1", UserID: "u-1"})
	require.NoError(t, err)
	require.Equal(t, []proto.Message{
		{Role: proto.RoleUser, Content: "Hello"},
		{Role: proto.RoleAssistant, Content: "Hi there"},
	}, again.History)
}

func TestOpenNotFound(t *testing.T) {
	ctx := context.Background()
	m := New(storage.NewMemoryStore(), nil)

	_, err := m.Open(ctx, OpenParams{ConversationID: "missing", WorkspaceID: "ws-1"})
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.Equal(t, 404, errs.Status(err))

	s, err := m.Open(ctx, OpenParams{WorkspaceID: "ws-1", UserID: "u-1", FirstMessage: "hi"})
	require.NoError(t, err)

	_, err = m.Open(ctx, OpenParams{ConversationID: s.Conversation.ID, WorkspaceID: "ws-2", UserID: "u-1"})
	require.ErrorIs(t, err, ErrConversationNotFound)
	_, err = m.Open(ctx, OpenParams{ConversationID: s.Conversation.ID, WorkspaceID: "ws-1", UserID: "u-2"})
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := New(store, pricing{"anthropic/sonnet": {Input: 3, Output: 15}})

	s, err := m.Open(ctx, OpenParams{WorkspaceID: "ws-1", FirstMessage: "hi"})
	require.NoError(t, err)

	stats, err := m.RecordUsage(ctx, s.Conversation.ID, "anthropic", "sonnet", proto.Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	require.NoError(t, err)
	require.InDelta(t, 4.5, stats.CostEstimate, 1e-9)

	_, err = m.RecordUsage(ctx, s.Conversation.ID, "xai", "grok", proto.Usage{InputTokens: 10, OutputTokens: 5})
	require.NoError(t, err)

	c, err := store.Conversation(ctx, s.Conversation.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1_000_010, c.InputTokens)
	require.EqualValues(t, 100_005, c.OutputTokens)
	require.InDelta(t, 4.5, c.CostEstimate, 1e-9)

	_, err = m.RecordUsage(ctx, "missing", "xai", "grok", proto.Usage{})
	require.True(t, errs.Is(err, errs.KindPersistence))
}

func TestTitle(t *testing.T) {
	for name, tc := range map[string]struct {
		in, want string
	}{
		"first line":  {"\n  Plan the week \nmore", "Plan the week"},
		"empty":       {"   \n", "New conversation"},
		"exact limit": {strings.Repeat("a", 60), strings.Repeat("a", 60)},
		"long":        {strings.Repeat("é", 70), strings.Repeat("é", 59) + "…"},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, Title(tc.in))
		})
	}
}
