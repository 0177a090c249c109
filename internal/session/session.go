// Package session owns conversation and message lifecycles.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/storage"
)

// ErrConversationNotFound is returned when a conversation is absent or owned
// by another workspace or user.
var ErrConversationNotFound = errs.New(errs.KindNotFound, "Conversation not found")

const titleLimit = 60

// Store is the subset of storage.Store the manager uses.
type Store interface {
	CreateConversation(ctx context.Context, c storage.Conversation) error
	Conversation(ctx context.Context, id string) (*storage.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]storage.Message, error)
	AppendMessage(ctx context.Context, m storage.Message) error
	AddConversationUsage(ctx context.Context, conversationID string, usage storage.UsageStats) error
}

// Pricer prices token usage of a provider model.
type Pricer interface {
	Pricing(provider, model string) (config.Pricing, bool)
}

// Manager creates and reloads conversations.
type Manager struct {
	store  Store
	pricer Pricer
	now    func() time.Time
	newID  func() string
}

// New returns a manager. A nil pricer estimates no cost.
func New(store Store, pricer Pricer) *Manager {
	return &Manager{store: store, pricer: pricer, now: time.Now, newID: storage.NewID}
}

// OpenParams identifies the conversation of a chat turn.
type OpenParams struct {
	// ConversationID reloads an existing conversation. Empty starts a new one.
	ConversationID string
	WorkspaceID    string
	UserID         string
	AgentID        string
	// FirstMessage titles a new conversation.
	FirstMessage string
}

// Session is an opened conversation and the history preceding this turn.
type Session struct {
	Conversation storage.Conversation
	History      []proto.Message
}

// Open creates a conversation or reloads one with its history.
func (m *Manager) Open(ctx context.Context, p OpenParams) (Session, error) {
	if p.ConversationID == "" {
		c := storage.Conversation{
			ID:          m.newID(),
			WorkspaceID: p.WorkspaceID,
			UserID:      p.UserID,
			AgentID:     p.AgentID,
			Title:       Title(p.FirstMessage),
			CreatedAt:   m.now().UTC(),
		}
		if err := m.store.CreateConversation(ctx, c); err != nil {
			return Session{}, errs.As(errs.KindPersistence, err, "Could not create conversation")
		}
		return Session{Conversation: c}, nil
	}

	c, err := m.store.Conversation(ctx, p.ConversationID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Session{}, ErrConversationNotFound
	case err != nil:
		return Session{}, errs.As(errs.KindPersistence, err, "Could not load conversation")
	}
	if c.WorkspaceID != p.WorkspaceID || (c.UserID != "" && c.UserID != p.UserID) {
		return Session{}, ErrConversationNotFound
	}

	msgs, err := m.store.Messages(ctx, c.ID)
	if err != nil {
		return Session{}, errs.As(errs.KindPersistence, err, "Could not load conversation history")
	}
	history := make([]proto.Message, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, proto.Message{Role: msg.Role, Content: msg.Content})
	}
	return Session{Conversation: *c, History: history}, nil
}

// AppendUser records the user message of a turn.
func (m *Manager) AppendUser(ctx context.Context, conversationID, content string) error {
	return m.append(ctx, conversationID, storage.RoleUser, content)
}

// AppendAssistant records the assistant reply of a turn. Empty replies are
// not recorded.
func (m *Manager) AppendAssistant(ctx context.Context, conversationID, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return m.append(ctx, conversationID, storage.RoleAssistant, content)
}

func (m *Manager) append(ctx context.Context, conversationID, role, content string) error {
	err := m.store.AppendMessage(ctx, storage.Message{
		ID:             m.newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      m.now().UTC(),
	})
	if err != nil {
		return errs.As(errs.KindPersistence, err, "Could not save message")
	}
	return nil
}

// RecordUsage adds the token usage of a turn to the conversation and
// returns it with its cost estimate.
func (m *Manager) RecordUsage(ctx context.Context, conversationID, provider, model string, usage proto.Usage) (storage.UsageStats, error) {
	stats := Usage(m.pricer, provider, model, usage)
	if err := m.store.AddConversationUsage(ctx, conversationID, stats); err != nil {
		return stats, errs.As(errs.KindPersistence, err, "Could not save usage")
	}
	return stats, nil
}

// Usage derives usage stats, estimating cost when the model is priced.
func Usage(pricer Pricer, provider, model string, usage proto.Usage) storage.UsageStats {
	stats := storage.UsageStats{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	if pricer != nil {
		if p, ok := pricer.Pricing(provider, model); ok {
			stats.CostEstimate = p.Cost(usage.InputTokens, usage.OutputTokens)
		}
	}
	return stats
}

// Title derives a conversation title from its first message: the first
// non-empty line, cut to 60 characters.
func Title(message string) string {
	var line string
	for l := range strings.SplitSeq(message, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(line) <= titleLimit {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:titleLimit-1])) + "…"
}
