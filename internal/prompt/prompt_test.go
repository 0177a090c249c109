package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/agentrun/internal/storage"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testTeam() *storage.TeamConfig {
	return &storage.TeamConfig{
		Team: storage.Team{ID: "t", Name: "Support"},
		Agents: []storage.Agent{
			{ID: "h", Slug: "head", Name: "Head", Enabled: true},
			{ID: "b", Slug: "billing", Name: "Billing", Enabled: true},
		},
		Delegations: []storage.Delegation{
			{FromAgentSlug: "head", ToAgentSlug: "billing", Condition: "the user asks about invoices", Enabled: true},
			{FromAgentSlug: "head", ToAgentSlug: "legal", Condition: "contracts", Enabled: false},
			{FromAgentSlug: "billing", ToAgentSlug: "head", Condition: "anything else", Enabled: true},
		},
		Knowledge: []storage.KnowledgeEntry{{Category: "faq", Name: "Opening hours", Content: "9 to 5"}},
	}
}

func TestAssembleOrder(t *testing.T) {
	agent := storage.Agent{
		Slug:         "head",
		SystemPrompt: "You are the support lead.",
		Knowledge: []storage.KnowledgeEntry{
			{Category: "policy", Name: "Refunds", Content: "30 days"},
			{Category: "faq", Name: "Shipping", Content: "2 days"},
		},
		Skills: []storage.Skill{{Name: "A", Content: "do a", Enabled: true}, {Name: "B", Content: "do b", Enabled: false}},
		Rules: []storage.Rule{
			{Kind: storage.RuleInstruction, Content: "low", Priority: 1},
			{Kind: storage.RuleAlways, Content: "first high", Priority: 5},
			{Kind: storage.RuleNever, Content: "second high", Priority: 5},
		},
	}
	out := Assemble(Input{Agent: agent, Team: testTeam(), WorkspaceID: "ws-1", UserID: "u-1", Now: now})

	headers := []string{"You are the support lead.", "## Team Delegation", "## Knowledge Base", "## Available Skills", "## Rules", "## Current Context"}
	last := -1
	for _, h := range headers {
		idx := strings.Index(out, h)
		require.Greater(t, idx, last, h)
		last = idx
	}

	require.Contains(t, out, "Delegate to billing (Billing) when: the user asks about invoices")
	require.NotContains(t, out, "legal")
	require.NotContains(t, out, "anything else")

	// team knowledge first, grouped by category in first-seen order.
	require.Less(t, strings.Index(out, "Opening hours"), strings.Index(out, "Shipping"))
	require.Less(t, strings.Index(out, "Shipping"), strings.Index(out, "### policy"))

	require.Contains(t, out, "### A\ndo a")
	require.NotContains(t, out, "### B")

	require.Less(t, strings.Index(out, "Always: first high"), strings.Index(out, "Never: second high"))
	require.Less(t, strings.Index(out, "Never: second high"), strings.Index(out, "- low"))

	require.Contains(t, out, "- Workspace ID: ws-1")
	require.Contains(t, out, "- User ID: u-1")
	require.Contains(t, out, "Monday, March 2, 2026")
	require.NotContains(t, out, "## Output Format")
	require.NotContains(t, out, "Workspace Context")
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	out := Assemble(Input{Agent: storage.Agent{Slug: "solo", SystemPrompt: "Hi."}, Now: now})
	require.NotContains(t, out, "## Team Delegation")
	require.NotContains(t, out, "## Knowledge Base")
	require.NotContains(t, out, "## Available Skills")
	require.NotContains(t, out, "## Rules")
	require.True(t, strings.HasPrefix(out, "Hi.\n\n## Current Context"))

	// delegations appear only for the acting agent.
	out = Assemble(Input{Agent: storage.Agent{Slug: "other"}, Team: testTeam(), Now: now})
	require.NotContains(t, out, "## Team Delegation")
}

func TestAssembleBatch(t *testing.T) {
	agent := storage.Agent{Slug: "reporter", SystemPrompt: "You write reports."}

	out := Assemble(Input{Agent: agent, Mode: Batch, Now: now})
	require.Contains(t, out, "### No Workspace Context")
	require.Contains(t, out, "write naturally")

	out = Assemble(Input{
		Agent:       agent,
		Mode:        Batch,
		WorkspaceID: "ws-1",
		Workspace:   &storage.Workspace{ID: "ws-1", Name: "Acme"},
		Output:      &OutputConfig{Tone: "friendly"},
		Now:         now,
	})
	require.Contains(t, out, "### Workspace Context\n- ID: ws-1\n- Name: Acme")
	require.NotContains(t, out, "No Workspace Context")
	require.Contains(t, out, "warm, friendly")
}

func TestOutputDirectives(t *testing.T) {
	for name, tc := range map[string]struct {
		cfg      *OutputConfig
		contains []string
	}{
		"none":         {nil, []string{"write naturally"}},
		"empty":        {&OutputConfig{}, []string{"write naturally"}},
		"friendly":     {&OutputConfig{Tone: "friendly"}, []string{"warm, friendly"}},
		"concise":      {&OutputConfig{Tone: "Concise"}, []string{"extremely concise"}},
		"professional": {&OutputConfig{Tone: "professional"}, []string{"professional"}},
		"bullets":      {&OutputConfig{Format: "bullet_points"}, []string{"use bullet points"}},
		"structured":   {&OutputConfig{Format: "structured"}, []string{"use sections with headers"}},
		"unknown":      {&OutputConfig{Tone: "pirate", Format: "haiku"}, []string{"write naturally"}},
		"custom": {
			&OutputConfig{Tone: "concise", Format: "structured", CustomInstructions: "Sign as Bot."},
			[]string{"extremely concise", "use sections with headers", "Sign as Bot."},
		},
	} {
		t.Run(name, func(t *testing.T) {
			out := OutputDirectives(tc.cfg)
			for _, s := range tc.contains {
				require.Contains(t, out, s)
			}
		})
	}
}

func TestOutputDirectivesCustomVerbatim(t *testing.T) {
	custom := "  Sign as Bot.\n\tKeep the indent.\n"
	out := OutputDirectives(&OutputConfig{CustomInstructions: custom})
	require.Equal(t, custom, out)

	require.Equal(t, defaultDirective, OutputDirectives(&OutputConfig{CustomInstructions: " \n "}))
}

func TestTaskMessage(t *testing.T) {
	msg := TaskMessage("  Summarize open tickets. ", &OutputConfig{Tone: "friendly"})
	require.True(t, strings.HasPrefix(msg, "Summarize open tickets.\n\n## Output Format\n"))
	require.Contains(t, msg, "warm, friendly")
}

func TestParse(t *testing.T) {
	tone, ok := ParseTone(" Friendly ")
	require.True(t, ok)
	require.Equal(t, ToneFriendly, tone)
	_, ok = ParseTone("sarcastic")
	require.False(t, ok)

	f, ok := ParseFormat("bullet_points")
	require.True(t, ok)
	require.Equal(t, FormatBulletPoints, f)
	_, ok = ParseFormat("table")
	require.False(t, ok)
}
