// Package prompt assembles the instruction text sent to a model from an
// agent's persona, team delegations, knowledge, skills and rules.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotcommander/agentrun/internal/storage"
)

// Mode is the execution mode a prompt is built for.
type Mode int

// Modes.
const (
	Interactive Mode = iota
	Batch
)

// Input is everything the assembler reads.
type Input struct {
	Agent       storage.Agent
	Team        *storage.TeamConfig
	Mode        Mode
	WorkspaceID string
	UserID      string
	// Workspace is the context block of batch runs. May be nil.
	Workspace *storage.Workspace
	// Output is the formatting requested for batch runs. May be nil.
	Output *OutputConfig
	Now    time.Time
}

// Assemble builds the instruction text. Sections with nothing to say are
// left out.
func Assemble(in Input) string {
	sections := []string{
		strings.TrimSpace(in.Agent.SystemPrompt),
		delegations(in),
		knowledge(in),
		skills(in.Agent),
		rules(in.Agent),
		currentContext(in),
	}
	if in.Mode == Batch {
		sections = append(sections, outputHeader+"\n"+OutputDirectives(in.Output))
	}

	var nonEmpty []string
	for _, s := range sections {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func delegations(in Input) string {
	if in.Team == nil || in.Agent.Slug == "" {
		return ""
	}
	var sb strings.Builder
	for _, d := range in.Team.Delegations {
		if !d.Enabled || d.FromAgentSlug != in.Agent.Slug {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("## Team Delegation\n")
			sb.WriteString("Hand the request over to a teammate when its condition applies:\n")
		}
		target := d.ToAgentSlug
		if a, ok := in.Team.AgentBySlug(d.ToAgentSlug); ok && a.Name != "" {
			target = fmt.Sprintf("%s (%s)", d.ToAgentSlug, a.Name)
		}
		fmt.Fprintf(&sb, "- Delegate to %s when: %s\n", target, strings.TrimSpace(d.Condition))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func knowledge(in Input) string {
	var entries []storage.KnowledgeEntry
	if in.Team != nil {
		entries = append(entries, in.Team.Knowledge...)
	}
	entries = append(entries, in.Agent.Knowledge...)
	if len(entries) == 0 {
		return ""
	}

	var order []string
	grouped := map[string][]storage.KnowledgeEntry{}
	for _, e := range entries {
		cat := strings.TrimSpace(e.Category)
		if cat == "" {
			cat = "General"
		}
		if _, ok := grouped[cat]; !ok {
			order = append(order, cat)
		}
		grouped[cat] = append(grouped[cat], e)
	}

	var sb strings.Builder
	sb.WriteString("## Knowledge Base")
	for _, cat := range order {
		fmt.Fprintf(&sb, "\n\n### %s", cat)
		for _, e := range grouped[cat] {
			fmt.Fprintf(&sb, "\n\n**%s**\n%s", e.Name, strings.TrimSpace(e.Content))
		}
	}
	return sb.String()
}

func skills(a storage.Agent) string {
	var sb strings.Builder
	for _, s := range a.Skills {
		if !s.Enabled {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("## Available Skills")
		}
		fmt.Fprintf(&sb, "\n\n### %s\n%s", s.Name, strings.TrimSpace(s.Content))
	}
	return sb.String()
}

func rules(a storage.Agent) string {
	if len(a.Rules) == 0 {
		return ""
	}
	sorted := make([]storage.Rule, len(a.Rules))
	copy(sorted, a.Rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	var sb strings.Builder
	sb.WriteString("## Rules")
	for _, r := range sorted {
		content := strings.TrimSpace(r.Content)
		if content == "" {
			continue
		}
		switch r.Kind {
		case storage.RuleAlways:
			fmt.Fprintf(&sb, "\n- Always: %s", content)
		case storage.RuleNever:
			fmt.Fprintf(&sb, "\n- Never: %s", content)
		default:
			fmt.Fprintf(&sb, "\n- %s", content)
		}
	}
	if sb.Len() == len("## Rules") {
		return ""
	}
	return sb.String()
}

func currentContext(in Input) string {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	var sb strings.Builder
	sb.WriteString("## Current Context")
	if in.WorkspaceID != "" {
		fmt.Fprintf(&sb, "\n- Workspace ID: %s", in.WorkspaceID)
	}
	if in.UserID != "" {
		fmt.Fprintf(&sb, "\n- User ID: %s", in.UserID)
	}
	fmt.Fprintf(&sb, "\n- Date: %s", now.UTC().Format("Monday, January 2, 2006"))

	if in.Mode != Batch {
		return sb.String()
	}
	if in.WorkspaceID == "" {
		sb.WriteString("\n\n### No Workspace Context\nThis run is not bound to a workspace; do not assume any workspace data.")
		return sb.String()
	}
	sb.WriteString("\n\n### Workspace Context")
	fmt.Fprintf(&sb, "\n- ID: %s", in.WorkspaceID)
	if in.Workspace != nil {
		if in.Workspace.Name != "" {
			fmt.Fprintf(&sb, "\n- Name: %s", in.Workspace.Name)
		}
		if in.Workspace.Description != "" {
			fmt.Fprintf(&sb, "\n- Description: %s", in.Workspace.Description)
		}
	}
	return sb.String()
}
