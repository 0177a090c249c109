package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/storage"
)

// TeamFile is the YAML definition of a workspace, its team and agents, as
// read by the import command.
type TeamFile struct {
	Workspace   *storage.Workspace       `yaml:"workspace"`
	Team        *TeamHeader              `yaml:"team"`
	Agents      []AgentFile              `yaml:"agents"`
	Delegations []DelegationFile         `yaml:"delegations"`
	Knowledge   []storage.KnowledgeEntry `yaml:"knowledge"`
}

// TeamHeader names the team and its head agent by slug.
type TeamHeader struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Head        string `yaml:"head"`
	Deployed    *bool  `yaml:"deployed"`
}

// AgentFile is one agent definition. Enabled flags default to true.
type AgentFile struct {
	ID           string                   `yaml:"id"`
	Slug         string                   `yaml:"slug"`
	Name         string                   `yaml:"name"`
	Description  string                   `yaml:"description"`
	Enabled      *bool                    `yaml:"enabled"`
	SystemPrompt string                   `yaml:"system-prompt"`
	Model        string                   `yaml:"model"`
	Provider     string                   `yaml:"provider"`
	Rules        []RuleFile               `yaml:"rules"`
	Knowledge    []storage.KnowledgeEntry `yaml:"knowledge"`
	Skills       []SkillFile              `yaml:"skills"`
	Tools        []ToolFile               `yaml:"tools"`
}

// RuleFile is a rule definition.
type RuleFile struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Content  string `yaml:"content"`
	Priority int    `yaml:"priority"`
}

// SkillFile is a skill definition.
type SkillFile struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
	Enabled *bool  `yaml:"enabled"`
}

// ToolFile is a tool reference. A bare string is accepted as the name.
type ToolFile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

// UnmarshalYAML accepts either a tool name or a mapping.
func (t *ToolFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Name = node.Value
		return nil
	}
	type plain ToolFile
	return node.Decode((*plain)(t))
}

// DelegationFile is a delegation definition.
type DelegationFile struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
	Enabled   *bool  `yaml:"enabled"`
}

// Import is the store-ready form of a TeamFile.
type Import struct {
	Workspace *storage.Workspace
	Team      *storage.TeamConfig
	Agents    []storage.Agent
}

// ReadTeamFile reads and converts a team definition file. Persona, skill and
// knowledge content may reference files relative to the team file, or URLs.
func ReadTeamFile(ctx context.Context, path string) (Import, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return Import{}, errs.Error{Kind: errs.KindValidation, Err: err, Reason: "Could not read team file."}
	}
	var tf TeamFile
	if err := yaml.Unmarshal(bts, &tf); err != nil {
		return Import{}, errs.Error{Kind: errs.KindValidation, Err: err, Reason: "Could not parse team file."}
	}
	return tf.Convert(ctx, ContentLoader{Dir: filepath.Dir(path)}, newIDs)
}

func newIDs() string { return storage.NewID() }

// Convert validates the definition and builds store records. Content
// references are resolved with load; newID fills missing ids.
func (tf TeamFile) Convert(ctx context.Context, load ContentLoader, newID func() string) (Import, error) {
	c := converter{ctx: ctx, load: load, newID: newID}
	var out Import
	workspaceID := ""
	if tf.Workspace != nil {
		if tf.Workspace.ID == "" {
			return out, errs.New(errs.KindValidation, "Workspace id is required.")
		}
		ws := *tf.Workspace
		out.Workspace = &ws
		workspaceID = ws.ID
	}
	if tf.Team != nil && workspaceID == "" {
		return out, errs.New(errs.KindValidation, "A team needs a workspace.")
	}

	seen := map[string]bool{}
	for i, af := range tf.Agents {
		a, err := c.agent(af, workspaceID)
		if err != nil {
			return out, fmt.Errorf("agent %d: %w", i+1, err)
		}
		if a.Slug != "" && seen[a.Slug] {
			return out, errs.Newf(errs.KindValidation, "Duplicate agent slug %q.", a.Slug)
		}
		seen[a.Slug] = true
		out.Agents = append(out.Agents, a)
	}

	if tf.Team == nil {
		return out, nil
	}

	tc := storage.TeamConfig{
		Team: storage.Team{
			ID:          tf.Team.ID,
			WorkspaceID: workspaceID,
			Name:        tf.Team.Name,
			Description: tf.Team.Description,
			Deployed:    boolOr(tf.Team.Deployed, true),
		},
		Agents: out.Agents,
	}
	if tc.Team.ID == "" {
		tc.Team.ID = c.newID()
	}
	if tf.Team.Head != "" {
		head, ok := tc.AgentBySlug(tf.Team.Head)
		if !ok {
			return out, errs.Newf(errs.KindValidation, "Head agent %q is not part of the team.", tf.Team.Head)
		}
		tc.Team.HeadAgentID = head.ID
	}
	for _, df := range tf.Delegations {
		if _, ok := tc.AgentBySlug(df.From); !ok {
			return out, errs.Newf(errs.KindValidation, "Delegation source %q is not part of the team.", df.From)
		}
		if _, ok := tc.AgentBySlug(df.To); !ok {
			return out, errs.Newf(errs.KindValidation, "Delegation target %q is not part of the team.", df.To)
		}
		tc.Delegations = append(tc.Delegations, storage.Delegation{
			FromAgentSlug: df.From,
			ToAgentSlug:   df.To,
			Condition:     df.Condition,
			Enabled:       boolOr(df.Enabled, true),
		})
	}
	knowledge, err := c.knowledge(tf.Knowledge)
	if err != nil {
		return out, err
	}
	tc.Knowledge = knowledge
	out.Team = &tc
	return out, nil
}

type converter struct {
	ctx   context.Context
	load  ContentLoader
	newID func() string
}

func (c converter) agent(af AgentFile, workspaceID string) (storage.Agent, error) {
	if strings.TrimSpace(af.Slug) == "" && strings.TrimSpace(af.Name) == "" {
		return storage.Agent{}, errs.New(errs.KindValidation, "Agent needs a slug or a name.")
	}
	prompt, err := c.load.Load(c.ctx, af.SystemPrompt)
	if err != nil {
		return storage.Agent{}, errs.Error{Kind: errs.KindValidation, Err: err, Reason: "Could not load system prompt."}
	}
	a := storage.Agent{
		ID:           af.ID,
		WorkspaceID:  workspaceID,
		Slug:         af.Slug,
		Name:         af.Name,
		Description:  af.Description,
		Enabled:      boolOr(af.Enabled, true),
		SystemPrompt: prompt,
		Model:        af.Model,
		Provider:     af.Provider,
	}
	if a.ID == "" {
		a.ID = c.newID()
	}
	if a.Slug == "" {
		a.Slug = slugify(a.Name)
	}
	for _, rf := range af.Rules {
		kind, err := storage.ParseRuleKind(rf.Type)
		if err != nil {
			return storage.Agent{}, errs.Error{Kind: errs.KindValidation, Err: err, Reason: fmt.Sprintf("Invalid rule type %q.", rf.Type)}
		}
		id := rf.ID
		if id == "" {
			id = c.newID()
		}
		a.Rules = append(a.Rules, storage.Rule{ID: id, Kind: kind, Content: rf.Content, Priority: rf.Priority})
	}
	if a.Knowledge, err = c.knowledge(af.Knowledge); err != nil {
		return storage.Agent{}, err
	}
	for _, sf := range af.Skills {
		content, err := c.load.Load(c.ctx, sf.Content)
		if err != nil {
			return storage.Agent{}, errs.Error{Kind: errs.KindValidation, Err: err, Reason: fmt.Sprintf("Could not load skill %q.", sf.Name)}
		}
		a.Skills = append(a.Skills, storage.Skill{Name: sf.Name, Content: content, Enabled: boolOr(sf.Enabled, true)})
	}
	for _, tf := range af.Tools {
		if tf.Name == "" {
			return storage.Agent{}, errs.New(errs.KindValidation, "Tool name is required.")
		}
		a.Tools = append(a.Tools, storage.ToolRef{Name: tf.Name, Description: tf.Description, Enabled: boolOr(tf.Enabled, true)})
	}
	return a, nil
}

func (c converter) knowledge(entries []storage.KnowledgeEntry) ([]storage.KnowledgeEntry, error) {
	out := make([]storage.KnowledgeEntry, 0, len(entries))
	for _, k := range entries {
		content, err := c.load.Load(c.ctx, k.Content)
		if err != nil {
			return nil, errs.Error{Kind: errs.KindValidation, Err: err, Reason: fmt.Sprintf("Could not load knowledge %q.", k.Name)}
		}
		k.Content = content
		out = append(out, k)
	}
	return out, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func slugify(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}
