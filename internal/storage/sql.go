package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "modernc.org/sqlite"             // sqlite driver
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// schema is shared by sqlite and postgres; nested sets are JSON text columns
// and booleans are stored as integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		slug TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		system_prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		rules TEXT NOT NULL DEFAULT '[]',
		knowledge TEXT NOT NULL DEFAULT '[]',
		skills TEXT NOT NULL DEFAULT '[]',
		tools TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		head_agent_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		deployed INTEGER NOT NULL DEFAULT 0,
		delegations TEXT NOT NULL DEFAULT '[]',
		knowledge TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS team_agents (
		team_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (team_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		created_at TEXT NOT NULL,
		input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS executions (
		execution_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		tokens_input BIGINT NOT NULL DEFAULT 0,
		tokens_output BIGINT NOT NULL DEFAULT 0,
		tool_calls TEXT NOT NULL DEFAULT '[]',
		result_text TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	)`,
}

// SQLStore is a Store backed by database/sql, for sqlite or postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = &SQLStore{}

// OpenSQL opens the database and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var db *sql.DB
	var err error
	switch driver {
	case "sqlite":
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// one writer keeps sqlite from returning SQLITE_BUSY under load.
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		if dsn == "" {
			dsn = os.Getenv("DATABASE_URL")
		}
		if dsn == "" {
			return nil, errors.New("postgres DSN or DATABASE_URL required")
		}
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	s := &SQLStore{db: db, dialect: driver}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	switch {
	case dsn == "":
		dsn = "agentrun.db"
	case strings.HasPrefix(dsn, "file:"):
		return dsn
	}
	return "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const agentColumns = `a.id, a.workspace_id, a.slug, a.name, a.description, a.enabled, a.system_prompt,
	a.model, a.provider, a.rules, a.knowledge, a.skills, a.tools`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (Agent, error) {
	var a Agent
	var enabled int64
	var rules, knowledge, skills, tools string
	if err := row.Scan(&a.ID, &a.WorkspaceID, &a.Slug, &a.Name, &a.Description, &enabled,
		&a.SystemPrompt, &a.Model, &a.Provider, &rules, &knowledge, &skills, &tools); err != nil {
		return Agent{}, err
	}
	a.Enabled = enabled != 0
	for _, col := range []struct {
		raw string
		dst any
	}{
		{rules, &a.Rules},
		{knowledge, &a.Knowledge},
		{skills, &a.Skills},
		{tools, &a.Tools},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return Agent{}, fmt.Errorf("decode agent %q: %w", a.ID, err)
		}
	}
	for i, r := range a.Rules {
		kind, err := ParseRuleKind(string(r.Kind))
		if err != nil {
			kind = RuleInstruction
		}
		a.Rules[i].Kind = kind
	}
	return a, nil
}

// DeployedTeam implements Store.
func (s *SQLStore) DeployedTeam(ctx context.Context, workspaceID string) (*TeamConfig, error) {
	var tc TeamConfig
	var deployed int64
	var delegations, knowledge string
	err := s.queryRow(ctx, s.db, `SELECT id, workspace_id, name, head_agent_id, description, deployed, delegations, knowledge
		FROM teams WHERE workspace_id = ? AND deployed = 1 ORDER BY id LIMIT 1`, workspaceID).
		Scan(&tc.Team.ID, &tc.Team.WorkspaceID, &tc.Team.Name, &tc.Team.HeadAgentID, &tc.Team.Description,
			&deployed, &delegations, &knowledge)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("deployed team for workspace", workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	tc.Team.Deployed = deployed != 0
	if err := json.Unmarshal([]byte(delegations), &tc.Delegations); err != nil {
		return nil, fmt.Errorf("decode team delegations: %w", err)
	}
	if err := json.Unmarshal([]byte(knowledge), &tc.Knowledge); err != nil {
		return nil, fmt.Errorf("decode team knowledge: %w", err)
	}

	rows, err := s.query(ctx, s.db, `SELECT `+agentColumns+`
		FROM team_agents ta JOIN agents a ON a.id = ta.agent_id
		WHERE ta.team_id = ? ORDER BY ta.position`, tc.Team.ID)
	if err != nil {
		return nil, fmt.Errorf("load team agents: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("load team agents: %w", err)
		}
		tc.Agents = append(tc.Agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load team agents: %w", err)
	}
	return &tc, nil
}

// Agent implements Store.
func (s *SQLStore) Agent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, s.db, `SELECT `+agentColumns+` FROM agents a WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	return &a, nil
}

// Workspace implements Store.
func (s *SQLStore) Workspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.queryRow(ctx, s.db, `SELECT id, name, description FROM workspaces WHERE id = ?`, id).
		Scan(&ws.ID, &ws.Name, &ws.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	return &ws, nil
}

// SaveWorkspace implements Store.
func (s *SQLStore) SaveWorkspace(ctx context.Context, ws Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("save workspace: empty id")
	}
	_, err := s.exec(ctx, s.db, `INSERT INTO workspaces (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description`,
		ws.ID, ws.Name, ws.Description)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}

// SaveAgent implements Store.
func (s *SQLStore) SaveAgent(ctx context.Context, a Agent) error {
	if err := s.saveAgent(ctx, s.db, a); err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *SQLStore) saveAgent(ctx context.Context, q queryer, a Agent) error {
	if a.ID == "" {
		return errors.New("empty id")
	}
	rules, err := marshalList(a.Rules)
	if err != nil {
		return err
	}
	knowledge, err := marshalList(a.Knowledge)
	if err != nil {
		return err
	}
	skills, err := marshalList(a.Skills)
	if err != nil {
		return err
	}
	tools, err := marshalList(a.Tools)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `INSERT INTO agents (id, workspace_id, slug, name, description, enabled, system_prompt,
			model, provider, rules, knowledge, skills, tools)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id, slug = excluded.slug,
			name = excluded.name, description = excluded.description, enabled = excluded.enabled,
			system_prompt = excluded.system_prompt, model = excluded.model, provider = excluded.provider,
			rules = excluded.rules, knowledge = excluded.knowledge, skills = excluded.skills, tools = excluded.tools`,
		a.ID, a.WorkspaceID, a.Slug, a.Name, a.Description, boolInt(a.Enabled), a.SystemPrompt,
		a.Model, a.Provider, rules, knowledge, skills, tools)
	return err
}

// SaveTeam implements Store.
func (s *SQLStore) SaveTeam(ctx context.Context, tc TeamConfig) error {
	if tc.Team.ID == "" {
		return fmt.Errorf("save team: empty id")
	}
	delegations, err := marshalList(tc.Delegations)
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	knowledge, err := marshalList(tc.Knowledge)
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if tc.Team.Deployed {
			if _, err := s.exec(ctx, tx, `UPDATE teams SET deployed = 0 WHERE workspace_id = ? AND id <> ?`,
				tc.Team.WorkspaceID, tc.Team.ID); err != nil {
				return err
			}
		}
		if _, err := s.exec(ctx, tx, `INSERT INTO teams (id, workspace_id, name, head_agent_id, description, deployed, delegations, knowledge)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET workspace_id = excluded.workspace_id, name = excluded.name,
				head_agent_id = excluded.head_agent_id, description = excluded.description,
				deployed = excluded.deployed, delegations = excluded.delegations, knowledge = excluded.knowledge`,
			tc.Team.ID, tc.Team.WorkspaceID, tc.Team.Name, tc.Team.HeadAgentID, tc.Team.Description,
			boolInt(tc.Team.Deployed), delegations, knowledge); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM team_agents WHERE team_id = ?`, tc.Team.ID); err != nil {
			return err
		}
		for i, a := range tc.Agents {
			if err := s.saveAgent(ctx, tx, a); err != nil {
				return err
			}
			if _, err := s.exec(ctx, tx, `INSERT INTO team_agents (team_id, agent_id, position) VALUES (?, ?, ?)`,
				tc.Team.ID, a.ID, i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save team: %w", err)
	}
	return nil
}

// CreateConversation implements Store.
func (s *SQLStore) CreateConversation(ctx context.Context, c Conversation) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO conversations (id, workspace_id, user_id, agent_id, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.UserID, c.AgentID, c.Title, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// Conversation implements Store.
func (s *SQLStore) Conversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var created string
	err := s.queryRow(ctx, s.db, `SELECT id, workspace_id, user_id, agent_id, title, created_at,
			input_tokens, output_tokens, cost_estimate
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.UserID, &c.AgentID, &c.Title, &created,
			&c.InputTokens, &c.OutputTokens, &c.CostEstimate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return &c, nil
}

// Messages implements Store.
func (s *SQLStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.query(ctx, s.db, `SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var msgs []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage implements Store.
func (s *SQLStore) AppendMessage(ctx context.Context, m Message) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?)`,
		m.ID, m.ConversationID, m.ConversationID, m.Role, m.Content, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// AddConversationUsage implements Store.
func (s *SQLStore) AddConversationUsage(ctx context.Context, conversationID string, usage UsageStats) error {
	res, err := s.exec(ctx, s.db, `UPDATE conversations SET input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?, cost_estimate = cost_estimate + ?
		WHERE id = ?`, usage.InputTokens, usage.OutputTokens, usage.CostEstimate, conversationID)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("conversation", conversationID)
	}
	return nil
}

// StartExecution implements Store.
func (s *SQLStore) StartExecution(ctx context.Context, rec ExecutionRecord) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := s.queryRow(ctx, tx, `SELECT status FROM executions WHERE execution_id = ?`, rec.ExecutionID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case !ExecutionStatus(status).CanTransitionTo(StatusRunning):
			return ErrTerminalExecution
		}
		_, err = s.exec(ctx, tx, `INSERT INTO executions (execution_id, agent_id, workspace_id, status, started_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (execution_id) DO UPDATE SET agent_id = excluded.agent_id,
				workspace_id = excluded.workspace_id, status = excluded.status, started_at = excluded.started_at`,
			rec.ExecutionID, rec.AgentID, rec.WorkspaceID, string(StatusRunning), formatTime(rec.StartedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("start execution %q: %w", rec.ExecutionID, err)
	}
	return nil
}

// FinishExecution implements Store.
func (s *SQLStore) FinishExecution(ctx context.Context, rec ExecutionRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("finish execution %q: status %q is not terminal", rec.ExecutionID, rec.Status)
	}
	toolCalls, err := marshalList(rec.ToolCalls)
	if err != nil {
		return fmt.Errorf("finish execution %q: %w", rec.ExecutionID, err)
	}
	var completed any
	if rec.CompletedAt != nil {
		completed = formatTime(*rec.CompletedAt)
	}
	res, err := s.exec(ctx, s.db, `UPDATE executions SET status = ?, completed_at = ?, duration_ms = ?,
			tokens_input = ?, tokens_output = ?, tool_calls = ?, result_text = ?, error_message = ?
		WHERE execution_id = ? AND status = ?`,
		string(rec.Status), completed, rec.DurationMs, rec.TokensInput, rec.TokensOutput, toolCalls,
		rec.ResultText, rec.ErrorMessage, rec.ExecutionID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("finish execution %q: %w", rec.ExecutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution %q: %w", rec.ExecutionID, err)
	}
	if n == 0 {
		if _, err := s.Execution(ctx, rec.ExecutionID); err != nil {
			return err
		}
		return fmt.Errorf("finish execution %q: %w", rec.ExecutionID, ErrTerminalExecution)
	}
	return nil
}

// Execution implements Store.
func (s *SQLStore) Execution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var status, started, toolCalls string
	var completed sql.NullString
	err := s.queryRow(ctx, s.db, `SELECT execution_id, agent_id, workspace_id, status, started_at, completed_at,
			duration_ms, tokens_input, tokens_output, tool_calls, result_text, error_message
		FROM executions WHERE execution_id = ?`, id).
		Scan(&rec.ExecutionID, &rec.AgentID, &rec.WorkspaceID, &status, &started, &completed,
			&rec.DurationMs, &rec.TokensInput, &rec.TokensOutput, &toolCalls, &rec.ResultText, &rec.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	rec.Status = ExecutionStatus(status)
	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return nil, fmt.Errorf("load execution: %w", err)
		}
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(toolCalls), &rec.ToolCalls); err != nil {
		return nil, fmt.Errorf("decode execution tool calls: %w", err)
	}
	return &rec, nil
}

func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	bts, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(bts), nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
