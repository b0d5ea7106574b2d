// Package store provides sqlite-based persistence for sessions, transcript
// messages, search runs and results, choices, the inter-agent audit trail and
// agent instruction templates. It is pure data access; no business logic.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/modista/shopagent/internal/logger"
)

// ErrNotFound is returned when a requested record does not exist, or does not
// belong to the session it was requested through.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT,
    profile_id TEXT,
    priority_order TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    role TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS search_runs (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    query_text TEXT NOT NULL,
    refined_params TEXT,
    item_count INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS search_results (
    id TEXT PRIMARY KEY,
    search_run_id TEXT NOT NULL REFERENCES search_runs(id),
    title TEXT NOT NULL,
    url TEXT NOT NULL,
    price TEXT,
    source TEXT,
    position INTEGER NOT NULL,
    snippet TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS choices (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    search_result_id TEXT NOT NULL REFERENCES search_results(id),
    product_url TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_communications (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    from_agent TEXT NOT NULL,
    to_agent TEXT NOT NULL,
    message_type TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_prompts (
    id TEXT PRIMARY KEY,
    agent_type TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'default',
    name TEXT NOT NULL,
    content TEXT NOT NULL,
    model TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    sort_order INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_session ON search_runs(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_results_run ON search_results(search_run_id, position);
CREATE INDEX IF NOT EXISTS idx_comms_session ON agent_communications(session_id, created_at);
`

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	logger.L.Info("sqlite store initialized", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func marshalJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// CreateSession inserts a new session and returns it.
func (s *Store) CreateSession(ctx context.Context, userID, profileID string, priorityOrder []string) (*Session, error) {
	sess := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		ProfileID:     profileID,
		PriorityOrder: priorityOrder,
		CreatedAt:     time.Now().UTC(),
	}
	prio, err := marshalJSON(sess.PriorityOrder)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, profile_id, priority_order, created_at) VALUES (?,?,?,?,?);`,
		sess.ID, nullable(sess.UserID), nullable(sess.ProfileID), prio, sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads one session by id. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, profile_id, priority_order, created_at FROM sessions WHERE id = ?;`, id)
	var sess Session
	var userID, profileID, prio sql.NullString
	if err := row.Scan(&sess.ID, &userID, &profileID, &prio, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.UserID = userID.String
	sess.ProfileID = profileID.String
	sess.PriorityOrder = unmarshalStrings(prio)
	return &sess, nil
}

// UpdateSessionPriorities replaces the session's stored priority list.
func (s *Store) UpdateSessionPriorities(ctx context.Context, sessionID string, priorities []string) error {
	prio, err := marshalJSON(priorities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET priority_order = ? WHERE id = ?;`, prio, sessionID)
	if err != nil {
		return fmt.Errorf("update session priorities: %w", err)
	}
	return nil
}

// UpdateSessionProfile replaces the session's linked profile reference.
// An empty profileID clears it.
func (s *Store) UpdateSessionProfile(ctx context.Context, sessionID, profileID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET profile_id = ? WHERE id = ?;`, nullable(profileID), sessionID)
	if err != nil {
		return fmt.Errorf("update session profile: %w", err)
	}
	return nil
}

// CreateMessage appends one transcript message.
func (s *Store) CreateMessage(ctx context.Context, sessionID, role, contentType, content string) (*Message, error) {
	msg := &Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        role,
		ContentType: contentType,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content_type, content, created_at) VALUES (?,?,?,?,?,?);`,
		msg.ID, msg.SessionID, msg.Role, msg.ContentType, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages of a session in chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content_type, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at ASC, rowid ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.ContentType, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateSearchRun records one search invocation.
func (s *Store) CreateSearchRun(ctx context.Context, sessionID, queryText string, refinedParams map[string]any, itemCount int) (*SearchRun, error) {
	run := &SearchRun{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		QueryText:     queryText,
		RefinedParams: refinedParams,
		ItemCount:     itemCount,
		CreatedAt:     time.Now().UTC(),
	}
	params, err := marshalJSON(refinedParams)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_runs (id, session_id, query_text, refined_params, item_count, created_at) VALUES (?,?,?,?,?,?);`,
		run.ID, run.SessionID, run.QueryText, params, run.ItemCount, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create search run: %w", err)
	}
	return run, nil
}

// LatestSearchRun returns the most recent run of a session by creation time,
// or ErrNotFound when the session has none.
func (s *Store) LatestSearchRun(ctx context.Context, sessionID string) (*SearchRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, query_text, refined_params, item_count, created_at FROM search_runs
		 WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, sessionID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*SearchRun, error) {
	var run SearchRun
	var params sql.NullString
	if err := row.Scan(&run.ID, &run.SessionID, &run.QueryText, &params, &run.ItemCount, &run.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan search run: %w", err)
	}
	run.RefinedParams = unmarshalMap(params)
	return &run, nil
}

// ListSearchRuns returns one page of a session's runs, newest first.
func (s *Store) ListSearchRuns(ctx context.Context, sessionID string, offset, limit int) ([]SearchRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, query_text, refined_params, item_count, created_at FROM search_runs
		 WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list search runs: %w", err)
	}
	defer rows.Close()
	var out []SearchRun
	for rows.Next() {
		var run SearchRun
		var params sql.NullString
		if err := rows.Scan(&run.ID, &run.SessionID, &run.QueryText, &params, &run.ItemCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.RefinedParams = unmarshalMap(params)
		out = append(out, run)
	}
	return out, rows.Err()
}

// CountSearchRuns returns the total number of runs for a session.
func (s *Store) CountSearchRuns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_runs WHERE session_id = ?;`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count search runs: %w", err)
	}
	return n, nil
}

// CreateSearchResult persists one ranked item of a run.
func (s *Store) CreateSearchResult(ctx context.Context, runID, title, url, price, source string, position int, snippet string) (*SearchResult, error) {
	res := &SearchResult{
		ID:          uuid.NewString(),
		SearchRunID: runID,
		Title:       title,
		URL:         url,
		Price:       price,
		Source:      source,
		Position:    position,
		Snippet:     snippet,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_results (id, search_run_id, title, url, price, source, position, snippet, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?);`,
		res.ID, res.SearchRunID, res.Title, res.URL, nullable(res.Price), nullable(res.Source), res.Position, nullable(res.Snippet), res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create search result: %w", err)
	}
	return res, nil
}

// ListSearchResults returns all results of a run ordered by position.
func (s *Store) ListSearchResults(ctx context.Context, runID string) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, search_run_id, title, url, price, source, position, snippet, created_at FROM search_results
		 WHERE search_run_id = ? ORDER BY position ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list search results: %w", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*SearchResult, error) {
	var r SearchResult
	var price, source, snippet sql.NullString
	if err := row.Scan(&r.ID, &r.SearchRunID, &r.Title, &r.URL, &price, &source, &r.Position, &snippet, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Price = price.String
	r.Source = source.String
	r.Snippet = snippet.String
	return &r, nil
}

// GetSearchResultInSession loads one result only if its run belongs to the
// given session; ErrNotFound otherwise.
func (s *Store) GetSearchResultInSession(ctx context.Context, sessionID, resultID string) (*SearchResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.search_run_id, r.title, r.url, r.price, r.source, r.position, r.snippet, r.created_at
		 FROM search_results r JOIN search_runs sr ON sr.id = r.search_run_id
		 WHERE r.id = ? AND sr.session_id = ?;`, resultID, sessionID)
	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get search result: %w", err)
	}
	return res, nil
}

// CreateChoice records a product selection with the URL denormalized at
// selection time.
func (s *Store) CreateChoice(ctx context.Context, sessionID, resultID, productURL string) (*Choice, error) {
	c := &Choice{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		SearchResultID: resultID,
		ProductURL:     productURL,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO choices (id, session_id, search_result_id, product_url, created_at) VALUES (?,?,?,?,?);`,
		c.ID, c.SessionID, c.SearchResultID, c.ProductURL, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create choice: %w", err)
	}
	return c, nil
}

// CreateAgentCommunication appends one audit event.
func (s *Store) CreateAgentCommunication(ctx context.Context, c *AgentCommunication) error {
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_communications (id, session_id, from_agent, to_agent, message_type, content, metadata, created_at)
		 VALUES (?,?,?,?,?,?,?,?);`,
		c.ID, c.SessionID, c.FromAgent, c.ToAgent, c.MessageType, c.Content, meta, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent communication: %w", err)
	}
	return nil
}

// ListAgentCommunications returns a session's audit trail in chronological
// order.
func (s *Store) ListAgentCommunications(ctx context.Context, sessionID string) ([]AgentCommunication, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, from_agent, to_agent, message_type, content, metadata, created_at
		 FROM agent_communications WHERE session_id = ? ORDER BY created_at ASC, rowid ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agent communications: %w", err)
	}
	defer rows.Close()
	var out []AgentCommunication
	for rows.Next() {
		var c AgentCommunication
		var meta sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &c.FromAgent, &c.ToAgent, &c.MessageType, &c.Content, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Metadata = unmarshalMap(meta)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAgentPrompt inserts an instruction template. Role defaults to
// "default" when empty.
func (s *Store) CreateAgentPrompt(ctx context.Context, p *AgentPrompt) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Role == "" {
		p.Role = "default"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_prompts (id, agent_type, role, name, content, model, is_active, sort_order, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?);`,
		p.ID, p.AgentType, p.Role, p.Name, p.Content, nullable(p.Model), p.IsActive, p.SortOrder, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent prompt: %w", err)
	}
	return nil
}

// ActiveAgentPrompt returns the first active prompt for an agent type and
// role by sort order, or ErrNotFound.
func (s *Store) ActiveAgentPrompt(ctx context.Context, agentType, role string) (*AgentPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_type, role, name, content, model, is_active, sort_order, created_at
		 FROM agent_prompts WHERE agent_type = ? AND role = ? AND is_active = 1
		 ORDER BY sort_order ASC, created_at ASC LIMIT 1;`, agentType, role)
	var p AgentPrompt
	var model sql.NullString
	if err := row.Scan(&p.ID, &p.AgentType, &p.Role, &p.Name, &p.Content, &model, &p.IsActive, &p.SortOrder, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active agent prompt: %w", err)
	}
	p.Model = model.String
	return &p, nil
}
