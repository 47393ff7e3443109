package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// InvocationRecord is one persisted agent invocation, delegated ones
// included.
type InvocationRecord struct {
	ID           string         `json:"id"`
	DispatchID   string         `json:"dispatch_id"`
	Agent        string         `json:"agent"`
	Model        string         `json:"model"`
	UserID       string         `json:"user_id,omitempty"`
	Request      string         `json:"request"`
	Turns        int            `json:"turns"`
	MaxTurns     int            `json:"max_turns"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Exhausted    bool           `json:"exhausted"`
	ToolsCalled  map[string]int `json:"tools_called,omitempty"`
	Result       string         `json:"result"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	DurationMs   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

// InvocationStore appends invocation records to a SQLite table. It is
// safe for concurrent use.
type InvocationStore struct {
	db *sql.DB
}

// OpenInvocationStore opens (creating if needed) the SQLite database at
// path. Use ":memory:" for a throwaway store.
func OpenInvocationStore(path string) (*InvocationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open invocation db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure invocation db: %w", err)
	}
	s, err := NewInvocationStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInvocationStore uses db and creates the invocations table if it
// does not exist.
func NewInvocationStore(db *sql.DB) (*InvocationStore, error) {
	s := &InvocationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("invocation store migrate: %w", err)
	}
	return s, nil
}

func (s *InvocationStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id            TEXT PRIMARY KEY,
			dispatch_id   TEXT NOT NULL,
			agent         TEXT NOT NULL,
			model         TEXT NOT NULL,
			user_id       TEXT,
			request       TEXT NOT NULL,
			turns         INTEGER NOT NULL,
			max_turns     INTEGER NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			exhausted     BOOLEAN NOT NULL DEFAULT 0,
			tools_called  TEXT,
			result        TEXT,
			started_at    TEXT NOT NULL,
			completed_at  TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL,
			error         TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_dispatch
			ON invocations(dispatch_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_invocations_started
			ON invocations(started_at DESC);
	`)
	return err
}

// Close closes the underlying database.
func (s *InvocationStore) Close() error {
	return s.db.Close()
}

// Record inserts rec, assigning a time-ordered ID when it has none.
func (s *InvocationStore) Record(ctx context.Context, rec *InvocationRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate invocation id: %w", err)
		}
		rec.ID = id.String()
	}

	toolsJSON, err := json.Marshal(rec.ToolsCalled)
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invocations (
			id, dispatch_id, agent, model, user_id, request,
			turns, max_turns, input_tokens, output_tokens,
			exhausted, tools_called, result,
			started_at, completed_at, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DispatchID, rec.Agent, rec.Model, rec.UserID, rec.Request,
		rec.Turns, rec.MaxTurns, rec.InputTokens, rec.OutputTokens,
		rec.Exhausted, string(toolsJSON), rec.Result,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert invocation %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, dispatch_id, agent, model, user_id, request,
		turns, max_turns, input_tokens, output_tokens,
		exhausted, tools_called, result,
		started_at, completed_at, duration_ms, error
	FROM invocations`

// Get returns the record with the given ID, or [sql.ErrNoRows].
func (s *InvocationStore) Get(ctx context.Context, id string) (*InvocationRecord, error) {
	return scanInto(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
}

// List returns records newest first. A limit of 0 returns everything.
func (s *InvocationStore) List(ctx context.Context, limit int) ([]*InvocationRecord, error) {
	query := selectColumns + ` ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ForDispatch returns every invocation made while handling one message,
// in the order they started.
func (s *InvocationStore) ForDispatch(ctx context.Context, dispatchID string) ([]*InvocationRecord, error) {
	return s.query(ctx, selectColumns+` WHERE dispatch_id = ? ORDER BY started_at, id`, dispatchID)
}

func (s *InvocationStore) query(ctx context.Context, query string, args ...any) ([]*InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*InvocationRecord
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*InvocationRecord, error) {
	var rec InvocationRecord
	var userID, toolsJSON, result, errStr sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&rec.ID, &rec.DispatchID, &rec.Agent, &rec.Model, &userID, &rec.Request,
		&rec.Turns, &rec.MaxTurns, &rec.InputTokens, &rec.OutputTokens,
		&rec.Exhausted, &toolsJSON, &result,
		&startedAt, &completedAt, &rec.DurationMs, &errStr,
	)
	if err != nil {
		return nil, err
	}

	rec.UserID = userID.String
	rec.Result = result.String
	rec.Error = errStr.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	if toolsJSON.Valid && toolsJSON.String != "" && toolsJSON.String != "null" {
		_ = json.Unmarshal([]byte(toolsJSON.String), &rec.ToolsCalled)
	}
	return &rec, nil
}

func newRecord(agentName string, maxTurns int, actx Context, input Input, res *Result, start time.Time, err error) *InvocationRecord {
	rec := &InvocationRecord{
		DispatchID:   actx.DispatchID,
		Agent:        agentName,
		Model:        res.Model,
		UserID:       actx.UserID,
		Request:      input.lastUser(),
		Turns:        res.Turns,
		MaxTurns:     maxTurns,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Exhausted:    res.Exhausted,
		ToolsCalled:  countTools(res.ToolCalls),
		Result:       res.Text,
		StartedAt:    start,
		CompletedAt:  start.Add(res.Duration),
		DurationMs:   res.Duration.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func countTools(calls []ToolCallRecord) map[string]int {
	if len(calls) == 0 {
		return nil
	}
	counts := make(map[string]int, len(calls))
	for _, c := range calls {
		counts[c.Name]++
	}
	return counts
}
