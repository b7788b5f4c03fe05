package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// ConversationLog is the append-only message history tier.
type ConversationLog struct {
	db *DB
}

// NewConversationLog returns the conversation tier backed by db.
func NewConversationLog(db *DB) *ConversationLog {
	return &ConversationLog{db: db}
}

// ListParams filters a session's history.
type ListParams struct {
	SessionID     string
	AgentName     string
	UserID        string
	Since         time.Time
	MinImportance float64
	Limit         int
	Descending    bool
}

// SessionInfo summarizes one (session, agent) conversation.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	AgentName    string    `json:"agentName"`
	Messages     int       `json:"messages"`
	FirstMessage time.Time `json:"firstMessage"`
	LastActivity time.Time `json:"lastActivity"`
}

const messageColumns = `id, session_id, agent_name, user_id, role, content, metadata,
	importance, created_at, accessed_at, access_count`

// Append stores a message and returns it with its assigned id and timestamps.
func (c *ConversationLog) Append(ctx context.Context, m model.Message) (*model.Message, error) {
	now := c.db.stamp()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.AccessedAt = now
	m.AccessCount = 0

	row := c.db.db.QueryRowContext(ctx, c.db.rebind(
		`INSERT INTO conversation_messages
		 (session_id, agent_name, user_id, role, content, metadata, importance, created_at, accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		 RETURNING id`),
		m.SessionID, m.AgentName, nullString(m.UserID), string(m.Role), m.Content,
		encodeMeta(m.Metadata), m.Importance, toNanos(m.CreatedAt), toNanos(m.AccessedAt))
	if err := row.Scan(&m.ID); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &m, nil
}

// List returns the most recent Limit matching messages, ordered by
// (createdAt, id) ascending unless Descending is set.
func (c *ConversationLog) List(ctx context.Context, p ListParams) ([]model.Message, error) {
	where := []string{"session_id = ?"}
	args := []any{p.SessionID}

	if p.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, p.AgentName)
	}
	if p.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, p.UserID)
	}
	if !p.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(p.Since))
	}
	if p.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, p.MinImportance)
	}

	query := fmt.Sprintf(`SELECT %s FROM conversation_messages
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, messageColumns, strings.Join(where, " AND "))
	args = append(args, p.Limit)

	msgs, err := c.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if !p.Descending {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// Touch bumps access stats for the given messages and returns the access time used.
func (c *ConversationLog) Touch(ctx context.Context, ids []int64) (time.Time, error) {
	now := c.db.clock()
	if len(ids) == 0 {
		return now, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, toNanos(now))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := c.db.db.ExecContext(ctx, c.db.rebind(
		`UPDATE conversation_messages SET access_count = access_count + 1, accessed_at = ?
		 WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return now, fmt.Errorf("update access stats: %w", err)
	}
	return now, nil
}

// Sessions lists conversations, most recently active first.
func (c *ConversationLog) Sessions(ctx context.Context, agentName string, limit int) ([]SessionInfo, error) {
	query := `SELECT session_id, agent_name, COUNT(*), MIN(created_at), MAX(created_at)
		FROM conversation_messages`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` GROUP BY session_id, agent_name ORDER BY MAX(created_at) DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.db.QueryContext(ctx, c.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			si          SessionInfo
			first, last int64
		)
		if err := rows.Scan(&si.SessionID, &si.AgentName, &si.Messages, &first, &last); err != nil {
			return nil, err
		}
		si.FirstMessage = fromNanos(first)
		si.LastActivity = fromNanos(last)
		out = append(out, si)
	}
	return out, rows.Err()
}

// ReduceScope restricts a reduction pass to one session and/or agent.
type ReduceScope struct {
	SessionID string
	AgentName string
}

// Candidates returns the (session, agent) pairs holding messages older than
// before with importance below floor.
func (c *ConversationLog) Candidates(ctx context.Context, scope ReduceScope, before time.Time, floor float64) ([]model.SessionKey, error) {
	where := []string{"created_at < ?", "importance < ?"}
	args := []any{toNanos(before), floor}
	if scope.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, scope.SessionID)
	}
	if scope.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, scope.AgentName)
	}

	rows, err := c.db.db.QueryContext(ctx, c.db.rebind(
		`SELECT DISTINCT session_id, agent_name FROM conversation_messages
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY session_id, agent_name`), args...)
	if err != nil {
		return nil, fmt.Errorf("find reduction candidates: %w", err)
	}
	defer rows.Close()

	var keys []model.SessionKey
	for rows.Next() {
		var k model.SessionKey
		if err := rows.Scan(&k.SessionID, &k.AgentName); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PruneParams selects the messages removed from one conversation.
type PruneParams struct {
	Key       model.SessionKey
	Before    time.Time
	Floor     float64
	BatchSize int
	// Summarize, when set, builds a replacement message for the pruned range.
	// It is inserted in the same transaction as the delete.
	Summarize func(pruned []model.Message) *model.Message
}

// PruneResult reports what a prune removed and wrote.
type PruneResult struct {
	Pruned  int
	Summary *model.Message
}

// Prune deletes up to BatchSize old, low-importance messages of one
// conversation and optionally writes a summary, atomically. On Postgres the
// batch is claimed with SKIP LOCKED, so overlapping passes never prune or
// summarize the same rows twice.
func (c *ConversationLog) Prune(ctx context.Context, p PruneParams) (*PruneResult, error) {
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, c.db.rebind(
		`SELECT `+messageColumns+` FROM conversation_messages
		 WHERE session_id = ? AND agent_name = ? AND created_at < ? AND importance < ?
		 ORDER BY created_at, id
		 LIMIT ?`+c.db.skipLocked()),
		p.Key.SessionID, p.Key.AgentName, toNanos(p.Before), p.Floor, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select prunable: %w", err)
	}
	var pruned []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pruned = append(pruned, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return &PruneResult{}, nil
	}

	args := make([]any, len(pruned))
	for i, m := range pruned {
		args[i] = m.ID
	}
	del, err := tx.ExecContext(ctx, c.db.rebind(
		`DELETE FROM conversation_messages WHERE id IN (`+placeholders(len(args))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("delete pruned: %w", err)
	}
	// A concurrent pass got to some of the rows first; leave the unit to it.
	if n, err := del.RowsAffected(); err == nil && n != int64(len(pruned)) {
		return nil, fmt.Errorf("prune %s/%s: deleted %d of %d: %w", p.Key.SessionID, p.Key.AgentName, n, len(pruned), ErrConflict)
	}

	res := &PruneResult{Pruned: len(pruned)}
	if p.Summarize != nil {
		if s := p.Summarize(pruned); s != nil {
			now := c.db.clock()
			err := tx.QueryRowContext(ctx, c.db.rebind(
				`INSERT INTO conversation_messages
				 (session_id, agent_name, user_id, role, content, metadata, importance, created_at, accessed_at, access_count)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
				 RETURNING id`),
				s.SessionID, s.AgentName, nullString(s.UserID), string(s.Role), s.Content,
				encodeMeta(s.Metadata), s.Importance, toNanos(s.CreatedAt), toNanos(now)).Scan(&s.ID)
			if err != nil {
				return nil, fmt.Errorf("insert summary: %w", err)
			}
			s.AccessedAt = now
			res.Summary = s
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit prune: %w", err)
	}
	return res, nil
}

// ExportAll returns every message ordered by session and time.
func (c *ConversationLog) ExportAll(ctx context.Context, sessionID string) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY session_id, created_at, id`
	return c.queryMessages(ctx, query, args...)
}

// Import appends exported messages, keeping their original createdAt.
func (c *ConversationLog) Import(ctx context.Context, msgs []model.Message) (int, error) {
	imported := 0
	for _, m := range msgs {
		if _, err := c.Append(ctx, m); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (c *ConversationLog) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := c.db.db.QueryContext(ctx, c.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m                 model.Message
		userID, meta      sql.NullString
		role              string
		created, accessed int64
	)
	err := s.Scan(&m.ID, &m.SessionID, &m.AgentName, &userID, &role, &m.Content, &meta,
		&m.Importance, &created, &accessed, &m.AccessCount)
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.UserID = userID.String
	m.Role = model.Role(role)
	m.CreatedAt = fromNanos(created)
	m.AccessedAt = fromNanos(accessed)
	if meta.Valid && meta.String != "" {
		m.Metadata = decodeDoc(meta.String)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMeta(d model.Document) sql.NullString {
	if len(d) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(d)
	return sql.NullString{String: string(b), Valid: true}
}

func encodeDoc(d model.Document) string {
	if d == nil {
		return "{}"
	}
	b, _ := json.Marshal(d)
	return string(b)
}

func decodeDoc(s string) model.Document {
	d := model.Document{}
	json.Unmarshal([]byte(s), &d)
	return d
}
