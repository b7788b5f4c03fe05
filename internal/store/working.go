package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// WorkingStore holds replace-on-write task state slots with expiry.
type WorkingStore struct {
	db *DB
}

// NewWorkingStore returns the working-memory tier backed by db.
func NewWorkingStore(db *DB) *WorkingStore {
	return &WorkingStore{db: db}
}

const slotColumns = `agent_name, session_id, context_type, context_data, created_at, expires_at`

// Put replaces the slot for (agent, session, contextType) and returns it with
// its timestamps. ttl must be positive.
func (w *WorkingStore) Put(ctx context.Context, slot model.WorkingSlot, ttl time.Duration) (*model.WorkingSlot, error) {
	now := w.db.clock()
	slot.CreatedAt = now
	slot.ExpiresAt = now.Add(ttl)
	if slot.ContextData == nil {
		slot.ContextData = model.Document{}
	}

	_, err := w.db.db.ExecContext(ctx, w.db.rebind(
		`INSERT INTO working_slots (`+slotColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_name, session_id, context_type) DO UPDATE SET
		   context_data = excluded.context_data,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`),
		slot.AgentName, slot.SessionID, slot.ContextType, encodeDoc(slot.ContextData),
		toNanos(slot.CreatedAt), toNanos(slot.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("put working slot: %w", err)
	}
	return &slot, nil
}

// Get returns a live slot, or ErrNotFound when it is absent or expired.
func (w *WorkingStore) Get(ctx context.Context, agentName, sessionID, contextType string) (*model.WorkingSlot, error) {
	row := w.db.db.QueryRowContext(ctx, w.db.rebind(
		`SELECT `+slotColumns+` FROM working_slots
		 WHERE agent_name = ? AND session_id = ? AND context_type = ? AND expires_at > ?`),
		agentName, sessionID, contextType, toNanos(w.db.clock()))
	slot, err := scanSlot(row)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

// List returns all live slots of a session ordered by context type.
func (w *WorkingStore) List(ctx context.Context, agentName, sessionID string) ([]model.WorkingSlot, error) {
	rows, err := w.db.db.QueryContext(ctx, w.db.rebind(
		`SELECT `+slotColumns+` FROM working_slots
		 WHERE agent_name = ? AND session_id = ? AND expires_at > ?
		 ORDER BY context_type`),
		agentName, sessionID, toNanos(w.db.clock()))
	if err != nil {
		return nil, fmt.Errorf("list working slots: %w", err)
	}
	defer rows.Close()

	slots := []model.WorkingSlot{}
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// Clear removes one live slot, or every slot of the session when contextType
// is empty. It returns the number of live slots removed.
func (w *WorkingStore) Clear(ctx context.Context, agentName, sessionID, contextType string) (int, error) {
	query := `DELETE FROM working_slots WHERE agent_name = ? AND session_id = ? AND expires_at > ?`
	args := []any{agentName, sessionID, toNanos(w.db.clock())}
	if contextType != "" {
		query += ` AND context_type = ?`
		args = append(args, contextType)
	}
	res, err := w.db.db.ExecContext(ctx, w.db.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("clear working slots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Sweep deletes expired slots and returns how many were removed.
func (w *WorkingStore) Sweep(ctx context.Context) (int, error) {
	res, err := w.db.db.ExecContext(ctx, w.db.rebind(
		`DELETE FROM working_slots WHERE expires_at <= ?`), toNanos(w.db.clock()))
	if err != nil {
		return 0, fmt.Errorf("sweep working slots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSlot(s scanner) (model.WorkingSlot, error) {
	var (
		slot             model.WorkingSlot
		data             string
		created, expires int64
	)
	err := s.Scan(&slot.AgentName, &slot.SessionID, &slot.ContextType, &data, &created, &expires)
	if err == nil {
		slot.ContextData = decodeDoc(data)
		slot.CreatedAt = fromNanos(created)
		slot.ExpiresAt = fromNanos(expires)
		return slot, nil
	}
	if isNoRows(err) {
		return slot, ErrNotFound
	}
	return slot, fmt.Errorf("scan working slot: %w", err)
}
