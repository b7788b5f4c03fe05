package store

import (
	"context"
	"fmt"
	"os"
)

// Stats holds row counts per tier.
type Stats struct {
	Driver         string        `json:"driver"`
	DBSizeBytes    int64         `json:"dbSizeBytes,omitempty"`
	Messages       int           `json:"messages"`
	Sessions       int           `json:"sessions"`
	Entities       int           `json:"entities"`
	WorkingSlots   int           `json:"workingSlots"`
	ExpiredSlots   int           `json:"expiredSlots"`
	TopSessions    []SessionInfo `json:"topSessions"`
	EntitiesByType []TypeCount   `json:"entitiesByType"`
}

// TypeCount is the number of entities of one type.
type TypeCount struct {
	EntityType string `json:"entityType"`
	Count      int    `json:"count"`
}

// Stats returns database statistics.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: d.driver, TopSessions: []SessionInfo{}, EntitiesByType: []TypeCount{}}

	if d.driver == DriverSQLite {
		if info, err := os.Stat(d.dsn); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}

	now := toNanos(d.clock())
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.Messages, `SELECT COUNT(*) FROM conversation_messages`, nil},
		{&st.Sessions, `SELECT COUNT(*) FROM (SELECT DISTINCT session_id, agent_name FROM conversation_messages) s`, nil},
		{&st.Entities, `SELECT COUNT(*) FROM entities`, nil},
		{&st.WorkingSlots, `SELECT COUNT(*) FROM working_slots WHERE expires_at > ?`, []any{now}},
		{&st.ExpiredSlots, `SELECT COUNT(*) FROM working_slots WHERE expires_at <= ?`, []any{now}},
	}
	for _, c := range counts {
		if err := d.db.QueryRowContext(ctx, d.rebind(c.query), c.args...).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
	}

	top, err := NewConversationLog(d).Sessions(ctx, "", 10)
	if err != nil {
		return nil, err
	}
	if top != nil {
		st.TopSessions = top
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) AS cnt
		FROM entities GROUP BY entity_type ORDER BY cnt DESC`)
	if err != nil {
		return nil, fmt.Errorf("count entities by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.EntityType, &tc.Count); err != nil {
			return nil, err
		}
		st.EntitiesByType = append(st.EntitiesByType, tc)
	}
	return st, rows.Err()
}
