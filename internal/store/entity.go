package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// DefaultImportance is assigned to new entities that do not carry one.
const DefaultImportance = 0.5

// EntityStore is the merge-on-write knowledge tier.
type EntityStore struct {
	db         *DB
	maxRetries int

	// beforeUpdate runs inside the merge transaction between the read and
	// the versioned write. Tests use it to simulate a concurrent writer.
	beforeUpdate func(ctx context.Context, tx *sql.Tx) error
}

// NewEntityStore returns the entity tier backed by db. maxRetries bounds the
// optimistic merge loop.
func NewEntityStore(db *DB, maxRetries int) *EntityStore {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &EntityStore{db: db, maxRetries: maxRetries}
}

// UpsertParams describes one mention of an entity.
type UpsertParams struct {
	EntityType    string
	EntityID      string
	AgentName     string
	EntityName    string
	Attributes    model.Document
	Relationships map[string][]string
	// Importance is optional; nil keeps the stored value (or the default on create).
	Importance      *float64
	ForceImportance bool
}

// EntitySearchParams filters entity search.
type EntitySearchParams struct {
	EntityType    string
	NameContains  string
	AgentName     string
	MinImportance float64
	Limit         int
}

// ArchiveParams selects inactive entities for the reduction pass.
type ArchiveParams struct {
	Before            time.Time
	MinMentions       int
	ArchiveImportance float64
	AgentName         string
}

// ArchiveResult counts what an archive pass changed.
type ArchiveResult struct {
	Archived int
	Deleted  int
}

const entityColumns = `entity_type, entity_id, agent_name, entity_name, attributes, relationships,
	mention_count, importance, last_mentioned_at, created_at, updated_at, version`

// Upsert creates the entity on first mention and merges later mentions into
// it. Concurrent upserts on the same key are all applied; a writer that loses
// a race retries, and gives up with ErrConflict after maxRetries attempts.
func (s *EntityStore) Upsert(ctx context.Context, p UpsertParams) (*model.Entity, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		e, err := s.tryUpsert(ctx, p)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("upsert %s/%s after %d attempts: %w", p.EntityType, p.EntityID, s.maxRetries, lastErr)
}

func (s *EntityStore) tryUpsert(ctx context.Context, p UpsertParams) (*model.Entity, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := s.db.stamp()
	row := tx.QueryRowContext(ctx, s.db.rebind(
		`SELECT `+entityColumns+` FROM entities
		 WHERE entity_type = ? AND entity_id = ? AND agent_name = ?`+s.db.forUpdate()),
		p.EntityType, p.EntityID, p.AgentName)
	cur, err := scanEntity(row)
	if errors.Is(err, ErrNotFound) {
		e := newEntity(p, now)
		res, err := tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO entities (`+entityColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_type, entity_id, agent_name) DO NOTHING`),
			entityArgs(e)...)
		if err != nil {
			return nil, fmt.Errorf("insert entity: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrConflict
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit entity: %w", err)
		}
		return e, nil
	}
	if err != nil {
		return nil, err
	}

	merged := mergeEntity(cur, p, now)
	if s.beforeUpdate != nil {
		if err := s.beforeUpdate(ctx, tx); err != nil {
			return nil, err
		}
	}
	res, err := tx.ExecContext(ctx, s.db.rebind(
		`UPDATE entities SET entity_name = ?, attributes = ?, relationships = ?, mention_count = ?,
		        importance = ?, last_mentioned_at = ?, updated_at = ?, version = ?
		 WHERE entity_type = ? AND entity_id = ? AND agent_name = ? AND version = ?`),
		merged.EntityName, encodeDoc(merged.Attributes), encodeRelations(merged.Relationships),
		merged.MentionCount, merged.Importance, toNanos(merged.LastMentionedAt), toNanos(merged.UpdatedAt),
		merged.Version, p.EntityType, p.EntityID, p.AgentName, cur.Version)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit entity: %w", err)
	}
	return merged, nil
}

func newEntity(p UpsertParams, now time.Time) *model.Entity {
	importance := DefaultImportance
	if p.Importance != nil {
		importance = *p.Importance
	}
	attrs := model.Document{}
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	rels := map[string][]string{}
	for k, v := range p.Relationships {
		rels[k] = v
	}
	return &model.Entity{
		EntityType:      p.EntityType,
		EntityID:        p.EntityID,
		EntityName:      p.EntityName,
		Attributes:      attrs,
		Relationships:   rels,
		AgentName:       p.AgentName,
		MentionCount:    1,
		Importance:      importance,
		LastMentionedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

// mergeEntity applies one mention to the stored record: attribute keys are
// overwritten, named relations replaced, the mention counted once.
func mergeEntity(cur model.Entity, p UpsertParams, now time.Time) *model.Entity {
	e := cur
	if p.EntityName != "" {
		e.EntityName = p.EntityName
	}
	if e.Attributes == nil {
		e.Attributes = model.Document{}
	}
	for k, v := range p.Attributes {
		e.Attributes[k] = v
	}
	if e.Relationships == nil {
		e.Relationships = map[string][]string{}
	}
	for k, v := range p.Relationships {
		e.Relationships[k] = v
	}
	if p.Importance != nil {
		if p.ForceImportance || *p.Importance > e.Importance {
			e.Importance = *p.Importance
		}
	}
	e.MentionCount++
	e.LastMentionedAt = now
	e.UpdatedAt = now
	e.Version++
	return &e
}

// Get returns one entity or ErrNotFound.
func (s *EntityStore) Get(ctx context.Context, entityType, entityID, agentName string) (*model.Entity, error) {
	row := s.db.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT `+entityColumns+` FROM entities
		 WHERE entity_type = ? AND entity_id = ? AND agent_name = ?`),
		entityType, entityID, agentName)
	e, err := scanEntity(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Search returns matching entities, most important first.
func (s *EntityStore) Search(ctx context.Context, p EntitySearchParams) ([]model.Entity, error) {
	where := []string{"1 = 1"}
	var args []any

	if p.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, p.EntityType)
	}
	if p.NameContains != "" {
		where = append(where, `LOWER(entity_name) LIKE ? ESCAPE '\'`)
		args = append(args, likeContains(p.NameContains))
	}
	if p.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, p.AgentName)
	}
	if p.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, p.MinImportance)
	}
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY importance DESC, mention_count DESC, last_mentioned_at DESC`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}
	return s.queryEntities(ctx, s.db.db, query, args...)
}

// Archive deletes inactive entities with few mentions and demotes the rest of
// the inactive ones to the archive importance, in one transaction.
func (s *EntityStore) Archive(ctx context.Context, p ArchiveParams) (*ArchiveResult, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	scope := ""
	var scopeArgs []any
	if p.AgentName != "" {
		scope = " AND agent_name = ?"
		scopeArgs = []any{p.AgentName}
	}

	res, err := tx.ExecContext(ctx, s.db.rebind(
		`DELETE FROM entities WHERE last_mentioned_at < ? AND mention_count < ?`+scope),
		append([]any{toNanos(p.Before), p.MinMentions}, scopeArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("delete inactive entities: %w", err)
	}
	deleted, _ := res.RowsAffected()

	now := s.db.clock()
	res, err = tx.ExecContext(ctx, s.db.rebind(
		`UPDATE entities SET importance = ?, updated_at = ?, version = version + 1
		 WHERE last_mentioned_at < ? AND importance > ?`+scope),
		append([]any{p.ArchiveImportance, toNanos(now), toNanos(p.Before), p.ArchiveImportance}, scopeArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("archive inactive entities: %w", err)
	}
	archived, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit archive: %w", err)
	}
	return &ArchiveResult{Archived: int(archived), Deleted: int(deleted)}, nil
}

// ExportAll returns every entity.
func (s *EntityStore) ExportAll(ctx context.Context, agentName string) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY entity_type, entity_id, agent_name`
	return s.queryEntities(ctx, s.db.db, query, args...)
}

// Restore writes exported entities back verbatim, replacing any existing record.
func (s *EntityStore) Restore(ctx context.Context, entities []model.Entity) (int, error) {
	restored := 0
	for _, e := range entities {
		if e.Version == 0 {
			e.Version = 1
		}
		if e.MentionCount == 0 {
			e.MentionCount = 1
		}
		_, err := s.db.db.ExecContext(ctx, s.db.rebind(
			`INSERT INTO entities (`+entityColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_type, entity_id, agent_name) DO UPDATE SET
			   entity_name = excluded.entity_name,
			   attributes = excluded.attributes,
			   relationships = excluded.relationships,
			   mention_count = excluded.mention_count,
			   importance = excluded.importance,
			   last_mentioned_at = excluded.last_mentioned_at,
			   updated_at = excluded.updated_at,
			   version = entities.version + 1`),
			entityArgs(&e)...)
		if err != nil {
			return restored, fmt.Errorf("restore entity %s/%s: %w", e.EntityType, e.EntityID, err)
		}
		restored++
	}
	return restored, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *EntityStore) queryEntities(ctx context.Context, q queryer, query string, args ...any) ([]model.Entity, error) {
	rows, err := q.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := []model.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func entityArgs(e *model.Entity) []any {
	return []any{
		e.EntityType, e.EntityID, e.AgentName, e.EntityName,
		encodeDoc(e.Attributes), encodeRelations(e.Relationships),
		e.MentionCount, e.Importance,
		toNanos(e.LastMentionedAt), toNanos(e.CreatedAt), toNanos(e.UpdatedAt), e.Version,
	}
}

func scanEntity(s scanner) (model.Entity, error) {
	var (
		e                      model.Entity
		attrs, rels            string
		lastMentioned, created int64
		updated                int64
	)
	err := s.Scan(&e.EntityType, &e.EntityID, &e.AgentName, &e.EntityName, &attrs, &rels,
		&e.MentionCount, &e.Importance, &lastMentioned, &created, &updated, &e.Version)
	if isNoRows(err) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("scan entity: %w", err)
	}
	e.Attributes = decodeDoc(attrs)
	e.Relationships = map[string][]string{}
	json.Unmarshal([]byte(rels), &e.Relationships)
	e.LastMentionedAt = fromNanos(lastMentioned)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

func encodeRelations(r map[string][]string) string {
	if r == nil {
		return "{}"
	}
	b, _ := json.Marshal(r)
	return string(b)
}
