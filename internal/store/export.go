package store

import (
	"context"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

// ExportFormatVersion is bumped when the dump layout changes.
const ExportFormatVersion = 1

// Dump is the portable JSON form of the durable tiers.
type Dump struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Messages   []model.Message `json:"messages"`
	Entities   []model.Entity  `json:"entities"`
}

// ImportResult counts restored records.
type ImportResult struct {
	Messages int `json:"messages"`
	Entities int `json:"entities"`
}

// Export dumps messages (optionally one session) and entities (optionally one agent).
func (d *DB) Export(ctx context.Context, sessionID, agentName string) (*Dump, error) {
	msgs, err := NewConversationLog(d).ExportAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ents, err := NewEntityStore(d, 1).ExportAll(ctx, agentName)
	if err != nil {
		return nil, err
	}
	return &Dump{
		Version:    ExportFormatVersion,
		ExportedAt: d.clock(),
		Messages:   msgs,
		Entities:   ents,
	}, nil
}

// Import appends the dump's messages and restores its entities. Messages get
// new ids; entities replace any record with the same key.
func (d *DB) Import(ctx context.Context, dump *Dump) (*ImportResult, error) {
	res := &ImportResult{}
	n, err := NewConversationLog(d).Import(ctx, dump.Messages)
	res.Messages = n
	if err != nil {
		return res, err
	}
	n, err = NewEntityStore(d, 1).Restore(ctx, dump.Entities)
	res.Entities = n
	return res, err
}
