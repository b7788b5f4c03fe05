package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/agent-context/internal/model"
)

// SearchParams filters a keyword search over message content.
type SearchParams struct {
	Query     string
	SessionID string
	AgentName string
	Limit     int
}

// Search finds messages whose content contains the query, case-insensitively,
// most important first.
func (c *ConversationLog) Search(ctx context.Context, p SearchParams) ([]model.Message, error) {
	where := []string{`LOWER(content) LIKE ? ESCAPE '\'`}
	args := []any{likeContains(p.Query)}

	if p.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, p.SessionID)
	}
	if p.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, p.AgentName)
	}

	query := fmt.Sprintf(`SELECT %s FROM conversation_messages
		WHERE %s
		ORDER BY importance DESC, created_at DESC, id DESC
		LIMIT ?`, messageColumns, strings.Join(where, " AND "))
	args = append(args, p.Limit)

	return c.queryMessages(ctx, query, args...)
}
