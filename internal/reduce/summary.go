package reduce

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rcliao/agent-context/internal/model"
)

const lineExcerpt = 120

// Summarize builds the system message that stands in for a pruned range.
// The summary keeps the position of the newest pruned turn and sits exactly
// at the importance floor so later passes leave it alone.
func Summarize(pruned []model.Message, runID string, floor float64, maxChars int) *model.Message {
	if len(pruned) == 0 {
		return nil
	}
	first, last := pruned[0], pruned[len(pruned)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier messages (%s to %s):",
		len(pruned), first.CreatedAt.Format("2006-01-02 15:04"), last.CreatedAt.Format("2006-01-02 15:04"))

	for i, m := range pruned {
		line := fmt.Sprintf("\n- %s: %s", m.Role, excerpt(m.Content, lineExcerpt))
		if maxChars > 0 && b.Len()+len(line) > maxChars {
			fmt.Fprintf(&b, "\n- ... (%d more)", len(pruned)-i)
			break
		}
		b.WriteString(line)
	}

	userID := first.UserID
	for _, m := range pruned {
		if m.UserID != userID {
			userID = ""
			break
		}
	}

	return &model.Message{
		SessionID:  first.SessionID,
		AgentName:  first.AgentName,
		UserID:     userID,
		Role:       model.RoleSystem,
		Content:    b.String(),
		Importance: floor,
		CreatedAt:  last.CreatedAt,
		Metadata: model.Document{
			"reduction":       true,
			"runId":           runID,
			"summarizedCount": len(pruned),
			"fromId":          first.ID,
			"toId":            last.ID,
		},
	}
}

// excerpt flattens whitespace and cuts s to at most n runes.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
