package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/agent-context/internal/model"
)

func msg(session, agent string, role model.Role, content string) model.Message {
	return model.Message{
		SessionID:  session,
		AgentName:  agent,
		Role:       role,
		Content:    content,
		Importance: 0.5,
	}
}

func appendN(t *testing.T, log *ConversationLog, session, agent string, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		m, err := log.Append(context.Background(), msg(session, agent, model.RoleUser, fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func TestAppendAndListChronological(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))

	turns := []model.Message{
		msg("s1", "z", model.RoleUser, "my age is 28"),
		msg("s1", "z", model.RoleAssistant, "noted, you are 28"),
		msg("s1", "z", model.RoleUser, "what's the weather"),
		msg("s1", "z", model.RoleAssistant, "sunny"),
		msg("s1", "z", model.RoleUser, "thanks"),
	}
	var lastID int64
	for _, m := range turns {
		got, err := log.Append(ctx, m)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if got.ID <= lastID {
			t.Errorf("expected increasing ids, got %d after %d", got.ID, lastID)
		}
		lastID = got.ID
	}

	msgs, err := log.List(ctx, ListParams{SessionID: "s1", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "my age is 28" {
		t.Errorf("first message content = %q", msgs[0].Content)
	}
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID) {
			t.Errorf("messages out of order at %d", i)
		}
		if cur.Content != turns[i].Content {
			t.Errorf("message %d = %q, want %q", i, cur.Content, turns[i].Content)
		}
	}
}

func TestListLimitKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))
	appendN(t, log, "s1", "a", 10)

	msgs, err := log.List(ctx, ListParams{SessionID: "s1", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3, got %d", len(msgs))
	}
	want := []string{"message 7", "message 8", "message 9"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
	}

	desc, _ := log.List(ctx, ListParams{SessionID: "s1", Limit: 3, Descending: true})
	if desc[0].Content != "message 9" {
		t.Errorf("descending should start with newest, got %q", desc[0].Content)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clk := withClock(db, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	log := NewConversationLog(db)

	old := msg("s1", "a", model.RoleUser, "old from a")
	log.Append(ctx, old)
	clk.advance(48 * time.Hour)

	fromB := msg("s1", "b", model.RoleAssistant, "recent from b")
	fromB.UserID = "u1"
	log.Append(ctx, fromB)
	important := msg("s1", "a", model.RoleUser, "recent important from a")
	important.Importance = 0.9
	log.Append(ctx, important)
	log.Append(ctx, msg("s2", "a", model.RoleUser, "other session"))

	tests := []struct {
		name string
		p    ListParams
		want []string
	}{
		{"all agents interleaved", ListParams{SessionID: "s1", Limit: 10},
			[]string{"old from a", "recent from b", "recent important from a"}},
		{"agent filter", ListParams{SessionID: "s1", AgentName: "a", Limit: 10},
			[]string{"old from a", "recent important from a"}},
		{"since", ListParams{SessionID: "s1", Since: clk.now.Add(-24 * time.Hour), Limit: 10},
			[]string{"recent from b", "recent important from a"}},
		{"user", ListParams{SessionID: "s1", UserID: "u1", Limit: 10},
			[]string{"recent from b"}},
		{"min importance", ListParams{SessionID: "s1", MinImportance: 0.8, Limit: 10},
			[]string{"recent important from a"}},
		{"unknown session", ListParams{SessionID: "nope", Limit: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := log.List(ctx, tt.p)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(msgs), len(tt.want))
			}
			for i, m := range msgs {
				if m.Content != tt.want[i] {
					t.Errorf("msgs[%d] = %q, want %q", i, m.Content, tt.want[i])
				}
			}
		})
	}
}

func TestAppendKeepsMetadataAndRole(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))

	m := msg("s1", "a", model.RoleTool, "lookup result")
	m.Metadata = model.Document{"tool": "jira", "hits": float64(3)}
	log.Append(ctx, m)

	msgs, _ := log.List(ctx, ListParams{SessionID: "s1", Limit: 1})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message")
	}
	got := msgs[0]
	if got.Role != model.RoleTool {
		t.Errorf("role = %q", got.Role)
	}
	if got.Metadata["tool"] != "jira" || got.Metadata["hits"] != float64(3) {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestTouchUpdatesAccessStats(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))
	ids := appendN(t, log, "s1", "a", 2)

	if _, err := log.Touch(ctx, ids); err != nil {
		t.Fatalf("touch: %v", err)
	}
	log.Touch(ctx, ids[:1])

	msgs, _ := log.List(ctx, ListParams{SessionID: "s1", Limit: 10})
	if msgs[0].AccessCount != 2 || msgs[1].AccessCount != 1 {
		t.Errorf("access counts = %d, %d; want 2, 1", msgs[0].AccessCount, msgs[1].AccessCount)
	}
	if _, err := log.Touch(ctx, nil); err != nil {
		t.Errorf("touch with no ids: %v", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))

	log.Append(ctx, msg("s1", "a", model.RoleUser, "Deploy the billing service"))
	important := msg("s1", "a", model.RoleUser, "billing is broken in prod")
	important.Importance = 0.9
	log.Append(ctx, important)
	log.Append(ctx, msg("s1", "a", model.RoleUser, "lunch plans"))
	log.Append(ctx, msg("s2", "a", model.RoleUser, "billing report"))

	res, err := log.Search(ctx, SearchParams{Query: "BILLING", SessionID: "s1", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if !strings.Contains(res[0].Content, "broken") {
		t.Errorf("expected most important first, got %q", res[0].Content)
	}

	all, _ := log.Search(ctx, SearchParams{Query: "billing", Limit: 10})
	if len(all) != 3 {
		t.Errorf("expected 3 results across sessions, got %d", len(all))
	}
}

func TestSearchMatchesWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	log := NewConversationLog(newTestDB(t))

	log.Append(ctx, msg("s1", "a", model.RoleUser, "cpu at 95% since noon"))
	log.Append(ctx, msg("s1", "a", model.RoleUser, "rename user_id to owner"))
	log.Append(ctx, msg("s1", "a", model.RoleUser, "plain words only"))

	for query, want := range map[string]string{"%": "cpu at 95% since noon", "_": "rename user_id to owner", "5% s": "cpu at 95% since noon"} {
		res, err := log.Search(ctx, SearchParams{Query: query, Limit: 10})
		if err != nil {
			t.Fatalf("search %q: %v", query, err)
		}
		if len(res) != 1 || res[0].Content != want {
			t.Errorf("search %q: got %d results, want only %q", query, len(res), want)
		}
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clk := withClock(db, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	log := NewConversationLog(db)

	appendN(t, log, "s1", "a", 2)
	clk.advance(time.Hour)
	appendN(t, log, "s2", "a", 1)
	appendN(t, log, "s1", "b", 1)

	all, err := log.Sessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(all))
	}

	onlyA, _ := log.Sessions(ctx, "a", 10)
	if len(onlyA) != 2 {
		t.Fatalf("expected 2 conversations for agent a, got %d", len(onlyA))
	}
	if onlyA[1].SessionID != "s1" || onlyA[1].Messages != 2 {
		t.Errorf("unexpected s1 info: %+v", onlyA[1])
	}
}

func TestPruneWithSummary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := withClock(db, start)
	log := NewConversationLog(db)

	low := msg("s1", "a", model.RoleUser, "trivial chatter")
	low.Importance = 0.1
	log.Append(ctx, low)
	clk.advance(time.Minute)
	low2 := msg("s1", "a", model.RoleAssistant, "more chatter")
	low2.Importance = 0.1
	log.Append(ctx, low2)
	clk.advance(time.Minute)
	high := msg("s1", "a", model.RoleUser, "my age is 28")
	high.Importance = 0.95
	log.Append(ctx, high)

	clk.advance(100 * 24 * time.Hour)
	log.Append(ctx, msg("s1", "a", model.RoleUser, "recent"))

	before := clk.now.Add(-90 * 24 * time.Hour)
	keys, err := log.Candidates(ctx, ReduceScope{}, before, 0.2)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(keys) != 1 || keys[0] != (model.SessionKey{SessionID: "s1", AgentName: "a"}) {
		t.Fatalf("unexpected candidates: %+v", keys)
	}

	var seen []model.Message
	res, err := log.Prune(ctx, PruneParams{
		Key:       keys[0],
		Before:    before,
		Floor:     0.2,
		BatchSize: 100,
		Summarize: func(pruned []model.Message) *model.Message {
			seen = pruned
			s := msg("s1", "a", model.RoleSystem, "summary of chatter")
			s.Importance = 0.2
			s.CreatedAt = pruned[len(pruned)-1].CreatedAt
			return &s
		},
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.Pruned != 2 || len(seen) != 2 {
		t.Fatalf("expected 2 pruned, got %d", res.Pruned)
	}
	if res.Summary == nil || res.Summary.ID == 0 {
		t.Fatal("expected summary to be stored")
	}

	msgs, _ := log.List(ctx, ListParams{SessionID: "s1", Limit: 10})
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	want := []string{"summary of chatter", "my age is 28", "recent"}
	if strings.Join(contents, "|") != strings.Join(want, "|") {
		t.Errorf("after prune got %v, want %v", contents, want)
	}

	// summary sits at the floor, so a second pass finds nothing
	keys, _ = log.Candidates(ctx, ReduceScope{}, before, 0.2)
	if len(keys) != 0 {
		t.Errorf("expected no candidates after prune, got %+v", keys)
	}
}

func TestPruneRespectsBatchAndScope(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	clk := withClock(db, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := NewConversationLog(db)

	for i := 0; i < 5; i++ {
		m := msg("s1", "a", model.RoleUser, fmt.Sprintf("low %d", i))
		m.Importance = 0.05
		log.Append(ctx, m)
	}
	other := msg("s2", "a", model.RoleUser, "other low")
	other.Importance = 0.05
	log.Append(ctx, other)
	clk.advance(24 * time.Hour)

	keys, _ := log.Candidates(ctx, ReduceScope{SessionID: "s1"}, clk.now, 0.2)
	if len(keys) != 1 {
		t.Fatalf("expected scoped candidates, got %+v", keys)
	}

	res, err := log.Prune(ctx, PruneParams{Key: keys[0], Before: clk.now, Floor: 0.2, BatchSize: 3})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.Pruned != 3 || res.Summary != nil {
		t.Errorf("expected 3 pruned without summary, got %+v", res)
	}

	left, _ := log.List(ctx, ListParams{SessionID: "s1", Limit: 10})
	if len(left) != 2 || left[0].Content != "low 3" {
		t.Errorf("expected oldest pruned first, left %d starting %q", len(left), left[0].Content)
	}
	s2, _ := log.List(ctx, ListParams{SessionID: "s2", Limit: 10})
	if len(s2) != 1 {
		t.Errorf("other session must be untouched")
	}
}
