package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/cache"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc     *Service
	db      *store.DB
	mem     *cache.Memory
	clock   *testClock
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "svc.db")
	cfg.Reduction.Retention = 24 * time.Hour

	db, err := store.Open(context.Background(), store.DriverSQLite, cfg.Database.DSN, 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem, err := cache.NewMemory(1<<20, 1e4)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	clk := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	db.SetClock(clk.Now)
	mem.SetClock(clk.Now)

	m := telemetry.NewMetrics()
	svc := New(cfg, db, mem, telemetry.Discard(), WithMetrics(m), WithClock(clk.Now))
	return &fixture{svc: svc, db: db, mem: mem, clock: clk, metrics: m}
}

func importance(v float64) *float64 { return &v }

func TestConversationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turns := []AppendRequest{
		{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "my age is 28"},
		{SessionID: "s1", AgentName: "z", Role: model.RoleAssistant, Content: "noted, you are 28"},
		{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "what's the weather"},
		{SessionID: "s1", AgentName: "z", Role: model.RoleAssistant, Content: "sunny"},
		{SessionID: "s1", AgentName: "z", Role: model.RoleTool, Content: `{"temp": 31}`},
	}
	for _, req := range turns {
		m, err := f.svc.AppendMessage(ctx, req)
		require.NoError(t, err)
		assert.NotZero(t, m.ID)
		assert.InDelta(t, 0.5, m.Importance, 1e-9)
	}

	msgs, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "s1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "my age is 28", msgs[0].Content)
	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].ID, msgs[i].ID)
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
	assert.Equal(t, 1, msgs[0].AccessCount)

	desc, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "s1", Limit: 2, Order: "desc"})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, model.RoleTool, desc[0].Role)
}

func TestListDefaultsAndSince(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "old"})
	require.NoError(t, err)
	f.clock.advance(3 * time.Hour)
	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "new"})
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "s1", SinceHours: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Content)

	empty, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want string
	}{
		{"append without session", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{AgentName: "z", Role: model.RoleUser, Content: "x"})
			return err
		}, "sessionId is required"},
		{"append blank session", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "  ", AgentName: "z", Role: model.RoleUser, Content: "x"})
			return err
		}, "sessionId is required"},
		{"append without agent", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s", Role: model.RoleUser, Content: "x"})
			return err
		}, "agentName is required"},
		{"append blank agent", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s", AgentName: " ", Role: model.RoleUser, Content: "x"})
			return err
		}, "agentName is required"},
		{"append bad role", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s", AgentName: "z", Role: "robot", Content: "x"})
			return err
		}, "role must be one of"},
		{"append importance out of range", func() error {
			_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s", AgentName: "z", Role: model.RoleUser, Content: "x", Importance: importance(1.5)})
			return err
		}, "importance must be at most 1"},
		{"list bad order", func() error {
			_, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "s", Order: "sideways"})
			return err
		}, "order must be one of"},
		{"cache zero ttl", func() error {
			_, err := f.svc.CachePut(ctx, CachePutRequest{Key: "k", Value: json.RawMessage(`1`)})
			return err
		}, "ttlSeconds must be greater than 0"},
		{"cache missing value", func() error {
			_, err := f.svc.CachePut(ctx, CachePutRequest{Key: "k", TTLSeconds: 5})
			return err
		}, "value is required"},
		{"entity missing id", func() error {
			_, err := f.svc.UpsertEntity(ctx, EntityRequest{EntityType: "person"})
			return err
		}, "entityId is required"},
		{"working negative ttl", func() error {
			_, err := f.svc.PutWorking(ctx, WorkingPutRequest{AgentName: "a", SessionID: "s", ContextType: "task", ContextData: model.Document{}, TTLSeconds: -1})
			return err
		}, "ttlSeconds must be at least 0"},
		{"working get without type", func() error {
			_, err := f.svc.GetWorking(ctx, WorkingKey{AgentName: "a", SessionID: "s"})
			return err
		}, "contextType is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEntityMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpsertEntity(ctx, EntityRequest{
		EntityType: "person", EntityID: "p1", AgentName: "a", EntityName: "Dung",
		Attributes: model.Document{"alias": "dungpv30"},
	})
	require.NoError(t, err)
	e, err := f.svc.UpsertEntity(ctx, EntityRequest{
		EntityType: "person", EntityID: "p1", AgentName: "a",
		Attributes: model.Document{"team": "X"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, e.MentionCount)
	assert.Equal(t, "Dung", e.EntityName)
	assert.Equal(t, "dungpv30", e.Attributes["alias"])
	assert.Equal(t, "X", e.Attributes["team"])

	got, err := f.svc.GetEntity(ctx, "person", "p1", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MentionCount)

	_, err = f.svc.GetEntity(ctx, "person", "p1", "other-agent")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	found, err := f.svc.SearchEntities(ctx, EntitySearchRequest{EntityType: "person", NameContains: "dun"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "p1", found[0].EntityID)
}

func TestConcurrentEntityUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.UpsertEntity(ctx, EntityRequest{
				EntityType: "service", EntityID: "db", AgentName: "a",
				Attributes: model.Document{fmt.Sprintf("k%d", i): i},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e, err := f.svc.GetEntity(ctx, "service", "db", "a")
	require.NoError(t, err)
	assert.Equal(t, n, e.MentionCount)
	assert.Len(t, e.Attributes, n)
}

func TestWorkingReplaceAndTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := WorkingKey{AgentName: "a", SessionID: "s1", ContextType: "task"}

	_, err := f.svc.PutWorking(ctx, WorkingPutRequest{AgentName: "a", SessionID: "s1", ContextType: "task", ContextData: model.Document{"progress": 40}, TTLSeconds: 60})
	require.NoError(t, err)
	slot, err := f.svc.PutWorking(ctx, WorkingPutRequest{AgentName: "a", SessionID: "s1", ContextType: "task", ContextData: model.Document{"progress": 80}, TTLSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), slot.ExpiresAt)

	got, err := f.svc.GetWorking(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.Document{"progress": float64(80)}, got.ContextData)

	// default TTL when omitted, clamped above the maximum
	def, err := f.svc.PutWorking(ctx, WorkingPutRequest{AgentName: "a", SessionID: "s1", ContextType: "plan", ContextData: model.Document{}})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), def.ExpiresAt)

	long, err := f.svc.PutWorking(ctx, WorkingPutRequest{AgentName: "a", SessionID: "s1", ContextType: "goal", ContextData: model.Document{}, TTLSeconds: 365 * 24 * 3600})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(168*time.Hour), long.ExpiresAt)

	slots, err := f.svc.ListWorking(ctx, "a", "s1")
	require.NoError(t, err)
	assert.Len(t, slots, 3)

	f.clock.advance(61 * time.Second)
	_, err = f.svc.GetWorking(ctx, key)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.svc.ClearWorking(ctx, key)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	swept, err := f.svc.SweepWorking(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	n, err := f.svc.ClearWorking(ctx, WorkingKey{AgentName: "a", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCacheExpiryAndClamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.svc.CachePut(ctx, CachePutRequest{Key: "k", Value: json.RawMessage(`"v"`), TTLSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Second), entry.ExpiresAt)

	got, err := f.svc.CacheGet(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"v"`, string(got.Value))

	f.clock.advance(2 * time.Second)
	_, err = f.svc.CacheGet(ctx, "k")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	clamped, err := f.svc.CachePut(ctx, CachePutRequest{Key: "long", Value: json.RawMessage(`{}`), TTLSeconds: 7 * 24 * 3600})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), clamped.ExpiresAt)

	require.NoError(t, f.svc.CacheDelete(ctx, "long"))
	err = f.svc.CacheDelete(ctx, "long")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestSearchRanksAndPacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "a", Role: model.RoleUser, Content: "deploy failed on staging", Importance: importance(0.2)})
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "a", Role: model.RoleUser, Content: "the DEPLOY pipeline is green", Importance: importance(0.9)})
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "a", Role: model.RoleUser, Content: "lunch plans"})
	require.NoError(t, err)

	res, err := f.svc.SearchMessages(ctx, SearchRequest{Query: "deploy"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "the DEPLOY pipeline is green", res.Messages[0].Content)
	assert.Greater(t, res.Messages[0].Score, res.Messages[1].Score)
	assert.Equal(t, 1, res.Messages[0].AccessCount)
	assert.Equal(t, 2000, res.Budget)

	none, err := f.svc.SearchMessages(ctx, SearchRequest{Query: "kubernetes"})
	require.NoError(t, err)
	assert.Empty(t, none.Messages)
}

func TestReduceThroughFacade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.LastReduction(ctx)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "filler", Importance: importance(0.1)})
	require.NoError(t, err)
	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "remember my birthday", Importance: importance(0.95)})
	require.NoError(t, err)

	f.clock.advance(48 * time.Hour)
	report, err := f.svc.Reduce(ctx, reduce.Scope{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MessagesPruned)

	msgs, err := f.svc.ListMessages(ctx, ListRequest{SessionID: "s1"})
	require.NoError(t, err)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.NotContains(t, contents, "filler")
	assert.Contains(t, contents, "remember my birthday")

	last, err := f.svc.LastReduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, last.RunID)
	assert.Equal(t, 1, last.MessagesPruned)
}

func TestReductionHistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Reduce(ctx, reduce.Scope{AgentName: "a"})
	require.NoError(t, err)
	f.clock.advance(time.Minute)
	second, err := f.svc.Reduce(ctx, reduce.Scope{AgentName: "b"})
	require.NoError(t, err)

	// A fresh service over the same database sees both passes.
	restarted := New(f.svc.Config(), f.db, f.mem, telemetry.Discard(), WithClock(f.clock.Now))
	last, err := restarted.LastReduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, last.RunID)
	assert.Equal(t, "b", last.Scope.AgentName)

	history, err := restarted.ReductionHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.RunID, history[0].RunID)
	assert.Equal(t, first.RunID, history[1].RunID)

	one, err := restarted.ReductionHistory(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = restarted.ReductionHistory(ctx, -1)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestHealthAndUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := f.svc.Health(ctx)
	assert.True(t, h.Healthy())
	assert.Equal(t, "ok", h.Checks["database"])

	st, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DriverSQLite, st.Driver)

	require.NoError(t, f.db.Close())
	h = f.svc.Health(ctx)
	assert.False(t, h.Healthy())
	assert.NotEqual(t, "ok", h.Checks["database"])

	_, err = f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "lost"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Retryable)
}

// racingEntities loses every merge race, as if another writer always bumped
// the record between read and write.
type racingEntities struct {
	*store.EntityStore
	calls int
}

func (r *racingEntities) Upsert(_ context.Context, p store.UpsertParams) (*model.Entity, error) {
	r.calls++
	return nil, fmt.Errorf("upsert %s/%s after 2 attempts: %w", p.EntityType, p.EntityID, store.ErrConflict)
}

func TestEntityConflictExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	racing := &racingEntities{EntityStore: store.NewEntityStore(f.db, 2)}
	f.svc.entities = racing

	_, err := f.svc.UpsertEntity(ctx, EntityRequest{EntityType: "person", EntityID: "p1", AgentName: "a"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	assert.ErrorIs(t, err, store.ErrConflict)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Retryable)
	assert.Equal(t, 1, racing.calls)

	_, err = f.svc.GetEntity(ctx, "person", "p1", "a")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "a failed merge stores nothing")
}

func TestCancelledContextIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.UpsertEntity(ctx, EntityRequest{EntityType: "person", EntityID: "p1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestExportImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AppendMessage(ctx, AppendRequest{SessionID: "s1", AgentName: "z", Role: model.RoleUser, Content: "hello"})
	require.NoError(t, err)
	_, err = f.svc.UpsertEntity(ctx, EntityRequest{EntityType: "team", EntityID: "x"})
	require.NoError(t, err)

	dump, err := f.svc.Export(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, dump.Messages, 1)
	assert.Len(t, dump.Entities, 1)

	other := newFixture(t)
	res, err := other.svc.Import(ctx, dump)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages)
	assert.Equal(t, 1, res.Entities)

	dump.Version = store.ExportFormatVersion + 1
	_, err = other.svc.Import(ctx, dump)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
