// Package reduce implements the background reduction pass: pruning old,
// unimportant conversation turns (leaving a summary in their place) and
// archiving inactive entities.
package reduce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// ConversationLog is the part of the conversation tier the worker needs.
type ConversationLog interface {
	Candidates(ctx context.Context, scope store.ReduceScope, before time.Time, floor float64) ([]model.SessionKey, error)
	Prune(ctx context.Context, p store.PruneParams) (*store.PruneResult, error)
}

// EntityStore is the part of the entity tier the worker needs.
type EntityStore interface {
	Archive(ctx context.Context, p store.ArchiveParams) (*store.ArchiveResult, error)
}

// RunLog keeps finished reports across restarts.
type RunLog interface {
	Record(ctx context.Context, r store.RunRecord) error
}

// Scope restricts a pass. The zero value covers everything.
type Scope struct {
	AgentName string `json:"agentName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s Scope) key() string {
	return s.AgentName + "\x00" + s.SessionID
}

// Report is the outcome of one pass.
type Report struct {
	RunID            string    `json:"runId"`
	Scope            Scope     `json:"scope"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	SessionsScanned  int       `json:"sessionsScanned"`
	MessagesPruned   int       `json:"messagesPruned"`
	SummariesWritten int       `json:"summariesWritten"`
	EntitiesArchived int       `json:"entitiesArchived"`
	EntitiesDeleted  int       `json:"entitiesDeleted"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}

// Outcome classifies the report for metrics: ok, partial or cancelled.
func (r *Report) Outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case len(r.Errors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Worker runs reduction passes. Concurrent triggers for the same scope share
// one pass.
type Worker struct {
	log      ConversationLog
	entities EntityStore
	cfg      config.ReductionConfig
	logger   *bolt.Logger
	metrics  *telemetry.Metrics
	runs     RunLog
	now      func() time.Time

	group singleflight.Group
}

// Option configures a Worker.
type Option func(*Worker)

// WithMetrics records pass outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithRunLog persists every finished report.
func WithRunLog(l RunLog) Option {
	return func(w *Worker) { w.runs = l }
}

// WithClock overrides the time source used for windows.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker over the two durable tiers it reduces.
func New(log ConversationLog, entities EntityStore, cfg config.ReductionConfig, logger *bolt.Logger, opts ...Option) *Worker {
	w := &Worker{
		log:      log,
		entities: entities,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs one pass over scope. Failures in one tier are recorded in the
// report and do not stop the other. The returned error is non-nil only when
// ctx ended the pass early; the partial report is still returned.
func (w *Worker) Run(ctx context.Context, scope Scope) (*Report, error) {
	v, err, _ := w.group.Do(scope.key(), func() (any, error) {
		return w.run(ctx, scope)
	})
	r, _ := v.(*Report)
	if r != nil {
		cp := *r
		cp.Errors = append([]string(nil), r.Errors...)
		r = &cp
	}
	return r, err
}

func (w *Worker) run(ctx context.Context, scope Scope) (*Report, error) {
	now := w.now().UTC()
	r := &Report{
		RunID:     ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Scope:     scope,
		StartedAt: now,
	}
	runLog := w.logger.With().Str("run_id", r.RunID).Logger()

	err := w.pruneConversations(ctx, scope, now, r, runLog)
	if err == nil && scope.SessionID == "" {
		err = w.archiveEntities(ctx, scope, now, r, runLog)
	}
	if err != nil {
		r.Cancelled = true
	}

	r.FinishedAt = w.now().UTC()
	w.metrics.ReductionRun(r.Outcome(), r.MessagesPruned, r.SummariesWritten, r.EntitiesArchived, r.EntitiesDeleted)

	w.record(ctx, r, runLog)

	runLog.Info().
		Str("agent", scope.AgentName).
		Str("session", scope.SessionID).
		Str("outcome", r.Outcome()).
		Int("sessions", r.SessionsScanned).
		Int("pruned", r.MessagesPruned).
		Int("summaries", r.SummariesWritten).
		Int("archived", r.EntitiesArchived).
		Int("deleted", r.EntitiesDeleted).
		Int("errors", len(r.Errors)).
		Msg("reduction pass finished")
	return r, err
}

// recordTimeout bounds the write of a report, which outlives a cancelled pass.
const recordTimeout = 5 * time.Second

func (w *Worker) record(ctx context.Context, r *Report, log *bolt.Logger) {
	if w.runs == nil {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Msg("reduction: encode report failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	err = w.runs.Record(ctx, store.RunRecord{
		RunID:      r.RunID,
		AgentName:  r.Scope.AgentName,
		SessionID:  r.Scope.SessionID,
		Outcome:    r.Outcome(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Report:     body,
	})
	if err != nil {
		log.Error().Err(err).Msg("reduction: record run failed")
	}
}

// pruneConversations handles each (session, agent) unit in its own
// transaction. Only cancellation aborts the loop.
func (w *Worker) pruneConversations(ctx context.Context, scope Scope, now time.Time, r *Report, log *bolt.Logger) error {
	before := now.Add(-w.cfg.Retention)
	keys, err := w.log.Candidates(ctx, store.ReduceScope{SessionID: scope.SessionID, AgentName: scope.AgentName}, before, w.cfg.ImportanceFloor)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Errors = append(r.Errors, fmt.Sprintf("conversation scan: %v", err))
		log.Error().Err(err).Msg("reduction: conversation scan failed")
		return nil
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.SessionsScanned++

		p := store.PruneParams{
			Key:       key,
			Before:    before,
			Floor:     w.cfg.ImportanceFloor,
			BatchSize: w.cfg.BatchSize,
		}
		if w.cfg.Summarize {
			runID, floor, maxChars := r.RunID, w.cfg.ImportanceFloor, w.cfg.SummaryMaxChars
			p.Summarize = func(pruned []model.Message) *model.Message {
				return Summarize(pruned, runID, floor, maxChars)
			}
		}

		res, err := w.log.Prune(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, store.ErrConflict) {
				// Another pass claimed these rows first.
				log.Info().Str("session", key.SessionID).Str("agent", key.AgentName).Msg("reduction: prune raced, skipping")
				continue
			}
			r.Errors = append(r.Errors, fmt.Sprintf("prune %s/%s: %v", key.SessionID, key.AgentName, err))
			log.Error().Str("session", key.SessionID).Str("agent", key.AgentName).Err(err).Msg("reduction: prune failed")
			continue
		}
		r.MessagesPruned += res.Pruned
		if res.Summary != nil {
			r.SummariesWritten++
		}
	}
	return nil
}

func (w *Worker) archiveEntities(ctx context.Context, scope Scope, now time.Time, r *Report, log *bolt.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := w.entities.Archive(ctx, store.ArchiveParams{
		Before:            now.Add(-w.cfg.EntityInactivity),
		MinMentions:       w.cfg.EntityMinMentions,
		ArchiveImportance: w.cfg.ArchiveImportance,
		AgentName:         scope.AgentName,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Errors = append(r.Errors, fmt.Sprintf("entity archive: %v", err))
		log.Error().Err(err).Msg("reduction: entity archive failed")
		return nil
	}
	r.EntitiesArchived = res.Archived
	r.EntitiesDeleted = res.Deleted
	return nil
}
