package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// Reduce runs a reduction pass now over scope. Concurrent triggers for the
// same scope share one pass. Per-tier failures are listed in the report; an
// error is returned only when the pass was cut short by ctx.
func (s *Service) Reduce(ctx context.Context, scope reduce.Scope) (*reduce.Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "maintenance.reduce")
	defer span.End()

	report, err := s.reducer.Run(ctx, scope)
	if err != nil {
		return report, s.fail(span, "reduction", "run", "reduction", err)
	}
	return report, nil
}

// LastReduction returns the most recently finished report, or not_found when
// no pass has ever been recorded.
func (s *Service) LastReduction(ctx context.Context) (*reduce.Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "maintenance.last")
	defer span.End()

	rec, err := s.runs.Latest(ctx)
	if err != nil {
		return nil, s.fail(span, "reduction", "last", "reduction report", err)
	}
	return decodeReport(rec)
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// ReductionHistory returns up to limit recorded passes, newest first.
func (s *Service) ReductionHistory(ctx context.Context, limit int) ([]reduce.Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "maintenance.history")
	defer span.End()

	switch {
	case limit < 0:
		return nil, s.invalid("reduction", "history", apperr.Validation("limit must not be negative"))
	case limit == 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	recs, err := s.runs.Recent(ctx, limit)
	if err != nil {
		return nil, s.fail(span, "reduction", "history", "reduction history", err)
	}
	reports := make([]reduce.Report, 0, len(recs))
	for i := range recs {
		r, err := decodeReport(&recs[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

func decodeReport(rec *store.RunRecord) (*reduce.Report, error) {
	var r reduce.Report
	if err := json.Unmarshal(rec.Report, &r); err != nil {
		return nil, apperr.Unavailable(fmt.Sprintf("reduction run %s is unreadable", rec.RunID), err)
	}
	return &r, nil
}

// Health is the liveness and backing-store connectivity report.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (h *Health) Healthy() bool {
	return h.Status == "ok"
}

// Health pings the database and cache concurrently.
func (s *Service) Health(ctx context.Context) *Health {
	ctx, span := telemetry.StartSpan(ctx, "health")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var dbErr, cacheErr error
	var g errgroup.Group
	g.Go(func() error {
		dbErr = s.db.Ping(ctx)
		return nil
	})
	g.Go(func() error {
		cacheErr = s.cache.Ping(ctx)
		return nil
	})
	_ = g.Wait()

	h := &Health{Status: "ok", Checks: map[string]string{
		"database": "ok",
		"cache":    "ok",
	}}
	if dbErr != nil {
		h.Status = "degraded"
		h.Checks["database"] = dbErr.Error()
		s.logger.Warn().Err(dbErr).Msg("health: database unreachable")
	}
	if cacheErr != nil {
		h.Status = "degraded"
		h.Checks["cache"] = cacheErr.Error()
		s.logger.Warn().Err(cacheErr).Msg("health: cache unreachable")
	}
	return h
}

// Stats returns row counts per tier.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	ctx, span := telemetry.StartSpan(ctx, "stats")
	defer span.End()

	st, err := s.db.Stats(ctx)
	if err != nil {
		return nil, s.fail(span, "store", "stats", "stats", err)
	}
	return st, nil
}

// Export dumps conversations (optionally one session) and entities
// (optionally one agent).
func (s *Service) Export(ctx context.Context, sessionID, agentName string) (*store.Dump, error) {
	ctx, span := telemetry.StartSpan(ctx, "export")
	defer span.End()

	dump, err := s.db.Export(ctx, sessionID, agentName)
	if err != nil {
		return nil, s.fail(span, "store", "export", "export", err)
	}
	return dump, nil
}

// Import loads a dump: messages are appended, entities replace their keys.
func (s *Service) Import(ctx context.Context, dump *store.Dump) (*store.ImportResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "import")
	defer span.End()

	if dump == nil {
		return nil, apperr.Validation("empty dump")
	}
	if dump.Version > store.ExportFormatVersion {
		return nil, apperr.Validation("dump version %d is newer than supported version %d", dump.Version, store.ExportFormatVersion)
	}
	res, err := s.db.Import(ctx, dump)
	if err != nil {
		return res, s.fail(span, "store", "import", "import", err)
	}
	return res, nil
}
