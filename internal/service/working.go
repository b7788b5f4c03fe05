package service

import (
	"context"
	"time"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// PutWorking replaces a slot. A zero TTL selects the default and TTLs above
// the maximum are clamped.
func (s *Service) PutWorking(ctx context.Context, req WorkingPutRequest) (*model.WorkingSlot, error) {
	ctx, span := telemetry.StartSpan(ctx, "working.put")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierWorking, "put", err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = s.cfg.Working.DefaultTTL
	}
	if max := s.cfg.Working.MaxTTL; max > 0 && ttl > max {
		ttl = max
	}

	slot, err := s.working.Put(ctx, model.WorkingSlot{
		AgentName:   req.AgentName,
		SessionID:   req.SessionID,
		ContextType: req.ContextType,
		ContextData: req.ContextData,
	}, ttl)
	if err != nil {
		return nil, s.fail(span, tierWorking, "put", slotKey(req.AgentName, req.SessionID, req.ContextType), err)
	}
	s.ok(tierWorking, "put")
	return slot, nil
}

// GetWorking returns a live slot; expired slots are not_found.
func (s *Service) GetWorking(ctx context.Context, key WorkingKey) (*model.WorkingSlot, error) {
	ctx, span := telemetry.StartSpan(ctx, "working.get")
	defer span.End()

	if err := s.checkSlot(key); err != nil {
		return nil, s.invalid(tierWorking, "get", err)
	}
	slot, err := s.working.Get(ctx, key.AgentName, key.SessionID, key.ContextType)
	if err != nil {
		return nil, s.fail(span, tierWorking, "get", slotKey(key.AgentName, key.SessionID, key.ContextType), err)
	}
	s.ok(tierWorking, "get")
	return slot, nil
}

// ListWorking returns every live slot of a session.
func (s *Service) ListWorking(ctx context.Context, agentName, sessionID string) ([]model.WorkingSlot, error) {
	ctx, span := telemetry.StartSpan(ctx, "working.list")
	defer span.End()

	if err := s.check(WorkingKey{AgentName: agentName, SessionID: sessionID}); err != nil {
		return nil, s.invalid(tierWorking, "list", err)
	}
	slots, err := s.working.List(ctx, agentName, sessionID)
	if err != nil {
		return nil, s.fail(span, tierWorking, "list", slotKey(agentName, sessionID, ""), err)
	}
	s.ok(tierWorking, "list")
	return slots, nil
}

// ClearWorking removes one slot, or all of a session's slots when
// ContextType is empty. Clearing one absent or expired slot is not_found;
// clearing a whole session reports how many were removed.
func (s *Service) ClearWorking(ctx context.Context, key WorkingKey) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "working.clear")
	defer span.End()

	if err := s.check(key); err != nil {
		return 0, s.invalid(tierWorking, "clear", err)
	}
	n, err := s.working.Clear(ctx, key.AgentName, key.SessionID, key.ContextType)
	if err != nil {
		return 0, s.fail(span, tierWorking, "clear", slotKey(key.AgentName, key.SessionID, key.ContextType), err)
	}
	if n == 0 && key.ContextType != "" {
		return 0, s.fail(span, tierWorking, "clear", slotKey(key.AgentName, key.SessionID, key.ContextType), store.ErrNotFound)
	}
	s.ok(tierWorking, "clear")
	return n, nil
}

// SweepWorking deletes expired slots.
func (s *Service) SweepWorking(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "working.sweep")
	defer span.End()

	n, err := s.working.Sweep(ctx)
	if err != nil {
		return 0, s.fail(span, tierWorking, "sweep", "expired slots", err)
	}
	s.metrics.SlotsSwept(n)
	s.ok(tierWorking, "sweep")
	if n > 0 {
		s.logger.Debug().Int("slots", n).Msg("swept expired working slots")
	}
	return n, nil
}

// checkSlot validates a key that must name one slot.
func (s *Service) checkSlot(key WorkingKey) error {
	return s.check(struct {
		WorkingKey
		ContextType string `json:"contextType" validate:"notblank"`
	}{key, key.ContextType})
}

func slotKey(agentName, sessionID, contextType string) string {
	k := "working slot " + agentName + "/" + sessionID
	if contextType != "" {
		k += "/" + contextType
	}
	return k
}
