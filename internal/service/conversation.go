package service

import (
	"context"
	"time"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// AppendMessage stores one conversation turn. A failure here is degraded but
// non-fatal for the caller: it is logged and returned, and nothing is stored.
func (s *Service) AppendMessage(ctx context.Context, req AppendRequest) (*model.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.append")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierConversation, "append", err)
	}
	importance := s.cfg.Conversation.DefaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}

	m, err := s.log.Append(ctx, model.Message{
		SessionID:  req.SessionID,
		AgentName:  req.AgentName,
		UserID:     req.UserID,
		Role:       req.Role,
		Content:    req.Content,
		Metadata:   req.Metadata,
		Importance: importance,
	})
	if err != nil {
		s.logger.Warn().
			Str("session", req.SessionID).
			Str("agent", req.AgentName).
			Str("degraded", "true").
			Err(err).
			Msg("conversation append failed; turn not stored")
		return nil, s.fail(span, tierConversation, "append", "session "+req.SessionID, err)
	}
	s.ok(tierConversation, "append")
	return m, nil
}

// ListMessages returns the most recent matching turns of a session,
// chronologically ascending unless order is desc.
func (s *Service) ListMessages(ctx context.Context, req ListRequest) ([]model.Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.list")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierConversation, "list", err)
	}
	p := store.ListParams{
		SessionID:     req.SessionID,
		AgentName:     req.AgentName,
		UserID:        req.UserID,
		MinImportance: req.MinImportance,
		Limit:         clampLimit(req.Limit, s.cfg.Conversation.DefaultLimit, s.cfg.Conversation.MaxLimit),
		Descending:    req.Order == "desc",
	}
	if req.SinceHours > 0 {
		p.Since = s.now().Add(-time.Duration(req.SinceHours * float64(time.Hour)))
	}

	msgs, err := s.log.List(ctx, p)
	if err != nil {
		return nil, s.fail(span, tierConversation, "list", "session "+req.SessionID, err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	s.touch(ctx, msgs)
	s.ok(tierConversation, "list")
	return msgs, nil
}

// SearchMessages finds turns containing the query, ranks them by relevance,
// recency, importance and access frequency, and packs them into the budget.
// With an embedder configured, relevance is the cosine similarity to the
// query; otherwise every keyword match counts as fully relevant.
func (s *Service) SearchMessages(ctx context.Context, req SearchRequest) (*store.ContextResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.search")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierConversation, "search", err)
	}
	candidates, err := s.log.Search(ctx, store.SearchParams{
		Query:     req.Query,
		SessionID: req.SessionID,
		AgentName: req.AgentName,
		Limit:     clampLimit(req.Limit, s.cfg.Search.DefaultLimit, s.cfg.Conversation.MaxLimit),
	})
	if err != nil {
		return nil, s.fail(span, tierConversation, "search", "query", err)
	}

	var relevance []float64
	if s.embedder != nil && len(candidates) > 0 {
		texts := make([]string, len(candidates))
		for i, m := range candidates {
			texts[i] = m.Content
		}
		relevance, err = embedding.Relevance(ctx, s.embedder, req.Query, texts)
		if err != nil {
			s.logger.Warn().Str("embedder", s.embedder.Name()).Err(err).Msg("embedding re-rank failed; using keyword ranking")
			relevance = nil
		}
	}

	budget := req.Budget
	if budget <= 0 {
		budget = s.cfg.Search.DefaultBudget
	}
	result := store.Pack(store.Rank(candidates, relevance, s.now()), budget)

	packed := make([]model.Message, len(result.Messages))
	for i, m := range result.Messages {
		packed[i] = m.Message
	}
	s.touch(ctx, packed)
	for i := range result.Messages {
		result.Messages[i].Message = packed[i]
	}
	s.ok(tierConversation, "search")
	return result, nil
}

// Sessions lists conversations, most recently active first.
func (s *Service) Sessions(ctx context.Context, agentName string, limit int) ([]store.SessionInfo, error) {
	ctx, span := telemetry.StartSpan(ctx, "conversation.sessions")
	defer span.End()

	if limit < 0 {
		return nil, s.invalid(tierConversation, "sessions", apperr.Validation("limit must be at least 0"))
	}
	sessions, err := s.log.Sessions(ctx, agentName, clampLimit(limit, s.cfg.Conversation.DefaultLimit, s.cfg.Conversation.MaxLimit))
	if err != nil {
		return nil, s.fail(span, tierConversation, "sessions", "sessions", err)
	}
	if sessions == nil {
		sessions = []store.SessionInfo{}
	}
	s.ok(tierConversation, "sessions")
	return sessions, nil
}

// touch records a read of msgs. It is best-effort and never fails the read.
func (s *Service) touch(ctx context.Context, msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	at, err := s.log.Touch(ctx, ids)
	if err != nil {
		s.logger.Warn().Int("messages", len(ids)).Err(err).Msg("failed to update access stats")
		return
	}
	for i := range msgs {
		msgs[i].AccessedAt = at
		msgs[i].AccessCount++
	}
}
