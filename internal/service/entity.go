package service

import (
	"context"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// UpsertEntity merges one mention into the entity record and returns the
// merged result.
func (s *Service) UpsertEntity(ctx context.Context, req EntityRequest) (*model.Entity, error) {
	ctx, span := telemetry.StartSpan(ctx, "entity.upsert")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierEntity, "upsert", err)
	}
	e, err := s.entities.Upsert(ctx, store.UpsertParams{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		AgentName:       req.AgentName,
		EntityName:      req.EntityName,
		Attributes:      req.Attributes,
		Relationships:   req.Relationships,
		Importance:      req.Importance,
		ForceImportance: req.ForceImportance,
	})
	if err != nil {
		return nil, s.fail(span, tierEntity, "upsert", entityKey(req.EntityType, req.EntityID), err)
	}
	s.ok(tierEntity, "upsert")
	return e, nil
}

// GetEntity returns one entity. An empty agentName addresses the global scope.
func (s *Service) GetEntity(ctx context.Context, entityType, entityID, agentName string) (*model.Entity, error) {
	ctx, span := telemetry.StartSpan(ctx, "entity.get")
	defer span.End()

	if err := s.check(struct {
		EntityType string `json:"entityType" validate:"notblank"`
		EntityID   string `json:"entityId" validate:"notblank"`
	}{entityType, entityID}); err != nil {
		return nil, s.invalid(tierEntity, "get", err)
	}
	e, err := s.entities.Get(ctx, entityType, entityID, agentName)
	if err != nil {
		return nil, s.fail(span, tierEntity, "get", entityKey(entityType, entityID), err)
	}
	s.ok(tierEntity, "get")
	return e, nil
}

// SearchEntities filters entities, most important first.
func (s *Service) SearchEntities(ctx context.Context, req EntitySearchRequest) ([]model.Entity, error) {
	ctx, span := telemetry.StartSpan(ctx, "entity.search")
	defer span.End()

	if err := s.check(req); err != nil {
		return nil, s.invalid(tierEntity, "search", err)
	}
	ents, err := s.entities.Search(ctx, store.EntitySearchParams{
		EntityType:    req.EntityType,
		NameContains:  req.NameContains,
		AgentName:     req.AgentName,
		MinImportance: req.MinImportance,
		Limit:         clampLimit(req.Limit, s.cfg.Search.DefaultLimit, s.cfg.Conversation.MaxLimit),
	})
	if err != nil {
		return nil, s.fail(span, tierEntity, "search", "entities", err)
	}
	if ents == nil {
		ents = []model.Entity{}
	}
	s.ok(tierEntity, "search")
	return ents, nil
}

func entityKey(entityType, entityID string) string {
	return "entity " + entityType + "/" + entityID
}
