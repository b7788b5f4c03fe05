package service

import (
	"encoding/json"

	"github.com/rcliao/agent-context/internal/model"
)

// CachePutRequest stores a value in the volatile tier.
type CachePutRequest struct {
	Key        string          `json:"key" validate:"notblank,max=512"`
	Value      json.RawMessage `json:"value" validate:"required"`
	TTLSeconds int             `json:"ttlSeconds" validate:"gt=0"`
}

// AppendRequest records one conversation turn.
type AppendRequest struct {
	SessionID  string         `json:"sessionId" validate:"notblank"`
	AgentName  string         `json:"agentName" validate:"notblank"`
	UserID     string         `json:"userId,omitempty"`
	Role       model.Role     `json:"role" validate:"required,oneof=user assistant system tool"`
	Content    string         `json:"content" validate:"required"`
	Metadata   model.Document `json:"metadata,omitempty"`
	Importance *float64       `json:"importance,omitempty" validate:"omitempty,min=0,max=1"`
}

// ListRequest reads a session's history.
type ListRequest struct {
	SessionID     string  `json:"sessionId" validate:"notblank"`
	AgentName     string  `json:"agentName"`
	UserID        string  `json:"userId"`
	Limit         int     `json:"limit" validate:"min=0"`
	SinceHours    float64 `json:"sinceHours" validate:"min=0"`
	MinImportance float64 `json:"minImportance" validate:"min=0,max=1"`
	Order         string  `json:"order" validate:"omitempty,oneof=asc desc"`
}

// SearchRequest runs the keyword search and packs the best matches into a
// token budget.
type SearchRequest struct {
	Query     string `json:"query" validate:"notblank"`
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
	Limit     int    `json:"limit" validate:"min=0"`
	Budget    int    `json:"budget" validate:"min=0"`
}

// EntityRequest records one mention of an entity.
type EntityRequest struct {
	EntityType      string              `json:"entityType" validate:"notblank"`
	EntityID        string              `json:"entityId" validate:"notblank"`
	EntityName      string              `json:"entityName"`
	AgentName       string              `json:"agentName"`
	Attributes      model.Document      `json:"attributes"`
	Relationships   map[string][]string `json:"relationships,omitempty"`
	Importance      *float64            `json:"importance,omitempty" validate:"omitempty,min=0,max=1"`
	ForceImportance bool                `json:"forceImportance,omitempty"`
}

// EntitySearchRequest filters entities.
type EntitySearchRequest struct {
	EntityType    string  `json:"entityType"`
	NameContains  string  `json:"nameContains"`
	AgentName     string  `json:"agentName"`
	MinImportance float64 `json:"minImportance" validate:"min=0,max=1"`
	Limit         int     `json:"limit" validate:"min=0"`
}

// WorkingPutRequest replaces a working-memory slot. A zero TTL selects the
// configured default.
type WorkingPutRequest struct {
	AgentName   string         `json:"agentName" validate:"notblank"`
	SessionID   string         `json:"sessionId" validate:"notblank"`
	ContextType string         `json:"contextType" validate:"notblank"`
	ContextData model.Document `json:"contextData" validate:"required"`
	TTLSeconds  int            `json:"ttlSeconds" validate:"min=0"`
}

// WorkingKey addresses one slot, or every slot of a session when ContextType
// is empty.
type WorkingKey struct {
	AgentName   string `json:"agentName" validate:"notblank"`
	SessionID   string `json:"sessionId" validate:"notblank"`
	ContextType string `json:"contextType"`
}
