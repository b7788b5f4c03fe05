// Package model defines the data types held by the memory tiers.
package model

import (
	"encoding/json"
	"time"
)

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ValidRoles are the accepted conversation roles.
var ValidRoles = map[Role]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
	RoleTool:      true,
}

// Document is an open key/value map with no schema at this layer.
type Document map[string]any

// Message is one durable turn in a dialogue.
type Message struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"sessionId"`
	AgentName   string    `json:"agentName"`
	UserID      string    `json:"userId,omitempty"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Metadata    Document  `json:"metadata,omitempty"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"createdAt"`
	AccessedAt  time.Time `json:"accessedAt"`
	AccessCount int       `json:"accessCount"`
}

// Entity is accumulated knowledge about a named thing, unique on
// (EntityType, EntityID, AgentName).
type Entity struct {
	EntityType      string              `json:"entityType"`
	EntityID        string              `json:"entityId"`
	EntityName      string              `json:"entityName"`
	Attributes      Document            `json:"attributes"`
	Relationships   map[string][]string `json:"relationships,omitempty"`
	AgentName       string              `json:"agentName"`
	MentionCount    int                 `json:"mentionCount"`
	Importance      float64             `json:"importance"`
	LastMentionedAt time.Time           `json:"lastMentionedAt"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	Version         int64               `json:"-"`
}

// WorkingSlot is the current task state for one (AgentName, SessionID, ContextType).
type WorkingSlot struct {
	AgentName   string    `json:"agentName"`
	SessionID   string    `json:"sessionId"`
	ContextType string    `json:"contextType"`
	ContextData Document  `json:"contextData"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the slot is past its expiry at now.
func (w WorkingSlot) Expired(now time.Time) bool {
	return !now.Before(w.ExpiresAt)
}

// CacheEntry is a short-lived opaque blob in the volatile tier.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

// SessionKey identifies the conversation of one agent within a session.
type SessionKey struct {
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
}
