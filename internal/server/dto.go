package server

import (
	"relay/internal/domain"
	"relay/internal/engine"
)

// Request payloads

type ConfigurePoolRequest struct {
	WarmPoolSize            *int  `json:"warm_pool_size,omitempty" minimum:"1"`
	MaxPoolSize             *int  `json:"max_pool_size,omitempty" minimum:"1"`
	ContextThresholdPercent *int  `json:"context_threshold_percent,omitempty"`
	AutoDelegateEnabled     *bool `json:"auto_delegate_enabled,omitempty"`
	SkipUserRequired        *bool `json:"skip_user_required,omitempty"`
}

type SummaryRequest struct {
	Summary string `json:"summary,omitempty"`
}

type SpawnSessionRequest struct {
	ContextMaxTokens int64 `json:"context_max_tokens,omitempty" minimum:"0"`
}

type ContextReportRequest struct {
	UsedTokens int64 `json:"used_tokens" minimum:"0"`
	MaxTokens  int64 `json:"max_tokens,omitempty" minimum:"0"`
}

type SessionErrorRequest struct {
	Message string `json:"message"`
}

type CreateWorkItemRequest struct {
	ID              *string  `json:"id,omitempty"`
	ParentID        *string  `json:"parent_id,omitempty"`
	Title           string   `json:"title"`
	Description     *string  `json:"description,omitempty"`
	DependencyClass *string  `json:"dependency_class,omitempty" enum:"HUMAN_REQUIRED,AGENT_CAPABLE"`
	Priority        *string  `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	BlockedBy       []string `json:"blocked_by,omitempty"`
	ClientID        *string  `json:"client_id,omitempty"`
}

type UpdateWorkItemRequest struct {
	Version         *int64   `json:"version,omitempty"`
	Title           *string  `json:"title,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Priority        *string  `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	DependencyClass *string  `json:"dependency_class,omitempty" enum:"HUMAN_REQUIRED,AGENT_CAPABLE"`
	Status          *string  `json:"status,omitempty" enum:"pending,in_progress,completed,blocked"`
	ParentID        *string  `json:"parent_id,omitempty"`
	AddBlockedBy    []string `json:"add_blocked_by,omitempty"`
	RemoveBlockedBy []string `json:"remove_blocked_by,omitempty"`
	ClientID        *string  `json:"client_id,omitempty"`
}

type BlockersRequest struct {
	BlockedBy []string `json:"blocked_by,omitempty"`
}

type AuditAppendRequest struct {
	Note    string `json:"note"`
	AgentID string `json:"agent_id,omitempty"`
}

type ClaimRequest struct {
	SessionID string `json:"session_id"`
}

type CreateDelegationRequest struct {
	WorkItemID string `json:"work_item_id"`
	Reason     string `json:"reason,omitempty"`
}

type CancelDelegationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type CapacityResponse struct {
	PoolID             string            `json:"pool_id"`
	Status             domain.PoolStatus `json:"status"`
	LiveSessions       int               `json:"live_sessions"`
	MaxPoolSize        int               `json:"max_pool_size"`
	WarmPoolSize       int               `json:"warm_pool_size"`
	CanSpawnNewSession bool              `json:"can_spawn_new_session"`
	NeedsWarmup        bool              `json:"needs_warmup"`
}

type AvailableSessionResponse struct {
	Available bool            `json:"available"`
	Session   *domain.Session `json:"session,omitempty"`
}

type SessionList struct {
	Items []engine.SessionView `json:"items"`
}

type SessionChain struct {
	Items []domain.Session `json:"items"`
}

type WarmupResponse struct {
	Spawned []domain.Session `json:"spawned"`
}

type WorkItemList struct {
	Items      []engine.WorkItemView `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type WorkItemTree struct {
	Items []engine.WorkItemNode `json:"items"`
}

type AuditAppendResponse struct {
	WorkItemID string `json:"work_item_id"`
	Version    int64  `json:"version"`
}

type AuditList struct {
	Items []domain.AuditEntry `json:"items"`
}

type DelegationList struct {
	Items []domain.DelegationRequest `json:"items"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	ProjectID      string         `json:"project_id"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
