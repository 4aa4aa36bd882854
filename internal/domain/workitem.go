package domain

import "math"

type WorkItemStatus string

const (
	WorkPending    WorkItemStatus = "pending"
	WorkInProgress WorkItemStatus = "in_progress"
	WorkCompleted  WorkItemStatus = "completed"
	WorkBlocked    WorkItemStatus = "blocked"
)

type DependencyClass string

const (
	HumanRequired DependencyClass = "HUMAN_REQUIRED"
	AgentCapable  DependencyClass = "AGENT_CAPABLE"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ChangeKind classifies a saved work item mutation for event emission.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeUpdated       ChangeKind = "updated"
	ChangeStatusChanged ChangeKind = "status_changed"
)

type WorkItem struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	ParentID        *string         `json:"parent_id,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          WorkItemStatus  `json:"status" enum:"pending,in_progress,completed,blocked"`
	DependencyClass DependencyClass `json:"dependency_class" enum:"HUMAN_REQUIRED,AGENT_CAPABLE"`
	Priority        Priority        `json:"priority" enum:"low,normal,high,urgent"`
	BlockedBy       []string        `json:"blocked_by,omitempty"`
	ClientID        *string         `json:"client_id,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID         int64   `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	TS         string  `json:"ts" format:"date-time"`
	Note       string  `json:"note"`
	AgentID    *string `json:"agent_id,omitempty"`
}

// ValidDependencyClass reports whether c is a known class.
func ValidDependencyClass(c DependencyClass) bool {
	return c == HumanRequired || c == AgentCapable
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// CanTransitionWorkItem reports whether a work item may move from one status to another.
func CanTransitionWorkItem(from, to WorkItemStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case WorkPending:
		return to == WorkInProgress || to == WorkBlocked
	case WorkInProgress:
		return to == WorkCompleted || to == WorkBlocked || to == WorkPending
	case WorkBlocked:
		return to == WorkPending
	}
	return false
}

// EnsureWorkItemTransition returns an InvalidTransitionError when the move is not allowed.
func EnsureWorkItemTransition(id string, from, to WorkItemStatus) error {
	if CanTransitionWorkItem(from, to) {
		return nil
	}
	return invalid("work_item", id, string(from), string(to))
}

// DependenciesMet reports whether every blocker is completed. statuses maps
// blocker ids to their current status; missing blockers count as unmet.
func (w WorkItem) DependenciesMet(statuses map[string]WorkItemStatus) bool {
	for _, id := range w.BlockedBy {
		if statuses[id] != WorkCompleted {
			return false
		}
	}
	return true
}

// ProgressPercentage is the share of completed subtasks, rounded to the nearest integer.
func ProgressPercentage(total, completed int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}

// ClassifyChange decides which event a save produces. A status change wins over
// any other field update.
func ClassifyChange(before *WorkItem, after WorkItem) ChangeKind {
	if before == nil {
		return ChangeCreated
	}
	if before.Status != after.Status {
		return ChangeStatusChanged
	}
	return ChangeUpdated
}
