package domain

import (
	"fmt"
	"math"
)

type SessionStatus string

const (
	SessionStarting       SessionStatus = "starting"
	SessionActive         SessionStatus = "active"
	SessionIdle           SessionStatus = "idle"
	SessionHandoffPending SessionStatus = "handoff_pending"
	SessionRetired        SessionStatus = "retired"
	SessionError          SessionStatus = "error"
)

// ContextAction tells a session what to do after a usage report.
type ContextAction string

const (
	ActionContinue        ContextAction = "continue"
	ActionPrepareHandoff  ContextAction = "prepare_handoff"
	ActionHandoffRequired ContextAction = "handoff_required"
)

// HandoffBufferPercent is the width of the prepare zone below the threshold.
const HandoffBufferPercent = 10

type Session struct {
	ID                string        `json:"id"`
	PoolID            string        `json:"pool_id"`
	ProjectID         string        `json:"project_id"`
	Status            SessionStatus `json:"status" enum:"starting,active,idle,handoff_pending,retired,error"`
	ContextUsedTokens int64         `json:"context_used_tokens"`
	ContextMaxTokens  int64         `json:"context_max_tokens"`
	ContextPercent    float64       `json:"context_percent"`
	CurrentTaskID     *string       `json:"current_task_id,omitempty"`
	TasksCompleted    int           `json:"tasks_completed"`
	HandoffFrom       *string       `json:"handoff_from,omitempty"`
	HandoffTo         *string       `json:"handoff_to,omitempty"`
	HandoffSummary    string        `json:"handoff_summary,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	LastHeartbeatAt   *string       `json:"last_heartbeat_at,omitempty" format:"date-time"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
	RetiredAt         *string       `json:"retired_at,omitempty" format:"date-time"`
}

// ContextPercent converts a token count into a percentage of the window,
// rounded to two decimals.
func ContextPercent(used, max int64) float64 {
	if max <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(max)*10000) / 100
}

// EvaluateContext maps a usage percentage onto the three budget zones.
func EvaluateContext(percent float64, threshold int) ContextAction {
	t := float64(threshold)
	switch {
	case percent >= t:
		return ActionHandoffRequired
	case percent >= t-HandoffBufferPercent:
		return ActionPrepareHandoff
	default:
		return ActionContinue
	}
}

// IsLive reports whether the session occupies a pool slot.
func (s Session) IsLive() bool {
	switch s.Status {
	case SessionStarting, SessionActive, SessionIdle:
		return true
	}
	return false
}

// IsTerminal reports whether the session can no longer do work.
func (s Session) IsTerminal() bool {
	return s.Status == SessionRetired || s.Status == SessionError
}

// CanAcceptTask reports whether the session is idle, unassigned and below threshold.
func (s Session) CanAcceptTask(threshold int) bool {
	return s.Status == SessionIdle && s.CurrentTaskID == nil && s.ContextPercent < float64(threshold)
}

// ApproachingThreshold reports whether usage has entered the prepare zone or beyond.
func (s Session) ApproachingThreshold(threshold int) bool {
	return s.ContextPercent >= float64(threshold-HandoffBufferPercent)
}

func (s *Session) transitionError(to SessionStatus) error {
	return invalid("session", s.ID, string(s.Status), string(to))
}

// Heartbeat marks a starting session active and stamps the heartbeat.
func (s *Session) Heartbeat(now string) error {
	if s.IsTerminal() {
		return s.transitionError(SessionActive)
	}
	if s.Status == SessionStarting {
		s.Status = SessionActive
	}
	s.LastHeartbeatAt = &now
	return nil
}

// UpdateContextUsage records a usage report and returns the zone action.
// Reaching the threshold moves an active or idle session to handoff_pending.
func (s *Session) UpdateContextUsage(used, max int64, threshold int, now string) (ContextAction, error) {
	if s.IsTerminal() {
		return "", s.transitionError(s.Status)
	}
	if max <= 0 {
		return "", fmt.Errorf("context max tokens must be > 0, got %d", max)
	}
	if used < 0 {
		return "", fmt.Errorf("context used tokens must be >= 0, got %d", used)
	}
	s.ContextUsedTokens = used
	s.ContextMaxTokens = max
	s.ContextPercent = ContextPercent(used, max)
	if s.Status == SessionStarting {
		s.Status = SessionActive
	}
	s.LastHeartbeatAt = &now
	action := EvaluateContext(s.ContextPercent, threshold)
	if action == ActionHandoffRequired && (s.Status == SessionActive || s.Status == SessionIdle) {
		s.Status = SessionHandoffPending
	}
	return action, nil
}

// AssignTask gives the session a work item. Only unassigned sessions that are
// starting, active or idle and below the threshold may take work.
func (s *Session) AssignTask(taskID string, threshold int) error {
	switch s.Status {
	case SessionStarting, SessionActive, SessionIdle:
	default:
		return s.transitionError(SessionActive)
	}
	if s.CurrentTaskID != nil {
		return s.transitionError(SessionActive)
	}
	if s.ContextPercent >= float64(threshold) {
		return s.transitionError(SessionActive)
	}
	s.CurrentTaskID = &taskID
	s.Status = SessionActive
	return nil
}

// CompleteTask finishes the current work item and frees the session.
func (s *Session) CompleteTask() error {
	if s.CurrentTaskID == nil {
		return s.transitionError(SessionIdle)
	}
	switch s.Status {
	case SessionActive:
		s.Status = SessionIdle
	case SessionHandoffPending:
	default:
		return s.transitionError(SessionIdle)
	}
	s.CurrentTaskID = nil
	s.TasksCompleted++
	return nil
}

// ReleaseTask drops the current work item without counting it as completed.
func (s *Session) ReleaseTask() {
	s.CurrentTaskID = nil
	if s.Status == SessionActive {
		s.Status = SessionIdle
	}
}

// Retire ends the session for good.
func (s *Session) Retire(summary, now string) error {
	if s.Status == SessionRetired {
		return s.transitionError(SessionRetired)
	}
	s.Status = SessionRetired
	s.CurrentTaskID = nil
	if summary != "" {
		s.HandoffSummary = summary
	}
	s.RetiredAt = &now
	return nil
}

// MarkError moves a non-terminal session into the error state.
func (s *Session) MarkError(message string) error {
	if s.IsTerminal() {
		return s.transitionError(SessionError)
	}
	s.Status = SessionError
	s.ErrorMessage = message
	s.CurrentTaskID = nil
	return nil
}

// CanHandoff reports whether the session may be replaced by a successor.
func (s Session) CanHandoff() bool {
	if s.HandoffTo != nil {
		return false
	}
	switch s.Status {
	case SessionActive, SessionIdle, SessionHandoffPending:
		return true
	}
	return false
}
