package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/repo"
)

// SessionView is a session snapshot with its derived predicates.
type SessionView struct {
	domain.Session
	ContextThresholdPercent int  `json:"context_threshold_percent"`
	CanAcceptTask           bool `json:"can_accept_task"`
	ApproachingThreshold    bool `json:"approaching_threshold"`
}

func newSessionView(s domain.Session, threshold int) SessionView {
	return SessionView{
		Session:                 s,
		ContextThresholdPercent: threshold,
		CanAcceptTask:           s.CanAcceptTask(threshold),
		ApproachingThreshold:    s.ApproachingThreshold(threshold),
	}
}

func (e Engine) viewSession(ctx context.Context, s domain.Session) (SessionView, error) {
	pool, err := e.Repo.GetPool(ctx, s.PoolID)
	if err != nil {
		return SessionView{}, err
	}
	return newSessionView(s, pool.ContextThresholdPercent), nil
}

func (e Engine) insertSessionTx(ctx context.Context, tx *sql.Tx, ob *outbox, pool domain.Pool, maxTokens int64, handoffFrom *string, actorID string) (domain.Session, error) {
	if maxTokens <= 0 {
		maxTokens = e.config().Session.ContextMaxTokens
	}
	now := e.ts()
	s := domain.Session{
		ID:               newID(),
		PoolID:           pool.ID,
		ProjectID:        pool.ProjectID,
		Status:           domain.SessionStarting,
		ContextMaxTokens: maxTokens,
		HandoffFrom:      handoffFrom,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return s, fmt.Errorf("insert session: %w", err)
	}
	payload := events.EventPayload{"context_max_tokens": maxTokens}
	if handoffFrom != nil {
		payload["handoff_from"] = *handoffFrom
	}
	err := ob.append(ctx, tx, events.Record{
		Type: "session.spawned", ProjectID: s.ProjectID, EntityKind: domain.EntitySession, EntityID: s.ID, ActorID: actorID,
		NewStatus: string(s.Status), Payload: payload,
	})
	return s, err
}

// SessionSpawnOptions are parameters for admitting a new session.
type SessionSpawnOptions struct {
	ProjectID        string
	ContextMaxTokens int64
	ActorID          string
}

// SpawnSession admits a new starting session if the pool is active and has room.
// Admission is serialized per pool so the live count never exceeds the maximum.
func (e Engine) SpawnSession(ctx context.Context, opts SessionSpawnOptions) (domain.Session, error) {
	if opts.ContextMaxTokens < 0 {
		return domain.Session{}, fmt.Errorf("context max tokens must be >= 0, got %d", opts.ContextMaxTokens)
	}
	pool, err := e.EnsurePool(ctx, opts.ProjectID, opts.ActorID)
	if err != nil {
		return domain.Session{}, err
	}
	unlock := e.lock(poolKey(pool.ID))
	defer unlock()
	var s domain.Session
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		pool, err := e.Repo.GetPoolTx(ctx, tx, pool.ID)
		if err != nil {
			return err
		}
		if pool.Status != domain.PoolActive {
			return fmt.Errorf("pool %s is %s: %w", pool.ID, pool.Status, ErrPoolNotAccepting)
		}
		counts, err := e.Repo.CountSessionsTx(ctx, tx, pool.ID)
		if err != nil {
			return err
		}
		if !pool.CanSpawnNewSession(counts) {
			return fmt.Errorf("pool %s has %d/%d live sessions: %w", pool.ID, counts.Live(), pool.MaxPoolSize, ErrPoolAtCapacity)
		}
		s, err = e.insertSessionTx(ctx, tx, ob, pool, opts.ContextMaxTokens, nil, opts.ActorID)
		if err != nil {
			return err
		}
		return e.Repo.TouchPoolActivityTx(ctx, tx, pool.ID, s.CreatedAt)
	})
	return s, err
}

func (e Engine) GetSession(ctx context.Context, id string) (SessionView, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if err != nil {
		return SessionView{}, err
	}
	return e.viewSession(ctx, s)
}

// ListSessions returns the project's sessions, optionally filtered by status.
func (e Engine) ListSessions(ctx context.Context, projectID string, statuses ...domain.SessionStatus) ([]SessionView, error) {
	pool, err := e.EnsurePool(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	sessions, err := e.Repo.ListSessions(ctx, repo.SessionFilters{PoolID: pool.ID, Statuses: statuses})
	if err != nil {
		return nil, err
	}
	res := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		res = append(res, newSessionView(s, pool.ContextThresholdPercent))
	}
	return res, nil
}

// Heartbeat marks a starting session active and records liveness.
func (e Engine) Heartbeat(ctx context.Context, sessionID, actorID string) (SessionView, error) {
	var view SessionView
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		pool, err := e.Repo.GetPoolTx(ctx, tx, s.PoolID)
		if err != nil {
			return err
		}
		before := s.Status
		if err := s.Heartbeat(e.ts()); err != nil {
			return err
		}
		if err := e.saveSession(ctx, tx, ob, before, &s, actorID, nil); err != nil {
			return err
		}
		view = newSessionView(s, pool.ContextThresholdPercent)
		return nil
	})
	return view, err
}

// ContextReportOptions carries one usage report. A zero MaxTokens keeps the
// session's current window size.
type ContextReportOptions struct {
	SessionID  string
	UsedTokens int64
	MaxTokens  int64
	ActorID    string
}

// ContextReport is the outcome of a usage report.
type ContextReport struct {
	Session SessionView          `json:"session"`
	Action  domain.ContextAction `json:"action" enum:"continue,prepare_handoff,handoff_required"`
}

// ReportContext records context usage and returns the zone action the session
// must take.
func (e Engine) ReportContext(ctx context.Context, opts ContextReportOptions) (ContextReport, error) {
	var report ContextReport
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		s, err := e.Repo.GetSessionTx(ctx, tx, opts.SessionID)
		if err != nil {
			return err
		}
		pool, err := e.Repo.GetPoolTx(ctx, tx, s.PoolID)
		if err != nil {
			return err
		}
		max := opts.MaxTokens
		if max == 0 {
			max = s.ContextMaxTokens
		}
		before := s.Status
		action, err := s.UpdateContextUsage(opts.UsedTokens, max, pool.ContextThresholdPercent, e.ts())
		if err != nil {
			return err
		}
		if err := e.saveSession(ctx, tx, ob, before, &s, opts.ActorID, events.EventPayload{"action": action}); err != nil {
			return err
		}
		if err := ob.append(ctx, tx, events.Record{
			Type: "session.context_reported", ProjectID: s.ProjectID, EntityKind: domain.EntitySession, EntityID: s.ID, ActorID: opts.ActorID,
			PreviousStatus: string(before), NewStatus: string(s.Status),
			Payload: events.EventPayload{"used_tokens": s.ContextUsedTokens, "max_tokens": s.ContextMaxTokens, "context_percent": s.ContextPercent, "action": action},
		}); err != nil {
			return err
		}
		report = ContextReport{Session: newSessionView(s, pool.ContextThresholdPercent), Action: action}
		return nil
	})
	return report, err
}

// CompleteSessionTask finishes the session's current work: its claimed
// delegation request is completed and the session returns to idle.
func (e Engine) CompleteSessionTask(ctx context.Context, sessionID, actorID string) (SessionView, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if s.CurrentTaskID == nil {
		return SessionView{}, &InvalidTransitionError{Entity: "session", ID: s.ID, From: string(s.Status), To: string(domain.SessionIdle)}
	}
	unlock := e.lock(workItemKey(*s.CurrentTaskID))
	defer unlock()
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		claim, err := e.Repo.ClaimedBySessionTx(ctx, tx, sessionID)
		if err == nil {
			_, err = e.completeDelegationTx(ctx, tx, ob, claim, actorID)
			return err
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		before := s.Status
		if err := s.CompleteTask(); err != nil {
			return err
		}
		return e.saveSession(ctx, tx, ob, before, &s, actorID, nil)
	})
	if err != nil {
		return SessionView{}, err
	}
	return e.GetSession(ctx, sessionID)
}

// RetireSession ends a session for good. A claim it still holds is cancelled
// and its work item becomes delegable again.
func (e Engine) RetireSession(ctx context.Context, sessionID, summary, actorID string) (SessionView, error) {
	return e.endSession(ctx, sessionID, actorID, "session retired", func(s *domain.Session) error {
		return s.Retire(summary, e.ts())
	}, events.EventPayload{"summary": summary})
}

// MarkSessionError moves a session into the error state and releases its claim.
func (e Engine) MarkSessionError(ctx context.Context, sessionID, message, actorID string) (SessionView, error) {
	return e.endSession(ctx, sessionID, actorID, "session error: "+message, func(s *domain.Session) error {
		return s.MarkError(message)
	}, events.EventPayload{"error": message})
}

func (e Engine) endSession(ctx context.Context, sessionID, actorID, reason string, apply func(*domain.Session) error, payload events.EventPayload) (SessionView, error) {
	var view SessionView
	err := retryOnConflict(func() error {
		var err error
		view, err = e.endSessionOnce(ctx, sessionID, actorID, reason, apply, payload)
		return err
	})
	return view, err
}

// endSessionOnce locks the work item the session held when read. If the
// session picked up a different task before the transaction started, it fails
// with a version conflict so the caller retries under the right key.
func (e Engine) endSessionOnce(ctx context.Context, sessionID, actorID, reason string, apply func(*domain.Session) error, payload events.EventPayload) (SessionView, error) {
	cur, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	var keys []string
	if cur.CurrentTaskID != nil {
		keys = append(keys, workItemKey(*cur.CurrentTaskID))
	}
	unlock := e.lock(keys...)
	defer unlock()
	var view SessionView
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !sameTask(s.CurrentTaskID, cur.CurrentTaskID) {
			return fmt.Errorf("session %s changed task while ending: %w", s.ID, ErrVersionConflict)
		}
		trial := s
		if err := apply(&trial); err != nil {
			return err
		}
		if claim, err := e.Repo.ClaimedBySessionTx(ctx, tx, sessionID); err == nil {
			if _, err := e.endDelegationTx(ctx, tx, ob, claim, domain.DelegationCancelled, reason, actorID); err != nil {
				return err
			}
			if s, err = e.Repo.GetSessionTx(ctx, tx, sessionID); err != nil {
				return err
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		pool, err := e.Repo.GetPoolTx(ctx, tx, s.PoolID)
		if err != nil {
			return err
		}
		before := s.Status
		if err := apply(&s); err != nil {
			return err
		}
		if err := e.saveSession(ctx, tx, ob, before, &s, actorID, payload); err != nil {
			return err
		}
		view = newSessionView(s, pool.ContextThresholdPercent)
		return nil
	})
	return view, err
}

// HandoffOptions are parameters for replacing a session with a successor.
type HandoffOptions struct {
	SessionID string
	Summary   string
	ActorID   string
}

// HandoffResult links the retired predecessor to its successor.
type HandoffResult struct {
	Predecessor domain.Session `json:"predecessor"`
	Successor   domain.Session `json:"successor"`
	RequestID   string         `json:"request_id,omitempty"`
	WorkItemID  string         `json:"work_item_id,omitempty"`
}

// Handoff creates a successor in the same pool, transfers the predecessor's
// claim and work item to it, and retires the predecessor with the summary.
// A live predecessor's slot passes to the successor, so the handoff proceeds
// even while the pool is paused. A handoff_pending predecessor holds no slot
// and the successor needs room under the maximum.
func (e Engine) Handoff(ctx context.Context, opts HandoffOptions) (HandoffResult, error) {
	cur, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return HandoffResult{}, err
	}
	keys := []string{poolKey(cur.PoolID)}
	if cur.CurrentTaskID != nil {
		keys = append(keys, workItemKey(*cur.CurrentTaskID))
	}
	unlock := e.lock(keys...)
	defer unlock()

	var res HandoffResult
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		res = HandoffResult{}
		pred, err := e.Repo.GetSessionTx(ctx, tx, opts.SessionID)
		if err != nil {
			return err
		}
		if !pred.CanHandoff() {
			return &InvalidTransitionError{Entity: "session", ID: pred.ID, From: string(pred.Status), To: string(domain.SessionRetired)}
		}
		if !sameTask(pred.CurrentTaskID, cur.CurrentTaskID) {
			return fmt.Errorf("session %s changed task during handoff: %w", pred.ID, ErrVersionConflict)
		}
		pool, err := e.Repo.GetPoolTx(ctx, tx, pred.PoolID)
		if err != nil {
			return err
		}
		if !pred.IsLive() {
			counts, err := e.Repo.CountSessionsTx(ctx, tx, pool.ID)
			if err != nil {
				return err
			}
			if counts.Live() >= pool.MaxPoolSize {
				return fmt.Errorf("pool %s has %d/%d live sessions: %w", pool.ID, counts.Live(), pool.MaxPoolSize, ErrPoolAtCapacity)
			}
		}
		succ, err := e.insertSessionTx(ctx, tx, ob, pool, pred.ContextMaxTokens, &pred.ID, opts.ActorID)
		if err != nil {
			return err
		}
		taskID := pred.CurrentTaskID
		predBefore := pred.Status
		pred.HandoffTo = &succ.ID
		if err := pred.Retire(opts.Summary, e.ts()); err != nil {
			return err
		}
		if err := e.saveSession(ctx, tx, ob, predBefore, &pred, opts.ActorID, events.EventPayload{"handoff_to": succ.ID, "summary": opts.Summary}); err != nil {
			return err
		}
		if taskID != nil {
			claim, err := e.Repo.ClaimedBySessionTx(ctx, tx, pred.ID)
			switch {
			case err == nil:
				claim.SessionID = &succ.ID
				if err := e.saveDelegation(ctx, tx, ob, domain.DelegationClaimed, &claim, opts.ActorID, events.EventPayload{"handoff_from": pred.ID, "handoff_to": succ.ID}); err != nil {
					return err
				}
				res.RequestID = claim.ID
			case !errors.Is(err, repo.ErrNotFound):
				return err
			}
			succBefore := succ.Status
			if err := succ.AssignTask(*taskID, pool.ContextThresholdPercent); err != nil {
				return err
			}
			if err := e.saveSession(ctx, tx, ob, succBefore, &succ, opts.ActorID, events.EventPayload{"work_item_id": *taskID}); err != nil {
				return err
			}
			w, err := e.Repo.GetWorkItemTx(ctx, tx, *taskID)
			if err != nil {
				return err
			}
			after := w
			note := fmt.Sprintf("handed off from session %s to %s", pred.ID, succ.ID)
			if opts.Summary != "" {
				note += ": " + opts.Summary
			}
			if err := e.saveWorkItem(ctx, tx, ob, w, &after, note, opts.ActorID, events.EventPayload{"handoff_from": pred.ID, "handoff_to": succ.ID}); err != nil {
				return err
			}
			res.WorkItemID = *taskID
		}
		if err := ob.append(ctx, tx, events.Record{
			Type: "session.handoff", ProjectID: pred.ProjectID, EntityKind: domain.EntitySession, EntityID: pred.ID, ActorID: opts.ActorID,
			PreviousStatus: string(predBefore), NewStatus: string(pred.Status),
			Payload: events.EventPayload{"successor": succ.ID, "work_item_id": res.WorkItemID, "request_id": res.RequestID, "summary": opts.Summary},
		}); err != nil {
			return err
		}
		if err := e.Repo.TouchPoolActivityTx(ctx, tx, pool.ID, e.ts()); err != nil {
			return err
		}
		res.Predecessor = pred
		res.Successor = succ
		return nil
	})
	return res, err
}

func sameTask(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// HandoffChain returns every session linked to id by handoffs, oldest first.
func (e Engine) HandoffChain(ctx context.Context, sessionID string) ([]domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{s.ID: true}
	for s.HandoffFrom != nil {
		if seen[*s.HandoffFrom] {
			return nil, fmt.Errorf("handoff cycle at session %s", s.ID)
		}
		prev, err := e.Repo.GetSession(ctx, *s.HandoffFrom)
		if err != nil {
			return nil, fmt.Errorf("resolve predecessor of %s: %w", s.ID, err)
		}
		seen[prev.ID] = true
		s = prev
	}
	chain := []domain.Session{s}
	seen = map[string]bool{s.ID: true}
	for s.HandoffTo != nil {
		if seen[*s.HandoffTo] {
			return nil, fmt.Errorf("handoff cycle at session %s", s.ID)
		}
		seen[*s.HandoffTo] = true
		next, err := e.Repo.GetSession(ctx, *s.HandoffTo)
		if err != nil {
			return nil, fmt.Errorf("resolve successor of %s: %w", s.ID, err)
		}
		chain = append(chain, next)
		s = next
	}
	return chain, nil
}
