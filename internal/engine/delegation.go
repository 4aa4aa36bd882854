package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/repo"
)

// ClaimResult is the outcome of a claim attempt. Losing to another session is
// not an error: Claimed is false and HeldBy names the winner.
type ClaimResult struct {
	Claimed   bool   `json:"claimed"`
	RequestID string `json:"request_id,omitempty"`
	HeldBy    string `json:"held_by,omitempty"`
}

var errClaimLost = errors.New("claim lost to a concurrent writer")

// CanDelegate reports whether a work item may currently be handed to an agent.
func (e Engine) CanDelegate(ctx context.Context, workItemID string) (bool, error) {
	w, err := e.Repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return false, err
	}
	claimed, err := e.Repo.HasClaimedDelegation(ctx, workItemID)
	if err != nil {
		return false, err
	}
	return domain.CanDelegate(w, claimed), nil
}

// AtomicClaim gives the work item to the session unless another session
// already holds it. The check and the write happen inside the work item's
// keyed lock and a single write transaction, so concurrent claimers see
// exactly one winner.
func (e Engine) AtomicClaim(ctx context.Context, workItemID, sessionID, actorID string) (ClaimResult, error) {
	unlock := e.lock(workItemKey(workItemID))
	defer unlock()

	var res ClaimResult
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		res = ClaimResult{}
		w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
		if err != nil {
			return fmt.Errorf("work item %s: %w", workItemID, err)
		}
		s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
		if err != nil {
			return fmt.Errorf("session %s: %w", sessionID, err)
		}
		if s.ProjectID != w.ProjectID {
			return fmt.Errorf("session %s and work item %s belong to different projects", s.ID, w.ID)
		}
		held, err := e.Repo.ClaimedDelegationTx(ctx, tx, w.ID)
		if err == nil {
			if held.SessionID != nil && *held.SessionID == s.ID {
				res = ClaimResult{Claimed: true, RequestID: held.ID, HeldBy: s.ID}
				return nil
			}
			res = ClaimResult{Claimed: false, RequestID: held.ID}
			if held.SessionID != nil {
				res.HeldBy = *held.SessionID
			}
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if !domain.CanDelegate(w, false) {
			return fmt.Errorf("work item %s (%s, %s): %w", w.ID, w.DependencyClass, w.Status, ErrNotDelegable)
		}
		pool, err := e.Repo.GetPoolTx(ctx, tx, s.PoolID)
		if err != nil {
			return err
		}
		sessionBefore := s.Status
		if err := s.AssignTask(w.ID, pool.ContextThresholdPercent); err != nil {
			return err
		}
		now := e.ts()
		req, err := e.Repo.OpenDelegationTx(ctx, tx, w.ID)
		switch {
		case err == nil:
			from := req.Status
			req.Status = domain.DelegationClaimed
			req.SessionID = &s.ID
			req.ClaimedAt = &now
			if err := e.saveDelegation(ctx, tx, ob, from, &req, actorID, events.EventPayload{"session_id": s.ID, "work_item_id": w.ID}); err != nil {
				if repo.IsUniqueViolation(err) || errors.Is(err, ErrInvalidTransition) {
					return errClaimLost
				}
				return err
			}
		case errors.Is(err, repo.ErrNotFound):
			req = domain.DelegationRequest{
				ID:         newID(),
				ProjectID:  w.ProjectID,
				WorkItemID: w.ID,
				SessionID:  &s.ID,
				Status:     domain.DelegationClaimed,
				Reason:     "direct claim",
				CreatedAt:  now,
				UpdatedAt:  now,
				ClaimedAt:  &now,
			}
			if err := e.Repo.InsertDelegationTx(ctx, tx, req); err != nil {
				if repo.IsUniqueViolation(err) {
					return errClaimLost
				}
				return err
			}
			if err := ob.append(ctx, tx, events.Record{
				Type: "delegation.created", ProjectID: req.ProjectID, EntityKind: domain.EntityDelegation, EntityID: req.ID, ActorID: actorID,
				NewStatus: string(req.Status), Payload: events.EventPayload{"session_id": s.ID, "work_item_id": w.ID},
			}); err != nil {
				return err
			}
		default:
			return err
		}
		after := w
		after.Status = domain.WorkInProgress
		if err := e.saveWorkItem(ctx, tx, ob, w, &after, "claimed by session "+s.ID, actorID, events.EventPayload{"session_id": s.ID, "request_id": req.ID}); err != nil {
			return err
		}
		if err := e.saveSession(ctx, tx, ob, sessionBefore, &s, actorID, events.EventPayload{"work_item_id": w.ID}); err != nil {
			return err
		}
		if err := e.Repo.TouchPoolActivityTx(ctx, tx, pool.ID, now); err != nil {
			return err
		}
		res = ClaimResult{Claimed: true, RequestID: req.ID, HeldBy: s.ID}
		return nil
	})
	if errors.Is(err, errClaimLost) {
		res = ClaimResult{Claimed: false}
		held, lerr := e.Repo.ListDelegations(ctx, repo.DelegationFilters{WorkItemID: workItemID, Statuses: []domain.DelegationStatus{domain.DelegationClaimed}, Limit: 1})
		if lerr == nil && len(held) == 1 {
			res.RequestID = held[0].ID
			if held[0].SessionID != nil {
				res.HeldBy = *held[0].SessionID
			}
		}
		return res, nil
	}
	if err != nil {
		return ClaimResult{}, err
	}
	return res, nil
}

// DelegationCreateOptions are parameters for requesting delegation of a work item.
type DelegationCreateOptions struct {
	WorkItemID string
	Reason     string
	ActorID    string
}

// CreateDelegation opens a delegation request for a delegable work item. If an
// open request already exists it is returned unchanged.
func (e Engine) CreateDelegation(ctx context.Context, opts DelegationCreateOptions) (domain.DelegationRequest, error) {
	unlock := e.lock(workItemKey(opts.WorkItemID))
	defer unlock()
	var req domain.DelegationRequest
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		w, err := e.Repo.GetWorkItemTx(ctx, tx, opts.WorkItemID)
		if err != nil {
			return err
		}
		if existing, err := e.Repo.OpenDelegationTx(ctx, tx, w.ID); err == nil {
			req = existing
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		_, err = e.Repo.ClaimedDelegationTx(ctx, tx, w.ID)
		claimed := err == nil
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if !domain.CanDelegate(w, claimed) {
			return fmt.Errorf("work item %s (%s, %s, claimed=%t): %w", w.ID, w.DependencyClass, w.Status, claimed, ErrNotDelegable)
		}
		pool, err := e.ensurePoolTx(ctx, tx, ob, w.ProjectID, opts.ActorID)
		if err != nil {
			return err
		}
		req, err = e.createDelegationTx(ctx, tx, ob, pool, w, opts.Reason, opts.ActorID)
		return err
	})
	return req, err
}

// createDelegationTx inserts a request, pre-approved when the pool skips user approval.
func (e Engine) createDelegationTx(ctx context.Context, tx *sql.Tx, ob *outbox, pool domain.Pool, w domain.WorkItem, reason, actorID string) (domain.DelegationRequest, error) {
	now := e.ts()
	req := domain.DelegationRequest{
		ID:         newID(),
		ProjectID:  w.ProjectID,
		WorkItemID: w.ID,
		Status:     domain.DelegationPending,
		Reason:     reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if pool.SkipUserRequired {
		req.Status = domain.DelegationApproved
	}
	if err := e.Repo.InsertDelegationTx(ctx, tx, req); err != nil {
		return req, fmt.Errorf("insert delegation: %w", err)
	}
	err := ob.append(ctx, tx, events.Record{
		Type: "delegation.created", ProjectID: req.ProjectID, EntityKind: domain.EntityDelegation, EntityID: req.ID, ActorID: actorID,
		NewStatus: string(req.Status), Payload: events.EventPayload{"work_item_id": w.ID, "reason": reason},
	})
	return req, err
}

// ApproveDelegation moves a pending request to approved.
func (e Engine) ApproveDelegation(ctx context.Context, requestID, actorID string) (domain.DelegationRequest, error) {
	var req domain.DelegationRequest
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		var err error
		req, err = e.Repo.GetDelegationTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status == domain.DelegationApproved {
			return nil
		}
		if err := domain.EnsureDelegationTransition(req.ID, req.Status, domain.DelegationApproved); err != nil {
			return err
		}
		from := req.Status
		req.Status = domain.DelegationApproved
		return e.saveDelegation(ctx, tx, ob, from, &req, actorID, nil)
	})
	return req, err
}

// CompleteDelegation finishes a claimed request and returns its session to idle.
// The work item is left as it is.
func (e Engine) CompleteDelegation(ctx context.Context, requestID, actorID string) (domain.DelegationRequest, error) {
	cur, err := e.Repo.GetDelegation(ctx, requestID)
	if err != nil {
		return cur, err
	}
	unlock := e.lock(workItemKey(cur.WorkItemID))
	defer unlock()
	var req domain.DelegationRequest
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		d, err := e.Repo.GetDelegationTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		req, err = e.completeDelegationTx(ctx, tx, ob, d, actorID)
		return err
	})
	return req, err
}

func (e Engine) completeDelegationTx(ctx context.Context, tx *sql.Tx, ob *outbox, d domain.DelegationRequest, actorID string) (domain.DelegationRequest, error) {
	if err := domain.EnsureDelegationTransition(d.ID, d.Status, domain.DelegationCompleted); err != nil {
		return d, err
	}
	if d.SessionID != nil {
		s, err := e.Repo.GetSessionTx(ctx, tx, *d.SessionID)
		if err != nil {
			return d, err
		}
		if s.CurrentTaskID != nil && *s.CurrentTaskID == d.WorkItemID {
			before := s.Status
			if err := s.CompleteTask(); err != nil {
				return d, err
			}
			if err := e.saveSession(ctx, tx, ob, before, &s, actorID, events.EventPayload{"work_item_id": d.WorkItemID, "request_id": d.ID}); err != nil {
				return d, err
			}
			if err := e.Repo.TouchPoolActivityTx(ctx, tx, s.PoolID, e.ts()); err != nil {
				return d, err
			}
		}
	}
	from := d.Status
	now := e.ts()
	d.Status = domain.DelegationCompleted
	d.CompletedAt = &now
	return d, e.saveDelegation(ctx, tx, ob, from, &d, actorID, events.EventPayload{"work_item_id": d.WorkItemID})
}

// CancelDelegation cancels a request. Cancelling an already cancelled request
// is a no-op. A claimed request releases its session and work item.
func (e Engine) CancelDelegation(ctx context.Context, requestID, reason, actorID string) (domain.DelegationRequest, error) {
	return e.endDelegation(ctx, requestID, domain.DelegationCancelled, reason, actorID)
}

// ExpireDelegation expires a request, with the same release rules as cancel.
func (e Engine) ExpireDelegation(ctx context.Context, requestID, actorID string) (domain.DelegationRequest, error) {
	return e.endDelegation(ctx, requestID, domain.DelegationExpired, "expired", actorID)
}

func (e Engine) endDelegation(ctx context.Context, requestID string, target domain.DelegationStatus, reason, actorID string) (domain.DelegationRequest, error) {
	cur, err := e.Repo.GetDelegation(ctx, requestID)
	if err != nil {
		return cur, err
	}
	unlock := e.lock(workItemKey(cur.WorkItemID))
	defer unlock()
	var req domain.DelegationRequest
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		d, err := e.Repo.GetDelegationTx(ctx, tx, requestID)
		if err != nil {
			return err
		}
		req, err = e.endDelegationTx(ctx, tx, ob, d, target, reason, actorID)
		return err
	})
	return req, err
}

func (e Engine) endDelegationTx(ctx context.Context, tx *sql.Tx, ob *outbox, d domain.DelegationRequest, target domain.DelegationStatus, reason, actorID string) (domain.DelegationRequest, error) {
	if d.Status == target {
		return d, nil
	}
	if err := domain.EnsureDelegationTransition(d.ID, d.Status, target); err != nil {
		return d, err
	}
	from := d.Status
	if from == domain.DelegationClaimed {
		if err := e.releaseClaimTx(ctx, tx, ob, d, reason, actorID); err != nil {
			return d, err
		}
	}
	d.Status = target
	if reason != "" {
		d.Reason = reason
	}
	return d, e.saveDelegation(ctx, tx, ob, from, &d, actorID, events.EventPayload{"work_item_id": d.WorkItemID, "reason": reason})
}

// releaseClaimTx frees the claiming session and returns the work item to pending.
func (e Engine) releaseClaimTx(ctx context.Context, tx *sql.Tx, ob *outbox, d domain.DelegationRequest, reason, actorID string) error {
	if err := e.releaseSessionTx(ctx, tx, ob, d.SessionID, d.WorkItemID, actorID); err != nil {
		return err
	}
	w, err := e.Repo.GetWorkItemTx(ctx, tx, d.WorkItemID)
	if err != nil {
		return err
	}
	if w.Status != domain.WorkInProgress {
		return nil
	}
	after := w
	after.Status = domain.WorkPending
	note := "claim released"
	if reason != "" {
		note += ": " + reason
	}
	return e.saveWorkItem(ctx, tx, ob, w, &after, note, actorID, events.EventPayload{"request_id": d.ID})
}

// releaseSessionTx clears the session's current task if it is still workItemID.
func (e Engine) releaseSessionTx(ctx context.Context, tx *sql.Tx, ob *outbox, sessionID *string, workItemID, actorID string) error {
	if sessionID == nil {
		return nil
	}
	s, err := e.Repo.GetSessionTx(ctx, tx, *sessionID)
	if err != nil {
		return err
	}
	if s.CurrentTaskID == nil || *s.CurrentTaskID != workItemID {
		return nil
	}
	before := s.Status
	s.ReleaseTask()
	return e.saveSession(ctx, tx, ob, before, &s, actorID, events.EventPayload{"released": workItemID})
}

// ExpireStale expires pending and approved requests older than the configured
// TTL. Claimed requests are never expired by the sweep.
func (e Engine) ExpireStale(ctx context.Context, projectID, actorID string) ([]domain.DelegationRequest, error) {
	ttl := e.config().RequestTTL()
	if ttl <= 0 {
		return nil, nil
	}
	cutoff := e.now().UTC().Add(-ttl).Format(time.RFC3339)
	stale, err := e.Repo.ListDelegations(ctx, repo.DelegationFilters{
		ProjectID:     projectID,
		Statuses:      []domain.DelegationStatus{domain.DelegationPending, domain.DelegationApproved},
		CreatedBefore: cutoff,
	})
	if err != nil {
		return nil, err
	}
	var expired []domain.DelegationRequest
	for _, d := range stale {
		ended, err := e.ExpireDelegation(ctx, d.ID, actorID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		if ended.Status == domain.DelegationExpired {
			expired = append(expired, ended)
		}
	}
	return expired, nil
}

func (e Engine) GetDelegation(ctx context.Context, id string) (domain.DelegationRequest, error) {
	return e.Repo.GetDelegation(ctx, id)
}

func (e Engine) ListDelegations(ctx context.Context, f repo.DelegationFilters) ([]domain.DelegationRequest, error) {
	return e.Repo.ListDelegations(ctx, f)
}
