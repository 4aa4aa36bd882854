package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/repo"
)

// WorkItemView is a work item snapshot with derived progress fields.
type WorkItemView struct {
	domain.WorkItem
	ProgressPercentage int  `json:"progress_percentage"`
	SubtasksTotal      int  `json:"subtasks_total"`
	SubtasksCompleted  int  `json:"subtasks_completed"`
	DependenciesMet    bool `json:"dependencies_met"`
}

// WorkItemCreateOptions are parameters for creating a work item.
type WorkItemCreateOptions struct {
	ID              string
	ProjectID       string
	ParentID        string
	Title           string
	Description     string
	DependencyClass domain.DependencyClass
	Priority        domain.Priority
	BlockedBy       []string
	ClientID        string
	ActorID         string
}

// CreateWorkItem adds a work item to the project's board. Items with unmet
// blockers start blocked. With auto-delegation on, a pending agent-capable
// item gets its delegation request in the same transaction.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.WorkItem{}, errors.New("project is required")
	}
	if opts.DependencyClass == "" {
		opts.DependencyClass = domain.AgentCapable
	}
	if !domain.ValidDependencyClass(opts.DependencyClass) {
		return domain.WorkItem{}, fmt.Errorf("invalid dependency class %q", opts.DependencyClass)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.WorkItem{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	blockers := sortedUnique(opts.BlockedBy)
	var w domain.WorkItem
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		pool, err := e.ensurePoolTx(ctx, tx, ob, opts.ProjectID, opts.ActorID)
		if err != nil {
			return err
		}
		if opts.ParentID != "" {
			parent, err := e.Repo.GetWorkItemTx(ctx, tx, opts.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", opts.ParentID, err)
			}
			if parent.ProjectID != opts.ProjectID {
				return errors.New("parent in different project")
			}
		}
		status := domain.WorkPending
		for _, b := range blockers {
			if b == id {
				return errors.New("work item cannot block itself")
			}
			dep, err := e.Repo.GetWorkItemTx(ctx, tx, b)
			if err != nil {
				return fmt.Errorf("blocker %s: %w", b, err)
			}
			if dep.ProjectID != opts.ProjectID {
				return fmt.Errorf("blocker %s in different project", b)
			}
			if dep.Status != domain.WorkCompleted {
				status = domain.WorkBlocked
			}
		}
		now := e.ts()
		w = domain.WorkItem{
			ID:              id,
			ProjectID:       opts.ProjectID,
			ParentID:        optionalString(opts.ParentID),
			Title:           opts.Title,
			Description:     opts.Description,
			Status:          status,
			DependencyClass: opts.DependencyClass,
			Priority:        opts.Priority,
			BlockedBy:       blockers,
			ClientID:        optionalString(opts.ClientID),
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.Repo.InsertWorkItemTx(ctx, tx, w); err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		if err := ob.append(ctx, tx, events.Record{
			Type: "work_item." + string(domain.ClassifyChange(nil, w)), ProjectID: w.ProjectID, EntityKind: domain.EntityWorkItem, EntityID: w.ID, ActorID: opts.ActorID,
			NewStatus: string(w.Status), Payload: events.EventPayload{"title": w.Title, "dependency_class": w.DependencyClass, "version": w.Version},
		}); err != nil {
			return err
		}
		return e.autoDelegateTx(ctx, tx, ob, pool, w, opts.ActorID)
	})
	return w, err
}

func (e Engine) autoDelegateTx(ctx context.Context, tx *sql.Tx, ob *outbox, pool domain.Pool, w domain.WorkItem, actorID string) error {
	if !pool.AutoDelegateEnabled || !domain.CanDelegate(w, false) {
		return nil
	}
	if _, err := e.Repo.OpenDelegationTx(ctx, tx, w.ID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	_, err := e.createDelegationTx(ctx, tx, ob, pool, w, "auto-delegated", actorID)
	return err
}

// WorkItemUpdateOptions encapsulates allowed updates. ExpectedVersion, when
// set, must match the stored version or the update fails with ErrVersionConflict.
type WorkItemUpdateOptions struct {
	ID              string
	ExpectedVersion int64
	Title           *string
	Description     *string
	Priority        *domain.Priority
	DependencyClass *domain.DependencyClass
	Status          domain.WorkItemStatus
	SetParent       *string
	AddBlockers     []string
	RemoveBlockers  []string
	ClientID        *string
	ActorID         string
}

// UpdateWorkItem applies opts in one versioned save.
func (e Engine) UpdateWorkItem(ctx context.Context, opts WorkItemUpdateOptions) (domain.WorkItem, error) {
	unlock := e.lock(workItemKey(opts.ID))
	defer unlock()
	var w domain.WorkItem
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		before, err := e.Repo.GetWorkItemTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if opts.ExpectedVersion != 0 && opts.ExpectedVersion != before.Version {
			return fmt.Errorf("work item %s is at version %d, not %d: %w", before.ID, before.Version, opts.ExpectedVersion, ErrVersionConflict)
		}
		w = before
		if opts.Title != nil {
			if strings.TrimSpace(*opts.Title) == "" {
				return errors.New("title is required")
			}
			w.Title = *opts.Title
		}
		if opts.Description != nil {
			w.Description = *opts.Description
		}
		if opts.Priority != nil {
			if !domain.ValidPriority(*opts.Priority) {
				return fmt.Errorf("invalid priority %q", *opts.Priority)
			}
			w.Priority = *opts.Priority
		}
		if opts.DependencyClass != nil {
			if !domain.ValidDependencyClass(*opts.DependencyClass) {
				return fmt.Errorf("invalid dependency class %q", *opts.DependencyClass)
			}
			w.DependencyClass = *opts.DependencyClass
		}
		if opts.ClientID != nil {
			w.ClientID = optionalString(*opts.ClientID)
		}
		if opts.SetParent != nil {
			if *opts.SetParent == "" {
				w.ParentID = nil
			} else {
				if err := e.ensureParentTx(ctx, tx, w, *opts.SetParent); err != nil {
					return err
				}
				w.ParentID = opts.SetParent
			}
		}
		if err := e.applyBlockersTx(ctx, tx, &w, opts.AddBlockers, opts.RemoveBlockers); err != nil {
			return err
		}
		if opts.Status == domain.WorkInProgress && before.Status != domain.WorkInProgress {
			return fmt.Errorf("work item %s starts only through a claim: %w", w.ID,
				&InvalidTransitionError{Entity: "work_item", ID: w.ID, From: string(before.Status), To: string(domain.WorkInProgress)})
		}
		if opts.Status != "" && opts.Status != w.Status {
			if err := e.setStatusTx(ctx, tx, &w, opts.Status); err != nil {
				return err
			}
		} else if len(opts.AddBlockers) > 0 || len(opts.RemoveBlockers) > 0 {
			if err := e.reconcileBlockedTx(ctx, tx, &w); err != nil {
				return err
			}
		}
		if before.Status == domain.WorkInProgress && (w.Status == domain.WorkPending || w.Status == domain.WorkBlocked) {
			if err := e.dropClaimTx(ctx, tx, ob, w.ID, "work item moved to "+string(w.Status), opts.ActorID); err != nil {
				return err
			}
		}
		if err := e.saveWorkItem(ctx, tx, ob, before, &w, "", opts.ActorID, nil); err != nil {
			return err
		}
		return e.afterStatusChangeTx(ctx, tx, ob, before.Status, w, opts.ActorID)
	})
	return w, err
}

func (e Engine) ensureParentTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem, parentID string) error {
	if parentID == w.ID {
		return errors.New("work item hierarchy cycle detected")
	}
	parent, err := e.Repo.GetWorkItemTx(ctx, tx, parentID)
	if err != nil {
		return fmt.Errorf("parent %s: %w", parentID, err)
	}
	if parent.ProjectID != w.ProjectID {
		return errors.New("parent in different project")
	}
	cur := parent.ParentID
	for cur != nil {
		if *cur == w.ID {
			return errors.New("work item hierarchy cycle detected")
		}
		if cur, err = e.Repo.ParentIDTx(ctx, tx, *cur); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) applyBlockersTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, add, remove []string) error {
	for _, b := range add {
		if b == w.ID {
			return errors.New("work item cannot block itself")
		}
		dep, err := e.Repo.GetWorkItemTx(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("blocker %s: %w", b, err)
		}
		if dep.ProjectID != w.ProjectID {
			return fmt.Errorf("blocker %s in different project", b)
		}
	}
	if err := e.ensureNoBlockerCycleTx(ctx, tx, w.ID, add); err != nil {
		return err
	}
	if err := e.Repo.AddBlockersTx(ctx, tx, w.ID, add); err != nil {
		return err
	}
	if err := e.Repo.RemoveBlockersTx(ctx, tx, w.ID, remove); err != nil {
		return err
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	statuses, err := e.Repo.BlockerStatusesTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	w.BlockedBy = w.BlockedBy[:0:0]
	for id := range statuses {
		w.BlockedBy = append(w.BlockedBy, id)
	}
	w.BlockedBy = sortedUnique(w.BlockedBy)
	return nil
}

// ensureNoBlockerCycleTx walks the blocking graph from each new blocker and
// fails if it leads back to id.
func (e Engine) ensureNoBlockerCycleTx(ctx context.Context, tx *sql.Tx, id string, add []string) error {
	seen := map[string]bool{}
	queue := append([]string(nil), add...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == id {
			return fmt.Errorf("work item %s: blocker cycle detected", id)
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		statuses, err := e.Repo.BlockerStatusesTx(ctx, tx, next)
		if err != nil {
			return err
		}
		for b := range statuses {
			queue = append(queue, b)
		}
	}
	return nil
}

// dropClaimTx cancels the claim on a work item that left in_progress and frees
// the claiming session.
func (e Engine) dropClaimTx(ctx context.Context, tx *sql.Tx, ob *outbox, workItemID, reason, actorID string) error {
	held, err := e.Repo.ClaimedDelegationTx(ctx, tx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.releaseSessionTx(ctx, tx, ob, held.SessionID, workItemID, actorID); err != nil {
		return err
	}
	held.Status = domain.DelegationCancelled
	held.Reason = reason
	return e.saveDelegation(ctx, tx, ob, domain.DelegationClaimed, &held, actorID, events.EventPayload{"work_item_id": workItemID, "reason": reason})
}

// setStatusTx validates and applies an explicit status change.
func (e Engine) setStatusTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem, to domain.WorkItemStatus) error {
	if err := domain.EnsureWorkItemTransition(w.ID, w.Status, to); err != nil {
		return err
	}
	statuses, err := e.Repo.BlockerStatusesTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	met := w.DependenciesMet(statuses)
	switch to {
	case domain.WorkBlocked:
		if met {
			return fmt.Errorf("work item %s has no unmet blockers; add blockers to block it", w.ID)
		}
	case domain.WorkPending:
		if w.Status == domain.WorkBlocked && !met {
			return fmt.Errorf("work item %s still has unmet blockers", w.ID)
		}
	case domain.WorkCompleted:
		now := e.ts()
		w.CompletedAt = &now
	}
	w.Status = to
	return nil
}

// reconcileBlockedTx keeps blocked in step with the blocking set after blockers change.
func (e Engine) reconcileBlockedTx(ctx context.Context, tx *sql.Tx, w *domain.WorkItem) error {
	statuses, err := e.Repo.BlockerStatusesTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	met := w.DependenciesMet(statuses)
	switch {
	case w.Status == domain.WorkBlocked && met:
		w.Status = domain.WorkPending
	case (w.Status == domain.WorkPending || w.Status == domain.WorkInProgress) && !met:
		w.Status = domain.WorkBlocked
	}
	return nil
}

// afterStatusChangeTx unblocks dependents of a completed item and
// auto-delegates items that became pending.
func (e Engine) afterStatusChangeTx(ctx context.Context, tx *sql.Tx, ob *outbox, before domain.WorkItemStatus, w domain.WorkItem, actorID string) error {
	if before == w.Status {
		return nil
	}
	pool, err := e.Repo.GetPoolByProjectTx(ctx, tx, w.ProjectID)
	if err != nil {
		return err
	}
	if w.Status == domain.WorkPending {
		if err := e.autoDelegateTx(ctx, tx, ob, pool, w, actorID); err != nil {
			return err
		}
	}
	if w.Status != domain.WorkCompleted {
		return nil
	}
	dependents, err := e.Repo.DependentsTx(ctx, tx, w.ID)
	if err != nil {
		return err
	}
	for _, id := range dependents {
		dep, err := e.Repo.GetWorkItemTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if dep.Status != domain.WorkBlocked {
			continue
		}
		statuses, err := e.Repo.BlockerStatusesTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !dep.DependenciesMet(statuses) {
			continue
		}
		after := dep
		after.Status = domain.WorkPending
		if err := e.saveWorkItem(ctx, tx, ob, dep, &after, "unblocked: dependencies completed", actorID, events.EventPayload{"completed_blocker": w.ID}); err != nil {
			return err
		}
		if err := e.autoDelegateTx(ctx, tx, ob, pool, after, actorID); err != nil {
			return err
		}
	}
	return nil
}

// CompleteWorkItem moves an in-progress item to completed and unblocks its dependents.
func (e Engine) CompleteWorkItem(ctx context.Context, id, actorID string) (domain.WorkItem, error) {
	return e.UpdateWorkItem(ctx, WorkItemUpdateOptions{ID: id, Status: domain.WorkCompleted, ActorID: actorID})
}

// BlockWorkItem adds blockers to an item; it becomes blocked while any is unmet.
func (e Engine) BlockWorkItem(ctx context.Context, id string, blockers []string, actorID string) (domain.WorkItem, error) {
	if len(blockers) == 0 {
		return domain.WorkItem{}, errors.New("at least one blocker is required")
	}
	return e.UpdateWorkItem(ctx, WorkItemUpdateOptions{ID: id, AddBlockers: blockers, ActorID: actorID})
}

// UnblockWorkItem removes blockers; the item returns to pending once its set is met.
func (e Engine) UnblockWorkItem(ctx context.Context, id string, blockers []string, actorID string) (domain.WorkItem, error) {
	if len(blockers) == 0 {
		w, err := e.Repo.GetWorkItem(ctx, id)
		if err != nil {
			return w, err
		}
		blockers = w.BlockedBy
	}
	return e.UpdateWorkItem(ctx, WorkItemUpdateOptions{ID: id, RemoveBlockers: blockers, ActorID: actorID})
}

// AppendAuditEntry appends a note to the item's audit trail and returns the
// new version. The save is optimistic: on a version conflict the current
// version is re-read and the append retried.
func (e Engine) AppendAuditEntry(ctx context.Context, id, note, agentID string) (int64, error) {
	if strings.TrimSpace(note) == "" {
		return 0, errors.New("note is required")
	}
	var version int64
	err := retryOnConflict(func() error {
		cur, err := e.Repo.GetWorkItem(ctx, id)
		if err != nil {
			return err
		}
		return e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
			now := e.ts()
			if err := e.Repo.BumpWorkItemVersionTx(ctx, tx, id, cur.Version, now); err != nil {
				return err
			}
			entryID, err := e.Repo.InsertAuditEntryTx(ctx, tx, domain.AuditEntry{WorkItemID: id, TS: now, Note: note, AgentID: optionalString(agentID)})
			if err != nil {
				return err
			}
			version = cur.Version + 1
			return ob.append(ctx, tx, events.Record{
				Type: "work_item." + string(domain.ChangeUpdated), ProjectID: cur.ProjectID, EntityKind: domain.EntityWorkItem, EntityID: id, ActorID: agentID,
				PreviousStatus: string(cur.Status), NewStatus: string(cur.Status),
				Payload: events.EventPayload{"audit_entry_id": entryID, "version": version},
			})
		})
	})
	return version, err
}

func (e Engine) ListAuditEntries(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	if _, err := e.Repo.GetWorkItem(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListAuditEntries(ctx, id)
}

// GetWorkItem returns the item with its derived progress and dependency state.
func (e Engine) GetWorkItem(ctx context.Context, id string) (WorkItemView, error) {
	w, err := e.Repo.GetWorkItem(ctx, id)
	if err != nil {
		return WorkItemView{}, err
	}
	return e.viewWorkItem(ctx, w)
}

func (e Engine) viewWorkItem(ctx context.Context, w domain.WorkItem) (WorkItemView, error) {
	total, completed, err := e.Repo.SubtaskCounts(ctx, w.ID)
	if err != nil {
		return WorkItemView{}, err
	}
	statuses := make(map[string]domain.WorkItemStatus, len(w.BlockedBy))
	for _, b := range w.BlockedBy {
		dep, err := e.Repo.GetWorkItem(ctx, b)
		if err != nil {
			return WorkItemView{}, err
		}
		statuses[b] = dep.Status
	}
	return WorkItemView{
		WorkItem:           w,
		ProgressPercentage: domain.ProgressPercentage(total, completed),
		SubtasksTotal:      total,
		SubtasksCompleted:  completed,
		DependenciesMet:    w.DependenciesMet(statuses),
	}, nil
}

func (e Engine) ListWorkItems(ctx context.Context, f repo.WorkItemFilters) ([]WorkItemView, error) {
	items, err := e.Repo.ListWorkItems(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]WorkItemView, 0, len(items))
	for _, w := range items {
		v, err := e.viewWorkItem(ctx, w)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// WorkItemNode is one level of a work item tree.
type WorkItemNode struct {
	WorkItemView
	Children []WorkItemNode `json:"children,omitempty"`
}

// WorkItemTree returns the project's items nested under their parents, roots
// first. An item whose parent is outside the listing becomes a root.
func (e Engine) WorkItemTree(ctx context.Context, projectID string) ([]WorkItemNode, error) {
	items, err := e.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	byParent := map[string][]WorkItemView{}
	known := map[string]bool{}
	for _, it := range items {
		known[it.ID] = true
	}
	var roots []WorkItemView
	for _, it := range items {
		if it.ParentID == nil || !known[*it.ParentID] {
			roots = append(roots, it)
			continue
		}
		byParent[*it.ParentID] = append(byParent[*it.ParentID], it)
	}
	var build func(v WorkItemView) WorkItemNode
	build = func(v WorkItemView) WorkItemNode {
		n := WorkItemNode{WorkItemView: v}
		for _, c := range byParent[v.ID] {
			n.Children = append(n.Children, build(c))
		}
		return n
	}
	res := make([]WorkItemNode, 0, len(roots))
	for _, r := range roots {
		res = append(res, build(r))
	}
	return res, nil
}
