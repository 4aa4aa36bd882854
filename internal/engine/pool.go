package engine

import (
	"context"
	"database/sql"
	"errors"

	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/repo"
)

// PoolView is a pool snapshot with its derived admission state.
type PoolView struct {
	domain.Pool
	Counts             domain.PoolCounts `json:"counts"`
	LiveSessions       int               `json:"live_sessions"`
	CanSpawnNewSession bool              `json:"can_spawn_new_session"`
	NeedsWarmup        bool              `json:"needs_warmup"`
}

func newPoolView(p domain.Pool, c domain.PoolCounts) PoolView {
	return PoolView{
		Pool:               p,
		Counts:             c,
		LiveSessions:       c.Live(),
		CanSpawnNewSession: p.CanSpawnNewSession(c),
		NeedsWarmup:        p.NeedsWarmup(c),
	}
}

// EnsurePool returns the project's pool, creating it on first use.
func (e Engine) EnsurePool(ctx context.Context, projectID, actorID string) (domain.Pool, error) {
	pool, err := e.Repo.GetPoolByProject(ctx, projectID)
	if err == nil || !errors.Is(err, repo.ErrNotFound) {
		return pool, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		var err error
		pool, err = e.ensurePoolTx(ctx, tx, ob, projectID, actorID)
		return err
	})
	return pool, err
}

// PoolCapacity returns the pool with live counts and admission predicates.
func (e Engine) PoolCapacity(ctx context.Context, projectID string) (PoolView, error) {
	pool, err := e.EnsurePool(ctx, projectID, "")
	if err != nil {
		return PoolView{}, err
	}
	counts, err := e.Repo.CountSessions(ctx, pool.ID)
	if err != nil {
		return PoolView{}, err
	}
	return newPoolView(pool, counts), nil
}

// CanSpawnNewSession reports whether the project's pool would admit a session now.
func (e Engine) CanSpawnNewSession(ctx context.Context, projectID string) (bool, error) {
	v, err := e.PoolCapacity(ctx, projectID)
	return v.CanSpawnNewSession, err
}

// NeedsWarmup reports whether the project's pool is short of idle sessions.
func (e Engine) NeedsWarmup(ctx context.Context, projectID string) (bool, error) {
	v, err := e.PoolCapacity(ctx, projectID)
	return v.NeedsWarmup, err
}

// FindAvailableSession returns the best idle session below threshold minus buffer.
func (e Engine) FindAvailableSession(ctx context.Context, projectID string, buffer float64) (domain.Session, bool, error) {
	pool, err := e.EnsurePool(ctx, projectID, "")
	if err != nil {
		return domain.Session{}, false, err
	}
	idle, err := e.Repo.ListSessions(ctx, repo.SessionFilters{PoolID: pool.ID, Statuses: []domain.SessionStatus{domain.SessionIdle}})
	if err != nil {
		return domain.Session{}, false, err
	}
	s, ok := pool.FindAvailableSession(idle, buffer)
	return s, ok, nil
}

// PoolConfigureOptions lists operator-tunable pool settings. Nil fields are unchanged.
type PoolConfigureOptions struct {
	ProjectID               string
	WarmPoolSize            *int
	MaxPoolSize             *int
	ContextThresholdPercent *int
	AutoDelegateEnabled     *bool
	SkipUserRequired        *bool
	ActorID                 string
}

// ConfigurePool validates and applies new pool settings. Out-of-policy values
// are rejected, never clamped.
func (e Engine) ConfigurePool(ctx context.Context, opts PoolConfigureOptions) (domain.Pool, error) {
	var pool domain.Pool
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		var err error
		pool, err = e.ensurePoolTx(ctx, tx, ob, opts.ProjectID, opts.ActorID)
		if err != nil {
			return err
		}
		changes := events.EventPayload{}
		if opts.WarmPoolSize != nil {
			pool.WarmPoolSize = *opts.WarmPoolSize
			changes["warm_pool_size"] = pool.WarmPoolSize
		}
		if opts.MaxPoolSize != nil {
			pool.MaxPoolSize = *opts.MaxPoolSize
			changes["max_pool_size"] = pool.MaxPoolSize
		}
		if opts.ContextThresholdPercent != nil {
			pool.ContextThresholdPercent = *opts.ContextThresholdPercent
			changes["context_threshold_percent"] = pool.ContextThresholdPercent
		}
		if opts.AutoDelegateEnabled != nil {
			pool.AutoDelegateEnabled = *opts.AutoDelegateEnabled
			changes["auto_delegate_enabled"] = pool.AutoDelegateEnabled
		}
		if opts.SkipUserRequired != nil {
			pool.SkipUserRequired = *opts.SkipUserRequired
			changes["skip_user_required"] = pool.SkipUserRequired
		}
		if err := pool.Validate(); err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		return e.savePool(ctx, tx, ob, pool.Status, &pool, "pool.updated", opts.ActorID, changes)
	})
	return pool, err
}

func (e Engine) savePool(ctx context.Context, tx *sql.Tx, ob *outbox, before domain.PoolStatus, p *domain.Pool, evtType, actorID string, payload events.EventPayload) error {
	p.UpdatedAt = e.ts()
	if err := e.Repo.UpdatePoolTx(ctx, tx, *p); err != nil {
		return err
	}
	return ob.append(ctx, tx, events.Record{
		Type: evtType, ProjectID: p.ProjectID, EntityKind: domain.EntityPool, EntityID: p.ID, ActorID: actorID,
		PreviousStatus: string(before), NewStatus: string(p.Status), Payload: payload,
	})
}

// PausePool stops admission. Existing sessions keep running.
func (e Engine) PausePool(ctx context.Context, projectID, actorID string) (domain.Pool, error) {
	return e.setPoolStatus(ctx, projectID, actorID, "pool.paused", (*domain.Pool).Pause)
}

// ResumePool re-enables admission on a paused pool.
func (e Engine) ResumePool(ctx context.Context, projectID, actorID string) (domain.Pool, error) {
	return e.setPoolStatus(ctx, projectID, actorID, "pool.resumed", (*domain.Pool).Resume)
}

// DrainPool stops admission ahead of teardown.
func (e Engine) DrainPool(ctx context.Context, projectID, actorID string) (domain.Pool, error) {
	return e.setPoolStatus(ctx, projectID, actorID, "pool.draining", (*domain.Pool).Drain)
}

func (e Engine) setPoolStatus(ctx context.Context, projectID, actorID, evtType string, apply func(*domain.Pool) bool) (domain.Pool, error) {
	var pool domain.Pool
	err := e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		var err error
		pool, err = e.ensurePoolTx(ctx, tx, ob, projectID, actorID)
		if err != nil {
			return err
		}
		before := pool.Status
		if !apply(&pool) {
			return nil
		}
		return e.savePool(ctx, tx, ob, before, &pool, evtType, actorID, nil)
	})
	return pool, err
}

// Warmup spawns starting sessions until idle plus starting sessions reach the
// warm size or the pool runs out of room.
func (e Engine) Warmup(ctx context.Context, projectID, actorID string) ([]domain.Session, error) {
	pool, err := e.EnsurePool(ctx, projectID, actorID)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(poolKey(pool.ID))
	defer unlock()
	var spawned []domain.Session
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		spawned = nil
		pool, err := e.Repo.GetPoolTx(ctx, tx, pool.ID)
		if err != nil {
			return err
		}
		counts, err := e.Repo.CountSessionsTx(ctx, tx, pool.ID)
		if err != nil {
			return err
		}
		for i := pool.WarmupDeficit(counts); i > 0; i-- {
			s, err := e.insertSessionTx(ctx, tx, ob, pool, 0, nil, actorID)
			if err != nil {
				return err
			}
			spawned = append(spawned, s)
		}
		if len(spawned) > 0 {
			return e.Repo.TouchPoolActivityTx(ctx, tx, pool.ID, e.ts())
		}
		return nil
	})
	return spawned, err
}

// TeardownResult reports what a teardown retired and cancelled.
type TeardownResult struct {
	Pool      domain.Pool                `json:"pool"`
	Retired   []domain.Session           `json:"retired"`
	Cancelled []domain.DelegationRequest `json:"cancelled"`
}

// TeardownPool drains the pool, retires every session, and cancels every open
// or claimed delegation request of the project.
func (e Engine) TeardownPool(ctx context.Context, projectID, summary, actorID string) (TeardownResult, error) {
	pool, err := e.EnsurePool(ctx, projectID, actorID)
	if err != nil {
		return TeardownResult{}, err
	}
	if summary == "" {
		summary = "pool teardown"
	}
	pending, err := e.Repo.ListDelegations(ctx, repo.DelegationFilters{ProjectID: projectID, Statuses: []domain.DelegationStatus{domain.DelegationPending, domain.DelegationApproved, domain.DelegationClaimed}})
	if err != nil {
		return TeardownResult{}, err
	}
	keys := []string{poolKey(pool.ID)}
	for _, k := range sortedUnique(workItemIDs(pending)) {
		keys = append(keys, workItemKey(k))
	}
	unlock := e.lock(keys...)
	defer unlock()

	var res TeardownResult
	err = e.inTx(ctx, func(tx *sql.Tx, ob *outbox) error {
		res = TeardownResult{}
		pool, err := e.Repo.GetPoolTx(ctx, tx, pool.ID)
		if err != nil {
			return err
		}
		before := pool.Status
		if pool.Drain() {
			if err := e.savePool(ctx, tx, ob, before, &pool, "pool.draining", actorID, events.EventPayload{"reason": summary}); err != nil {
				return err
			}
		}
		res.Pool = pool
		open, err := e.Repo.ListDelegationsTx(ctx, tx, repo.DelegationFilters{ProjectID: projectID, Statuses: []domain.DelegationStatus{domain.DelegationPending, domain.DelegationApproved, domain.DelegationClaimed}})
		if err != nil {
			return err
		}
		for _, d := range open {
			ended, err := e.endDelegationTx(ctx, tx, ob, d, domain.DelegationCancelled, summary, actorID)
			if err != nil {
				return err
			}
			res.Cancelled = append(res.Cancelled, ended)
		}
		sessions, err := e.Repo.ListSessionsTx(ctx, tx, repo.SessionFilters{PoolID: pool.ID})
		if err != nil {
			return err
		}
		now := e.ts()
		for _, s := range sessions {
			if s.Status == domain.SessionRetired {
				continue
			}
			before := s.Status
			if err := s.Retire(summary, now); err != nil {
				return err
			}
			if err := e.saveSession(ctx, tx, ob, before, &s, actorID, events.EventPayload{"summary": summary}); err != nil {
				return err
			}
			res.Retired = append(res.Retired, s)
		}
		return nil
	})
	return res, err
}

func workItemIDs(ds []domain.DelegationRequest) []string {
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.WorkItemID)
	}
	return ids
}
