package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"relay/internal/config"
	"relay/internal/domain"
	"relay/internal/events"
	"relay/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Sink   events.Sink
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time

	locks *keyLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  newKeyLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// lock takes the named keyed mutexes in order. Keys must be acquired before a
// transaction begins so a goroutine never waits on a key while holding the
// database connection.
func (e Engine) lock(keys ...string) func() {
	if e.locks == nil {
		return func() {}
	}
	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		unlocks = append(unlocks, e.locks.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func poolKey(poolID string) string     { return "pool:" + poolID }
func workItemKey(itemID string) string { return "work_item:" + itemID }

// outbox collects the events written by one transaction so they can be
// published once it commits.
type outbox struct {
	w      events.Writer
	events []domain.Event
}

func (o *outbox) append(ctx context.Context, tx *sql.Tx, rec events.Record) error {
	evt, err := o.w.Append(ctx, tx, rec)
	if err != nil {
		return err
	}
	o.events = append(o.events, evt)
	return nil
}

// inTx runs fn in a write transaction, retrying on SQLITE_BUSY, and publishes
// the collected events after commit.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx, ob *outbox) error) error {
	w := e.Events
	w.Now = e.now
	var committed []domain.Event
	err := repo.RetryOnBusy(ctx, e.config().Claims.BusyRetries, func() error {
		ob := &outbox{w: w}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx, ob); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = ob.events
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, committed)
	return nil
}

// publish hands committed events to the sink. Failures are logged and dropped.
func (e Engine) publish(ctx context.Context, evts []domain.Event) {
	if e.Sink == nil {
		return
	}
	for _, evt := range evts {
		if err := e.Sink.Publish(ctx, evt); err != nil {
			e.logf("events: publish %s #%d failed: %v", evt.Type, evt.ID, err)
		}
	}
}

// ensurePoolTx returns the project's pool, creating the project and pool from
// configured defaults on first use.
func (e Engine) ensurePoolTx(ctx context.Context, tx *sql.Tx, ob *outbox, projectID, actorID string) (domain.Pool, error) {
	if projectID == "" {
		return domain.Pool{}, errors.New("project is required")
	}
	pool, err := e.Repo.GetPoolByProjectTx(ctx, tx, projectID)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return pool, err
	}
	now := e.ts()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); errors.Is(err, repo.ErrNotFound) {
		if err := e.Repo.InsertProjectTx(ctx, tx, domain.Project{ID: projectID, Status: "active", CreatedAt: now}); err != nil {
			return pool, fmt.Errorf("insert project: %w", err)
		}
	} else if err != nil {
		return pool, err
	}
	d := e.config().Pool.Defaults
	pool = domain.Pool{
		ID:                      newID(),
		ProjectID:               projectID,
		Status:                  domain.PoolActive,
		WarmPoolSize:            d.WarmPoolSize,
		MaxPoolSize:             d.MaxPoolSize,
		ContextThresholdPercent: d.ContextThresholdPercent,
		AutoDelegateEnabled:     d.AutoDelegateEnabled,
		SkipUserRequired:        d.SkipUserRequired,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := pool.Validate(); err != nil {
		return pool, err
	}
	if err := e.Repo.InsertPoolTx(ctx, tx, pool); err != nil {
		return pool, fmt.Errorf("insert pool: %w", err)
	}
	if err := ob.append(ctx, tx, events.Record{
		Type: "pool.created", ProjectID: projectID, EntityKind: domain.EntityPool, EntityID: pool.ID, ActorID: actorID,
		NewStatus: string(pool.Status),
		Payload:   events.EventPayload{"warm_pool_size": pool.WarmPoolSize, "max_pool_size": pool.MaxPoolSize, "context_threshold_percent": pool.ContextThresholdPercent},
	}); err != nil {
		return pool, err
	}
	return pool, nil
}

// saveSession persists s and emits a status event when the status moved.
func (e Engine) saveSession(ctx context.Context, tx *sql.Tx, ob *outbox, before domain.SessionStatus, s *domain.Session, actorID string, payload events.EventPayload) error {
	s.UpdatedAt = e.ts()
	if err := e.Repo.UpdateSessionTx(ctx, tx, *s); err != nil {
		return err
	}
	if before == s.Status {
		return nil
	}
	return ob.append(ctx, tx, events.Record{
		Type: "session.status_changed", ProjectID: s.ProjectID, EntityKind: domain.EntitySession, EntityID: s.ID, ActorID: actorID,
		PreviousStatus: string(before), NewStatus: string(s.Status), Payload: payload,
	})
}

// saveWorkItem writes after over before with an optimistic version check,
// optionally appends an audit note in the same save, and emits the classified event.
func (e Engine) saveWorkItem(ctx context.Context, tx *sql.Tx, ob *outbox, before domain.WorkItem, after *domain.WorkItem, note, actorID string, payload events.EventPayload) error {
	after.UpdatedAt = e.ts()
	if err := e.Repo.UpdateWorkItemTx(ctx, tx, *after, before.Version); err != nil {
		return err
	}
	after.Version = before.Version + 1
	if note != "" {
		if _, err := e.Repo.InsertAuditEntryTx(ctx, tx, domain.AuditEntry{WorkItemID: after.ID, TS: after.UpdatedAt, Note: note, AgentID: optionalString(actorID)}); err != nil {
			return err
		}
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["version"] = after.Version
	kind := domain.ClassifyChange(&before, *after)
	return ob.append(ctx, tx, events.Record{
		Type: "work_item." + string(kind), ProjectID: after.ProjectID, EntityKind: domain.EntityWorkItem, EntityID: after.ID, ActorID: actorID,
		PreviousStatus: string(before.Status), NewStatus: string(after.Status), Payload: payload,
	})
}

// saveDelegation moves d from status from with a compare-and-swap.
func (e Engine) saveDelegation(ctx context.Context, tx *sql.Tx, ob *outbox, from domain.DelegationStatus, d *domain.DelegationRequest, actorID string, payload events.EventPayload) error {
	d.UpdatedAt = e.ts()
	ok, err := e.Repo.UpdateDelegationTx(ctx, tx, *d, from)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.InvalidTransitionError{Entity: "delegation", ID: d.ID, From: string(from), To: string(d.Status)}
	}
	typ := "delegation.status_changed"
	if from == d.Status {
		typ = "delegation.updated"
	}
	return ob.append(ctx, tx, events.Record{
		Type: typ, ProjectID: d.ProjectID, EntityKind: domain.EntityDelegation, EntityID: d.ID, ActorID: actorID,
		PreviousStatus: string(from), NewStatus: string(d.Status), Payload: payload,
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
