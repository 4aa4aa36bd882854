package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/events"
	"relay/internal/migrate"
	"relay/internal/repo"
)

const testProject = "proj-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Events *eventLog
}

type eventLog struct {
	mu  sync.Mutex
	all []domain.Event
}

func (l *eventLog) Publish(_ context.Context, evt domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, evt)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.all))
	for _, evt := range l.all {
		out = append(out, evt.Type)
	}
	return out
}

func (l *eventLog) count(typ string) int {
	n := 0
	for _, t := range l.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	log := &eventLog{}
	eng.Sink = log
	ctx := context.Background()
	if _, err := eng.EnsurePool(ctx, testProject, "tester"); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Events: log}
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func (env testEnv) createItem(t *testing.T, title string, blockers ...string) domain.WorkItem {
	t.Helper()
	w, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{ProjectID: testProject, Title: title, BlockedBy: blockers, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create work item %q: %v", title, err)
	}
	return w
}

func (env testEnv) spawn(t *testing.T) domain.Session {
	t.Helper()
	s, err := env.Engine.SpawnSession(env.Ctx, engine.SessionSpawnOptions{ProjectID: testProject, ContextMaxTokens: 1000, ActorID: "tester"})
	if err != nil {
		t.Fatalf("spawn session: %v", err)
	}
	return s
}

// idleSession returns a session that has finished one task and reported pct percent usage.
func (env testEnv) idleSession(t *testing.T, pct int64) engine.SessionView {
	t.Helper()
	s := env.spawn(t)
	w := env.createItem(t, "warm-"+s.ID)
	res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil || !res.Claimed {
		t.Fatalf("claim: %+v %v", res, err)
	}
	if _, err := env.Engine.CompleteSessionTask(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	rep, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: s.ID, UsedTokens: pct * 10, ActorID: "tester"})
	if err != nil {
		t.Fatalf("report context: %v", err)
	}
	if rep.Session.Status != domain.SessionIdle {
		t.Fatalf("expected idle session, got %s", rep.Session.Status)
	}
	return rep.Session
}

func TestSpawnClaimComplete(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	if s.Status != domain.SessionStarting {
		t.Fatalf("expected starting, got %s", s.Status)
	}
	w := env.createItem(t, "implement login")
	res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Claimed || res.RequestID == "" || res.HeldBy != s.ID {
		t.Fatalf("unexpected claim result %+v", res)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkInProgress || got.Version != w.Version+1 {
		t.Fatalf("expected in_progress at version %d, got %s v%d", w.Version+1, got.Status, got.Version)
	}
	view, err := env.Engine.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.SessionActive || view.CurrentTaskID == nil || *view.CurrentTaskID != w.ID {
		t.Fatalf("session not holding task: %+v", view.Session)
	}

	view, err = env.Engine.CompleteSessionTask(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if view.Status != domain.SessionIdle || view.CurrentTaskID != nil || view.TasksCompleted != 1 {
		t.Fatalf("unexpected session after completion: %+v", view.Session)
	}
	if !view.CanAcceptTask {
		t.Fatalf("idle session below threshold should accept tasks")
	}
	req, err := env.Engine.GetDelegation(env.Ctx, res.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.DelegationCompleted || req.CompletedAt == nil {
		t.Fatalf("expected completed request, got %+v", req)
	}
	if env.Events.count("delegation.created") != 1 || env.Events.count("session.spawned") != 1 {
		t.Fatalf("unexpected events %v", env.Events.types())
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, MaxPoolSize: intPtr(10)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	w := env.createItem(t, "contended")
	const n = 8
	sessions := make([]domain.Session, n)
	for i := range sessions {
		sessions[i] = env.spawn(t)
	}
	results := make([]engine.ClaimResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.AtomicClaim(env.Ctx, w.ID, sessions[i].ID, "tester")
		}(i)
	}
	wg.Wait()
	winners := 0
	var winner string
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("claim %d: %v", i, errs[i])
		}
		if res.Claimed {
			winners++
			winner = sessions[i].ID
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	for i, res := range results {
		if !res.Claimed && res.HeldBy != winner {
			t.Fatalf("loser %d reported holder %q, want %q", i, res.HeldBy, winner)
		}
	}
	claimed, err := env.Engine.ListDelegations(env.Ctx, repo.DelegationFilters{WorkItemID: w.ID, Statuses: []domain.DelegationStatus{domain.DelegationClaimed}})
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed request, got %d", len(claimed))
	}
	active, err := env.Engine.ListSessions(env.Ctx, testProject, domain.SessionActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != winner {
		t.Fatalf("expected only the winner active, got %d sessions", len(active))
	}
}

func TestClaimIsIdempotentForHolder(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	w := env.createItem(t, "again")
	first, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil || !first.Claimed {
		t.Fatalf("first claim: %+v %v", first, err)
	}
	second, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil || !second.Claimed || second.RequestID != first.RequestID {
		t.Fatalf("re-claim: %+v %v", second, err)
	}
}

func TestClaimRejectsHumanRequired(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	w, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{ProjectID: testProject, Title: "sign contract", DependencyClass: domain.HumanRequired})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester"); !errors.Is(err, engine.ErrNotDelegable) {
		t.Fatalf("expected ErrNotDelegable, got %v", err)
	}
	ok, err := env.Engine.CanDelegate(env.Ctx, w.ID)
	if err != nil || ok {
		t.Fatalf("human-required item must not be delegable: %v %v", ok, err)
	}
}

func TestSessionBusyCannotClaimSecondItem(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	a := env.createItem(t, "a")
	b := env.createItem(t, "b")
	if res, err := env.Engine.AtomicClaim(env.Ctx, a.ID, s.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim a: %+v %v", res, err)
	}
	if _, err := env.Engine.AtomicClaim(env.Ctx, b.ID, s.ID, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkPending {
		t.Fatalf("b should stay pending, got %s", got.Status)
	}
}

func TestWarmPoolScenario(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, WarmPoolSize: intPtr(1), MaxPoolSize: intPtr(2)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	a := env.spawn(t)
	t1 := env.createItem(t, "t1")
	if res, err := env.Engine.AtomicClaim(env.Ctx, t1.ID, a.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim t1: %+v %v", res, err)
	}
	ok, err := env.Engine.CanSpawnNewSession(env.Ctx, testProject)
	if err != nil || !ok {
		t.Fatalf("one live session of two should admit another: %v %v", ok, err)
	}
	env.spawn(t)
	ok, err = env.Engine.CanSpawnNewSession(env.Ctx, testProject)
	if err != nil || ok {
		t.Fatalf("two live sessions of two should refuse: %v %v", ok, err)
	}
	if _, err := env.Engine.SpawnSession(env.Ctx, engine.SessionSpawnOptions{ProjectID: testProject}); !errors.Is(err, engine.ErrPoolAtCapacity) {
		t.Fatalf("third spawn: %v", err)
	}
}

func TestCapacityAdmission(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, MaxPoolSize: intPtr(2)}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, refused := 0, 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SpawnSession(env.Ctx, engine.SessionSpawnOptions{ProjectID: testProject})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, engine.ErrPoolAtCapacity):
				refused++
			default:
				t.Errorf("spawn: %v", err)
			}
		}()
	}
	wg.Wait()
	if admitted != 2 || refused != 4 {
		t.Fatalf("expected 2 admitted and 4 refused, got %d/%d", admitted, refused)
	}
	view, err := env.Engine.PoolCapacity(env.Ctx, testProject)
	if err != nil {
		t.Fatal(err)
	}
	if view.LiveSessions != 2 || view.CanSpawnNewSession {
		t.Fatalf("unexpected capacity %+v", view)
	}
	if !engine.IsRetryable(engine.ErrPoolAtCapacity) {
		t.Fatalf("capacity refusal should be retryable")
	}
}

func TestPausedPoolRefusesSpawn(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PausePool(env.Ctx, testProject, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SpawnSession(env.Ctx, engine.SessionSpawnOptions{ProjectID: testProject}); !errors.Is(err, engine.ErrPoolNotAccepting) {
		t.Fatalf("expected ErrPoolNotAccepting, got %v", err)
	}
	ok, err := env.Engine.CanSpawnNewSession(env.Ctx, testProject)
	if err != nil || ok {
		t.Fatalf("paused pool must not admit: %v %v", ok, err)
	}
	if _, err := env.Engine.ResumePool(env.Ctx, testProject, "tester"); err != nil {
		t.Fatal(err)
	}
	env.spawn(t)
}

func TestConfigurePoolRejectsOutOfPolicy(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.PoolConfigureOptions{
		{ProjectID: testProject, MaxPoolSize: intPtr(21)},
		{ProjectID: testProject, WarmPoolSize: intPtr(0)},
		{ProjectID: testProject, WarmPoolSize: intPtr(4), MaxPoolSize: intPtr(3)},
		{ProjectID: testProject, ContextThresholdPercent: intPtr(49)},
		{ProjectID: testProject, ContextThresholdPercent: intPtr(96)},
	}
	for i, opts := range cases {
		_, err := env.Engine.ConfigurePool(env.Ctx, opts)
		var pv *engine.PolicyViolationError
		if !errors.As(err, &pv) || !errors.Is(err, engine.ErrPolicyViolation) {
			t.Fatalf("case %d: expected policy violation, got %v", i, err)
		}
	}
	pool, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, ContextThresholdPercent: intPtr(90), AutoDelegateEnabled: boolPtr(true)})
	if err != nil {
		t.Fatal(err)
	}
	if pool.ContextThresholdPercent != 90 || !pool.AutoDelegateEnabled {
		t.Fatalf("settings not applied: %+v", pool)
	}
}

func TestContextZones(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	w := env.createItem(t, "long task")
	if res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim: %+v %v", res, err)
	}
	steps := []struct {
		used   int64
		action domain.ContextAction
		status domain.SessionStatus
	}{
		{650, domain.ActionContinue, domain.SessionActive},
		{750, domain.ActionPrepareHandoff, domain.SessionActive},
		{850, domain.ActionHandoffRequired, domain.SessionHandoffPending},
	}
	for _, step := range steps {
		rep, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: s.ID, UsedTokens: step.used, ActorID: "tester"})
		if err != nil {
			t.Fatalf("report %d: %v", step.used, err)
		}
		if rep.Action != step.action || rep.Session.Status != step.status {
			t.Fatalf("report %d: got %s/%s want %s/%s", step.used, rep.Action, rep.Session.Status, step.action, step.status)
		}
	}
	rep, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: s.ID, UsedTokens: 900, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Session.ContextPercent != 90 || !rep.Session.ApproachingThreshold || rep.Session.CanAcceptTask {
		t.Fatalf("unexpected view %+v", rep)
	}
}

func TestFindAvailableSessionPrefersLowestUsage(t *testing.T) {
	env := newTestEnv(t)
	high := env.idleSession(t, 75)
	low := env.idleSession(t, 30)
	mid := env.idleSession(t, 50)

	s, ok, err := env.Engine.FindAvailableSession(env.Ctx, testProject, 10)
	if err != nil || !ok {
		t.Fatalf("find: %v %v", ok, err)
	}
	if s.ID != low.ID {
		t.Fatalf("expected %s (30%%), got %s (%.0f%%)", low.ID, s.ID, s.ContextPercent)
	}
	if _, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: low.ID, UsedTokens: 720}); err != nil {
		t.Fatal(err)
	}
	s, ok, err = env.Engine.FindAvailableSession(env.Ctx, testProject, 10)
	if err != nil || !ok || s.ID != mid.ID {
		t.Fatalf("expected mid session, got %v %s %v", ok, s.ID, err)
	}
	if _, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: mid.ID, UsedTokens: 710}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := env.Engine.FindAvailableSession(env.Ctx, testProject, 10); ok {
		t.Fatalf("no session is below threshold minus buffer")
	}
	s, ok, err = env.Engine.FindAvailableSession(env.Ctx, testProject, 0)
	if err != nil || !ok || s.ID != mid.ID {
		t.Fatalf("without buffer expected %s, got %s (high=%s)", mid.ID, s.ID, high.ID)
	}
}

func TestHandoffTransfersClaim(t *testing.T) {
	env := newTestEnv(t)
	pred := env.spawn(t)
	w := env.createItem(t, "big refactor")
	claim, err := env.Engine.AtomicClaim(env.Ctx, w.ID, pred.ID, "tester")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim: %+v %v", claim, err)
	}
	if _, err := env.Engine.ReportContext(env.Ctx, engine.ContextReportOptions{SessionID: pred.ID, UsedTokens: 820}); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Handoff(env.Ctx, engine.HandoffOptions{SessionID: pred.ID, Summary: "halfway through", ActorID: "tester"})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if res.Predecessor.Status != domain.SessionRetired || res.Predecessor.HandoffSummary != "halfway through" {
		t.Fatalf("predecessor not retired: %+v", res.Predecessor)
	}
	if res.Predecessor.HandoffTo == nil || *res.Predecessor.HandoffTo != res.Successor.ID {
		t.Fatalf("predecessor not linked to successor")
	}
	if res.Successor.HandoffFrom == nil || *res.Successor.HandoffFrom != pred.ID {
		t.Fatalf("successor not linked to predecessor")
	}
	if res.Successor.CurrentTaskID == nil || *res.Successor.CurrentTaskID != w.ID || res.RequestID != claim.RequestID {
		t.Fatalf("claim not transferred: %+v", res)
	}
	req, err := env.Engine.GetDelegation(env.Ctx, claim.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.DelegationClaimed || req.SessionID == nil || *req.SessionID != res.Successor.ID {
		t.Fatalf("request not held by successor: %+v", req)
	}
	audit, err := env.Engine.ListAuditEntries(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 {
		t.Fatalf("expected claim and handoff audit entries, got %d", len(audit))
	}

	if _, err := env.Engine.Handoff(env.Ctx, engine.HandoffOptions{SessionID: pred.ID}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("second handoff from retired session: %v", err)
	}

	res2, err := env.Engine.Handoff(env.Ctx, engine.HandoffOptions{SessionID: res.Successor.ID, Summary: "almost done"})
	if err != nil {
		t.Fatalf("second handoff: %v", err)
	}
	for _, id := range []string{pred.ID, res.Successor.ID, res2.Successor.ID} {
		chain, err := env.Engine.HandoffChain(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 3 || chain[0].ID != pred.ID || chain[2].ID != res2.Successor.ID {
			t.Fatalf("chain from %s has %d links", id, len(chain))
		}
	}
}

func TestHandoffChainStopsOnLoop(t *testing.T) {
	env := newTestEnv(t)
	a := env.spawn(t)
	b := env.spawn(t)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET handoff_to = ? WHERE id = ?`, b.ID, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE sessions SET handoff_from = ?, handoff_to = ? WHERE id = ?`, a.ID, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.HandoffChain(env.Ctx, a.ID)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "cycle") {
			t.Fatalf("expected cycle error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("chain walk did not terminate")
	}
}

func TestHandoffAllowedWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	if _, err := env.Engine.Heartbeat(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PausePool(env.Ctx, testProject, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Handoff(env.Ctx, engine.HandoffOptions{SessionID: s.ID}); err != nil {
		t.Fatalf("handoff while paused: %v", err)
	}
}

func TestCancelReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	w := env.createItem(t, "flaky")
	claim, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil || !claim.Claimed {
		t.Fatalf("claim: %+v %v", claim, err)
	}
	req, err := env.Engine.CancelDelegation(env.Ctx, claim.RequestID, "operator abort", "tester")
	if err != nil || req.Status != domain.DelegationCancelled {
		t.Fatalf("cancel: %+v %v", req, err)
	}
	again, err := env.Engine.CancelDelegation(env.Ctx, claim.RequestID, "operator abort", "tester")
	if err != nil || again.Status != domain.DelegationCancelled {
		t.Fatalf("cancel must be idempotent: %+v %v", again, err)
	}
	if _, err := env.Engine.ExpireDelegation(env.Ctx, claim.RequestID, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expire after cancel: %v", err)
	}
	view, err := env.Engine.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.SessionIdle || view.CurrentTaskID != nil {
		t.Fatalf("session not released: %+v", view.Session)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkPending {
		t.Fatalf("work item should be pending again, got %s", got.Status)
	}
	other := env.spawn(t)
	if res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, other.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("reclaim: %+v %v", res, err)
	}
}

func TestRetireRacingClaim(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		s := env.spawn(t)
		w := env.createItem(t, "race")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
		}()
		go func() {
			defer wg.Done()
			if _, err := env.Engine.RetireSession(env.Ctx, s.ID, "race", "tester"); err != nil {
				t.Errorf("retire: %v", err)
			}
		}()
		wg.Wait()
		got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == domain.WorkInProgress {
			t.Fatalf("item left in progress after its session retired: %+v", got.WorkItem)
		}
		sess, err := env.Engine.GetSession(env.Ctx, s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if sess.Status != domain.SessionRetired || sess.CurrentTaskID != nil {
			t.Fatalf("unexpected session %+v", sess.Session)
		}
	}
}

func TestRetireCancelsHeldClaim(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	w := env.createItem(t, "orphaned")
	claim, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester")
	if err != nil || !claim.Claimed {
		t.Fatal(err)
	}
	view, err := env.Engine.RetireSession(env.Ctx, s.ID, "shutting down", "tester")
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if view.Status != domain.SessionRetired || view.CurrentTaskID != nil {
		t.Fatalf("unexpected session %+v", view.Session)
	}
	req, err := env.Engine.GetDelegation(env.Ctx, claim.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.DelegationCancelled {
		t.Fatalf("expected cancelled request, got %s", req.Status)
	}
	if _, err := env.Engine.RetireSession(env.Ctx, s.ID, "", "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("retire twice: %v", err)
	}
	if _, err := env.Engine.Heartbeat(env.Ctx, s.ID, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("retired sessions are never resurrected: %v", err)
	}
}

func TestMarkSessionError(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	view, err := env.Engine.MarkSessionError(env.Ctx, s.ID, "container crashed", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != domain.SessionError || view.ErrorMessage != "container crashed" {
		t.Fatalf("unexpected session %+v", view.Session)
	}
}

func TestWorkItemVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, "versioned")
	title := "renamed"
	updated, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: w.ID, ExpectedVersion: w.Version, Title: &title})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != w.Version+1 {
		t.Fatalf("version did not advance: %d", updated.Version)
	}
	stale := "stale"
	_, err = env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: w.ID, ExpectedVersion: w.Version, Title: &stale})
	if !errors.Is(err, engine.ErrVersionConflict) || !engine.IsRetryable(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	v, err := env.Engine.AppendAuditEntry(env.Ctx, w.ID, "looked at it", "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if v != updated.Version+1 {
		t.Fatalf("audit append should bump version to %d, got %d", updated.Version+1, v)
	}
	entries, err := env.Engine.ListAuditEntries(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].AgentID == nil || *entries[0].AgentID != "agent-7" {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}

func TestConcurrentAuditAppendsKeepVersionsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, "busy")
	const n = 4
	var wg sync.WaitGroup
	versions := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := env.Engine.AppendAuditEntry(env.Ctx, w.ID, "note", "")
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
			versions[i] = v
		}(i)
	}
	wg.Wait()
	seen := map[int64]bool{}
	for _, v := range versions {
		if seen[v] {
			t.Fatalf("version %d returned twice", v)
		}
		seen[v] = true
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != w.Version+n {
		t.Fatalf("expected version %d, got %d", w.Version+n, got.Version)
	}
}

func TestBlockersAndAutoUnblock(t *testing.T) {
	env := newTestEnv(t)
	dep := env.createItem(t, "schema")
	main := env.createItem(t, "api", dep.ID)
	if main.Status != domain.WorkBlocked {
		t.Fatalf("item with unmet blocker should start blocked, got %s", main.Status)
	}
	s := env.spawn(t)
	if _, err := env.Engine.AtomicClaim(env.Ctx, main.ID, s.ID, "tester"); !errors.Is(err, engine.ErrNotDelegable) {
		t.Fatalf("blocked item must not be claimable: %v", err)
	}
	if res, err := env.Engine.AtomicClaim(env.Ctx, dep.ID, s.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim dep: %+v %v", res, err)
	}
	if _, err := env.Engine.CompleteWorkItem(env.Ctx, dep.ID, "tester"); err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, main.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkPending || !got.DependenciesMet {
		t.Fatalf("dependent should be unblocked, got %s", got.Status)
	}
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: main.ID, Status: domain.WorkBlocked}); err == nil {
		t.Fatalf("blocking without blockers should fail")
	}
	other := env.createItem(t, "docs")
	blocked, err := env.Engine.BlockWorkItem(env.Ctx, main.ID, []string{other.ID}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if blocked.Status != domain.WorkBlocked {
		t.Fatalf("expected blocked, got %s", blocked.Status)
	}
	unblocked, err := env.Engine.UnblockWorkItem(env.Ctx, main.ID, []string{other.ID}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if unblocked.Status != domain.WorkPending {
		t.Fatalf("expected pending, got %s", unblocked.Status)
	}
}

func TestBlockerCyclesRejected(t *testing.T) {
	env := newTestEnv(t)
	a := env.createItem(t, "a")
	b := env.createItem(t, "b")
	if _, err := env.Engine.BlockWorkItem(env.Ctx, a.ID, []string{b.ID}, "tester"); err != nil {
		t.Fatalf("block a on b: %v", err)
	}
	_, err := env.Engine.BlockWorkItem(env.Ctx, b.ID, []string{a.ID}, "tester")
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("two-item cycle should fail, got %v", err)
	}
	got, err := env.Engine.GetWorkItem(env.Ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkPending || len(got.BlockedBy) != 0 {
		t.Fatalf("rejected cycle changed b: %+v", got.WorkItem)
	}

	c := env.createItem(t, "c")
	if _, err := env.Engine.BlockWorkItem(env.Ctx, b.ID, []string{c.ID}, "tester"); err != nil {
		t.Fatalf("block b on c: %v", err)
	}
	if _, err := env.Engine.BlockWorkItem(env.Ctx, c.ID, []string{a.ID}, "tester"); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("three-item cycle should fail, got %v", err)
	}
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{ProjectID: testProject, Title: "d", BlockedBy: []string{a.ID}}); err != nil {
		t.Fatalf("new item blocked on a chain is not a cycle: %v", err)
	}
	got, err = env.Engine.GetWorkItem(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkPending || len(got.BlockedBy) != 0 {
		t.Fatalf("rejected cycle changed c: %+v", got.WorkItem)
	}
}

func TestWorkItemTransitions(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, "walk")
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: w.ID, Status: domain.WorkCompleted}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("pending -> completed should fail, got %v", err)
	}
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: w.ID, Status: domain.WorkInProgress}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("in_progress without a claim should fail, got %v", err)
	}
	s := env.spawn(t)
	if res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, s.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim: %+v %v", res, err)
	}
	w, err := env.Engine.CompleteWorkItem(env.Ctx, w.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != domain.WorkCompleted || w.CompletedAt == nil {
		t.Fatalf("unexpected item %+v", w)
	}
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: w.ID, Status: domain.WorkPending}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}

func TestProgressAndTree(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createItem(t, "epic")
	var children []domain.WorkItem
	for _, title := range []string{"one", "two", "three"} {
		c, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{ProjectID: testProject, ParentID: parent.ID, Title: title})
		if err != nil {
			t.Fatal(err)
		}
		children = append(children, c)
	}
	s := env.spawn(t)
	if res, err := env.Engine.AtomicClaim(env.Ctx, children[0].ID, s.ID, "tester"); err != nil || !res.Claimed {
		t.Fatalf("claim: %+v %v", res, err)
	}
	if _, err := env.Engine.CompleteWorkItem(env.Ctx, children[0].ID, "tester"); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.GetWorkItem(env.Ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.SubtasksTotal != 3 || view.SubtasksCompleted != 1 || view.ProgressPercentage != 33 {
		t.Fatalf("unexpected progress %+v", view)
	}
	tree, err := env.Engine.WorkItemTree(env.Ctx, testProject)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 3 {
		t.Fatalf("unexpected tree shape: %d roots", len(tree))
	}
	self := parent.ID
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: parent.ID, SetParent: &self}); err == nil {
		t.Fatalf("self-parent should fail")
	}
	child := children[1].ID
	if _, err := env.Engine.UpdateWorkItem(env.Ctx, engine.WorkItemUpdateOptions{ID: parent.ID, SetParent: &child}); err == nil {
		t.Fatalf("cycle should fail")
	}
}

func TestAutoDelegation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, AutoDelegateEnabled: boolPtr(true), SkipUserRequired: boolPtr(true)}); err != nil {
		t.Fatal(err)
	}
	dep := env.createItem(t, "first")
	next := env.createItem(t, "second", dep.ID)
	open, err := env.Engine.ListDelegations(env.Ctx, repo.DelegationFilters{ProjectID: testProject})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].WorkItemID != dep.ID || open[0].Status != domain.DelegationApproved {
		t.Fatalf("expected one approved request for %s, got %+v", dep.ID, open)
	}
	s := env.spawn(t)
	res, err := env.Engine.AtomicClaim(env.Ctx, dep.ID, s.ID, "tester")
	if err != nil || !res.Claimed || res.RequestID != open[0].ID {
		t.Fatalf("claim should promote the open request: %+v %v", res, err)
	}
	if _, err := env.Engine.CompleteWorkItem(env.Ctx, dep.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	reqs, err := env.Engine.ListDelegations(env.Ctx, repo.DelegationFilters{WorkItemID: next.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Status != domain.DelegationApproved {
		t.Fatalf("unblocked item should be auto-delegated, got %+v", reqs)
	}
}

func TestCreateDelegationAndApprove(t *testing.T) {
	env := newTestEnv(t)
	w := env.createItem(t, "manual")
	req, err := env.Engine.CreateDelegation(env.Ctx, engine.DelegationCreateOptions{WorkItemID: w.ID, Reason: "needs an agent"})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != domain.DelegationPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	dup, err := env.Engine.CreateDelegation(env.Ctx, engine.DelegationCreateOptions{WorkItemID: w.ID})
	if err != nil || dup.ID != req.ID {
		t.Fatalf("open request should be reused: %+v %v", dup, err)
	}
	req, err = env.Engine.ApproveDelegation(env.Ctx, req.ID, "tester")
	if err != nil || req.Status != domain.DelegationApproved {
		t.Fatalf("approve: %+v %v", req, err)
	}
}

func TestExpireStaleSkipsClaimed(t *testing.T) {
	env := newTestEnv(t)
	a := env.createItem(t, "stale")
	b := env.createItem(t, "claimed")
	reqA, err := env.Engine.CreateDelegation(env.Ctx, engine.DelegationCreateOptions{WorkItemID: a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateDelegation(env.Ctx, engine.DelegationCreateOptions{WorkItemID: b.ID}); err != nil {
		t.Fatal(err)
	}
	s := env.spawn(t)
	claim, err := env.Engine.AtomicClaim(env.Ctx, b.ID, s.ID, "tester")
	if err != nil || !claim.Claimed {
		t.Fatal(err)
	}
	later := env.Engine
	later.Now = func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	expired, err := later.ExpireStale(env.Ctx, testProject, "sweeper")
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != reqA.ID {
		t.Fatalf("expected only %s expired, got %+v", reqA.ID, expired)
	}
	held, err := env.Engine.GetDelegation(env.Ctx, claim.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != domain.DelegationClaimed {
		t.Fatalf("claimed request must survive the sweep, got %s", held.Status)
	}
}

func TestWarmupAndTeardown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigurePool(env.Ctx, engine.PoolConfigureOptions{ProjectID: testProject, WarmPoolSize: intPtr(3)}); err != nil {
		t.Fatal(err)
	}
	need, err := env.Engine.NeedsWarmup(env.Ctx, testProject)
	if err != nil || !need {
		t.Fatalf("empty pool needs warmup: %v %v", need, err)
	}
	spawned, err := env.Engine.Warmup(env.Ctx, testProject, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(spawned) != 3 {
		t.Fatalf("expected 3 warm sessions, got %d", len(spawned))
	}
	again, err := env.Engine.Warmup(env.Ctx, testProject, "tester")
	if err != nil || len(again) != 0 {
		t.Fatalf("warmup should be satisfied: %d %v", len(again), err)
	}
	w := env.createItem(t, "in flight")
	if res, err := env.Engine.AtomicClaim(env.Ctx, w.ID, spawned[0].ID, "tester"); err != nil || !res.Claimed {
		t.Fatal(err)
	}
	res, err := env.Engine.TeardownPool(env.Ctx, testProject, "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Pool.Status != domain.PoolDraining || len(res.Retired) != 3 || len(res.Cancelled) != 1 {
		t.Fatalf("unexpected teardown %+v", res)
	}
	view, err := env.Engine.PoolCapacity(env.Ctx, testProject)
	if err != nil {
		t.Fatal(err)
	}
	if view.LiveSessions != 0 {
		t.Fatalf("expected no live sessions, got %d", view.LiveSessions)
	}
}

func TestEventsAreRecordedAndPublished(t *testing.T) {
	env := newTestEnv(t)
	s := env.spawn(t)
	if _, err := env.Engine.Heartbeat(env.Ctx, s.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	stored, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: testProject, EntityID: s.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 || stored[0].Type != "session.status_changed" || stored[0].PreviousStatus != "starting" || stored[0].NewStatus != "active" {
		t.Fatalf("unexpected stored events %+v", stored)
	}
	if env.Events.count("session.status_changed") != 1 {
		t.Fatalf("published %v", env.Events.types())
	}
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Sink = events.SinkFunc(func(context.Context, domain.Event) error {
		return errors.New("dashboard offline")
	})
	if _, err := env.Engine.SpawnSession(env.Ctx, engine.SessionSpawnOptions{ProjectID: testProject}); err != nil {
		t.Fatalf("spawn with failing sink: %v", err)
	}
}
