package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/events"
	"relay/internal/migrate"
)

const projectID = "proj-1"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) projectURL(suffix string) string {
	return s.URL + "/v0/projects/" + projectID + suffix
}

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	bus := events.NewBus()
	e.Sink = bus
	if _, err := e.EnsurePool(context.Background(), projectID, "tester"); err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	handler, err := New(Config{Engine: e, Bus: bus, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			bus.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func spawnSession(t *testing.T, srv *testServer) domain.Session {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("/sessions"), map[string]any{"context_max_tokens": 1000}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.Session](t, data)
}

func createWorkItem(t *testing.T, srv *testServer, title string) engine.WorkItemView {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("/work-items"), map[string]any{"title": title}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work item status %d: %s", res.StatusCode, string(data))
	}
	return decode[engine.WorkItemView](t, data)
}

func TestSpawnClaimComplete(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	s := spawnSession(t, srv)
	if s.Status != domain.SessionStarting {
		t.Fatalf("expected starting session, got %s", s.Status)
	}
	w := createWorkItem(t, srv, "Write parser")

	res, data := doJSON(t, client, http.MethodPost, srv.projectURL("/work-items/"+w.ID+"/claim"), map[string]any{"session_id": s.ID}, map[string]string{"X-Actor-Id": "agent-7"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	claim := decode[engine.ClaimResult](t, data)
	if !claim.Claimed || claim.RequestID == "" {
		t.Fatalf("expected claim, got %+v", claim)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.projectURL("/sessions/"+s.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, string(data))
	}
	view := decode[engine.SessionView](t, data)
	if view.Status != domain.SessionActive || view.CurrentTaskID == nil || *view.CurrentTaskID != w.ID {
		t.Fatalf("expected active session on %s, got %+v", w.ID, view.Session)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/work-items/"+w.ID+"/complete"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	done := decode[engine.WorkItemView](t, data)
	if done.Status != domain.WorkCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed item, got %+v", done.WorkItem)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions/"+s.ID+"/complete-task"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete-task status %d: %s", res.StatusCode, string(data))
	}
	view = decode[engine.SessionView](t, data)
	if view.Status != domain.SessionIdle || view.TasksCompleted != 1 {
		t.Fatalf("expected idle session with one task, got %+v", view.Session)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.projectURL("/events?type=delegation.claimed"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].ActorID != "agent-7" {
		t.Fatalf("expected one claim event by agent-7, got %+v", page.Items)
	}
	if page.Items[0].Payload["session_id"] != s.ID {
		t.Fatalf("expected session_id in payload, got %+v", page.Items[0].Payload)
	}
}

func TestPoolAtCapacity(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPatch, srv.projectURL("/pool"), map[string]any{"max_pool_size": 1}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("configure status %d: %s", res.StatusCode, string(data))
	}
	spawnSession(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions"), nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "pool_at_capacity" || env.Error.Details["retryable"] != true {
		t.Fatalf("unexpected error body %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.projectURL("/pool/capacity"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capacity status %d: %s", res.StatusCode, string(data))
	}
	capacity := decode[CapacityResponse](t, data)
	if capacity.LiveSessions != 1 || capacity.CanSpawnNewSession {
		t.Fatalf("unexpected capacity %+v", capacity)
	}
}

func TestConfigurePoolOutOfPolicy(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.projectURL("/pool"), map[string]any{"context_threshold_percent": 99}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "policy_violation" {
		t.Fatalf("unexpected error body %+v", env.Error)
	}
}

func TestNotFoundAcrossProjects(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.projectURL("/sessions/missing"), nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "not_found" {
		t.Fatalf("unexpected error body %+v", env.Error)
	}

	w := createWorkItem(t, srv, "Scoped")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/work-items/"+w.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 from other project, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkItemVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	w := createWorkItem(t, srv, "Versioned")
	res, data := doJSON(t, client, http.MethodPatch, srv.projectURL("/work-items/"+w.ID), map[string]any{"version": w.Version, "title": "Renamed"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	updated := decode[engine.WorkItemView](t, data)
	if updated.Version != w.Version+1 || updated.Title != "Renamed" {
		t.Fatalf("unexpected update %+v", updated.WorkItem)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.projectURL("/work-items/"+w.ID), map[string]any{"version": w.Version, "title": "Stale"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "version_conflict" {
		t.Fatalf("unexpected error body %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/work-items/"+w.ID+"/audit"), map[string]any{"note": "looked at it"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	if appended := decode[AuditAppendResponse](t, data); appended.Version != updated.Version+1 {
		t.Fatalf("expected version %d after audit, got %d", updated.Version+1, appended.Version)
	}
}

func TestClaimContention(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	w := createWorkItem(t, srv, "Contended")
	sessions := []domain.Session{spawnSession(t, srv), spawnSession(t, srv), spawnSession(t, srv)}

	var mu sync.Mutex
	var results []engine.ClaimResult
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{"session_id": sessionID})
			res, err := client.Post(srv.projectURL("/work-items/"+w.ID+"/claim"), "application/json", bytes.NewReader(body))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			if res.StatusCode != http.StatusOK {
				t.Errorf("claim status %d: %s", res.StatusCode, string(data))
				return
			}
			var out engine.ClaimResult
			if err := json.Unmarshal(data, &out); err != nil {
				t.Errorf("unmarshal claim: %v", err)
				return
			}
			mu.Lock()
			results = append(results, out)
			mu.Unlock()
		}(s.ID)
	}
	wg.Wait()

	winners := 0
	holder := ""
	for _, r := range results {
		if r.Claimed {
			winners++
			holder = r.HeldBy
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %+v", results)
	}
	for _, r := range results {
		if !r.Claimed && r.HeldBy != holder {
			t.Fatalf("loser should see holder %s, got %+v", holder, r)
		}
	}
}

func TestHandoffEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	s := spawnSession(t, srv)
	w := createWorkItem(t, srv, "Long task")
	doJSON(t, client, http.MethodPost, srv.projectURL("/work-items/"+w.ID+"/claim"), map[string]any{"session_id": s.ID}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.projectURL("/sessions/"+s.ID+"/context"), map[string]any{"used_tokens": 900}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("context status %d: %s", res.StatusCode, string(data))
	}
	report := decode[engine.ContextReport](t, data)
	if report.Action != domain.ActionHandoffRequired || report.Session.Status != domain.SessionHandoffPending {
		t.Fatalf("unexpected report %+v", report)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions/"+s.ID+"/handoff"), map[string]any{"summary": "parser half done"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handoff status %d: %s", res.StatusCode, string(data))
	}
	handoff := decode[engine.HandoffResult](t, data)
	if handoff.WorkItemID != w.ID || handoff.Successor.CurrentTaskID == nil || *handoff.Successor.CurrentTaskID != w.ID {
		t.Fatalf("claim not transferred: %+v", handoff)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.projectURL("/sessions/"+handoff.Successor.ID+"/chain"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chain status %d: %s", res.StatusCode, string(data))
	}
	chain := decode[SessionChain](t, data)
	if len(chain.Items) != 2 || chain.Items[0].ID != s.ID {
		t.Fatalf("unexpected chain %+v", chain.Items)
	}
}

func TestJWTRequired(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions"), nil, map[string]string{"X-Actor-Id": "mallory"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions"), nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "orchestrator"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.projectURL("/sessions"), nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("spawn with token status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.projectURL("/events?type=session.spawned"), nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].ActorID != "orchestrator" {
		t.Fatalf("expected spawn by orchestrator, got %+v", page.Items)
	}
}

func TestOpenAPIAdvertisesEnforcedIdentity(t *testing.T) {
	for _, tc := range []struct {
		name   string
		auth   AuthConfig
		scheme string
	}{
		{name: "header", auth: AuthConfig{}, scheme: "actorHeader"},
		{name: "jwt", auth: AuthConfig{JWTSecret: "s3cret"}, scheme: "bearerAuth"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv, cleanup := newTestServer(t, tc.auth)
			defer cleanup()
			res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
			}
			doc := decode[struct {
				Components struct {
					SecuritySchemes map[string]any `json:"securitySchemes"`
				} `json:"components"`
				Paths map[string]map[string]struct {
					Security  []map[string][]string `json:"security"`
					Responses map[string]any        `json:"responses"`
				} `json:"paths"`
			}](t, data)
			if _, ok := doc.Components.SecuritySchemes[tc.scheme]; !ok || len(doc.Components.SecuritySchemes) != 1 {
				t.Fatalf("expected only %s scheme, got %v", tc.scheme, doc.Components.SecuritySchemes)
			}
			health := doc.Paths["/v0/health"]["get"]
			if len(health.Security) != 0 {
				t.Fatalf("health should be open, got %v", health.Security)
			}
			claim := doc.Paths["/v0/projects/{project_id}/work-items/{work_item_id}/claim"]["post"]
			if len(claim.Security) != 1 || claim.Responses["default"] == nil {
				t.Fatalf("claim should require %s and document errors, got %+v", tc.scheme, claim)
			}
		})
	}
}
