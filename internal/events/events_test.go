package events

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"relay/internal/config"
	"relay/internal/domain"
)

func TestBusFiltersAndDrops(t *testing.T) {
	bus := NewBus(WithBuffer(1), WithLogger(log.New(io.Discard, "", 0)))
	ctx := context.Background()
	sessions, cancelSessions := bus.Subscribe(Filter{ProjectID: "p1", Types: []string{"session.*"}})
	defer cancelSessions()
	all, cancelAll := bus.Subscribe(Filter{})

	_ = bus.Publish(ctx, domain.Event{ID: 1, Type: "session.spawned", ProjectID: "p1"})
	_ = bus.Publish(ctx, domain.Event{ID: 2, Type: "work_item.created", ProjectID: "p1"})
	_ = bus.Publish(ctx, domain.Event{ID: 3, Type: "session.spawned", ProjectID: "p2"})

	if evt := <-sessions; evt.ID != 1 {
		t.Fatalf("expected event 1, got %d", evt.ID)
	}
	select {
	case evt := <-sessions:
		t.Fatalf("unexpected event %d", evt.ID)
	default:
	}
	if evt := <-all; evt.ID != 1 {
		t.Fatalf("expected event 1 on catch-all, got %d", evt.ID)
	}
	if bus.Dropped() != 2 {
		t.Fatalf("full subscriber should drop two events, dropped %d", bus.Dropped())
	}
	cancelAll()
	cancelAll()
	if _, ok := <-all; ok {
		t.Fatalf("cancelled channel should be closed")
	}
	if bus.Subscribers() != 1 {
		t.Fatalf("expected one subscriber left, got %d", bus.Subscribers())
	}
	bus.Close()
	if _, ok := <-sessions; ok {
		t.Fatalf("close should close subscriber channels")
	}
	if err := bus.Publish(ctx, domain.Event{ID: 4, Type: "session.spawned"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

type memSource struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memSource) add(evt domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *memSource) EventsAfter(_ context.Context, limit int, cursor int64, _ string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, evt := range m.events {
		if evt.ID > cursor && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *memSource) LatestEventID(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

func TestDispatcherDeliversNewEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("X-Relay-Secret") != "s3cret" {
			t.Errorf("missing secret header")
		}
		if fail {
			fail = false
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode: %v", err)
		}
		got = append(got, evt)
	}))
	defer srv.Close()

	src := &memSource{}
	src.add(domain.Event{ID: 1, Type: "session.spawned", ProjectID: "p1"})
	d := NewDispatcher(src, []config.Webhook{{URL: srv.URL, Events: []string{"delegation.*"}, Secret: "s3cret"}}, log.New(io.Discard, "", 0))
	ctx := context.Background()
	d.DispatchOnce(ctx)

	src.add(domain.Event{ID: 2, Type: "session.spawned", ProjectID: "p1"})
	src.add(domain.Event{ID: 3, Type: "delegation.created", ProjectID: "p1", Payload: `{"work_item_id":"w1"}`})
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery after retry, got %d", len(got))
	}
	if got[0].ID != 3 || got[0].Type != "delegation.created" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	var payload map[string]string
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil || payload["work_item_id"] != "w1" {
		t.Fatalf("payload not forwarded: %s", got[0].Payload)
	}
}

func TestDispatcherSetHooksKeepsCursors(t *testing.T) {
	src := &memSource{}
	src.add(domain.Event{ID: 5, Type: "pool.created"})
	d := NewDispatcher(src, nil, log.New(io.Discard, "", 0))
	hook := config.Webhook{URL: "http://127.0.0.1:1/hook"}
	d.SetHooks([]config.Webhook{hook})
	if cur := d.cursorFor(context.Background(), hook); cur != 5 {
		t.Fatalf("cursor should start at newest event, got %d", cur)
	}
	d.setCursor(hook.URL, 9)
	d.SetHooks([]config.Webhook{hook, {URL: "http://127.0.0.1:1/other"}})
	if cur := d.cursorFor(context.Background(), hook); cur != 9 {
		t.Fatalf("surviving hook lost its cursor: %d", cur)
	}
	d.SetHooks(nil)
	if len(d.cursors) != 0 {
		t.Fatalf("removed hooks should drop cursors")
	}
}
