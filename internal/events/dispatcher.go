package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay/internal/config"
	"relay/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Source reads committed events from the outbox.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

// Dispatcher relays outbox events to webhooks. Each hook keeps its own cursor
// and starts at the newest event present when it is first polled. A failed
// delivery is retried on the next tick.
type Dispatcher struct {
	Source   Source
	Interval time.Duration
	Client   *http.Client
	Logger   *log.Logger

	mu      sync.Mutex
	hooks   []config.Webhook
	cursors map[string]int64
}

func NewDispatcher(src Source, hooks []config.Webhook, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Source:   src,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Logger:   logger,
		hooks:    hooks,
		cursors:  make(map[string]int64),
	}
}

// SetHooks replaces the webhook list. Cursors of hooks whose URL survives are kept.
func (d *Dispatcher) SetHooks(hooks []config.Webhook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = hooks
	keep := make(map[string]int64, len(hooks))
	for _, h := range hooks {
		if cur, ok := d.cursors[h.URL]; ok {
			keep[h.URL] = cur
		}
	}
	d.cursors = keep
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending events to every hook.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	d.mu.Lock()
	hooks := append([]config.Webhook(nil), d.hooks...)
	d.mu.Unlock()
	for _, hook := range hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor := d.cursorFor(ctx, hook)
	evts, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		d.logf("webhook: fetch events failed: %v", err)
		return
	}
	filter := Filter{Types: hook.Events}
	for _, evt := range evts {
		if !filter.match(evt) {
			d.setCursor(hook.URL, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(hook.URL, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, hook config.Webhook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.URL]; ok {
		return cur
	}
	cur, err := d.Source.LatestEventID(ctx, "")
	if err != nil {
		d.logf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[hook.URL] = cur
	return cur
}

func (d *Dispatcher) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	ProjectID      string          `json:"project_id"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	NewStatus      string          `json:"new_status,omitempty"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:             evt.ID,
		Type:           evt.Type,
		ProjectID:      evt.ProjectID,
		EntityKind:     evt.EntityKind,
		EntityID:       evt.EntityID,
		ActorID:        evt.ActorID,
		PreviousStatus: evt.PreviousStatus,
		NewStatus:      evt.NewStatus,
		TS:             evt.TS,
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Event", evt.Type)
	req.Header.Set("X-Relay-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Relay-Project", evt.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Relay-Secret", hook.Secret)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
