package events

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"relay/internal/domain"
)

// Sink receives committed events. Implementations must not block for long;
// callers treat a returned error as a delivery failure to log, never as a
// reason to undo the state change.
type Sink interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt domain.Event) error

func (f SinkFunc) Publish(ctx context.Context, evt domain.Event) error { return f(ctx, evt) }

// Filter selects events for a subscriber. Empty fields match everything.
// Types entries ending in ".*" match a type prefix.
type Filter struct {
	ProjectID string
	Types     []string
}

func (f Filter) match(evt domain.Event) bool {
	if f.ProjectID != "" && f.ProjectID != evt.ProjectID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if prefix, ok := strings.CutSuffix(t, ".*"); ok {
			if strings.HasPrefix(evt.Type, prefix+".") {
				return true
			}
			continue
		}
		if t == evt.Type {
			return true
		}
	}
	return false
}

type subscriber struct {
	id     uint64
	filter Filter
	ch     chan domain.Event
}

// Bus fans committed events out to in-process subscribers. A subscriber whose
// buffer is full misses the event; publishers never wait.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	dropped atomic.Int64
	closed  bool

	Logger *log.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBuffer sets the per-subscriber channel size.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for dropped-event reports.
func WithLogger(l *log.Logger) BusOption {
	return func(b *Bus) { b.Logger = l }
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subs: make(map[uint64]*subscriber), buffer: 64}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber and returns its channel plus a cancel func.
// The channel is closed on cancel or when the bus closes.
func (b *Bus) Subscribe(f Filter) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscriber{id: id, filter: f, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers evt to every matching subscriber without blocking.
func (b *Bus) Publish(_ context.Context, evt domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.match(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			n := b.dropped.Add(1)
			b.logf("events: subscriber %d full, dropped %s #%d (total dropped %d)", s.id, evt.Type, evt.ID, n)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) logf(format string, args ...any) {
	if b.Logger != nil {
		b.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
