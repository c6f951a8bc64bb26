// Package events provides the in-process, fire-and-forget event bus that
// carries stream and recording lifecycle notifications to subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/argus/internal/observability"
)

// Event types.
const (
	TypeSystemStartup    = "system.startup"
	TypeStreamStarted    = "stream.started"
	TypeStreamStopped    = "stream.stopped"
	TypeStreamError      = "stream.error"
	TypeRecordingStarted = "recording.started"
	TypeRecordingStopped = "recording.stopped"
	TypeRecordingFailed  = "recording.failed"
)

const defaultSubscriberBuffer = 100

// Event is a single notification.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	StreamID    string         `json:"stream_id,omitempty"`
	CameraID    string         `json:"camera_id,omitempty"`
	RecordingID string         `json:"recording_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Publisher accepts events. Publishing never blocks and never fails.
type Publisher interface {
	Publish(event Event)
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types    []string
	StreamID string
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(e *Event) bool {
	if f == nil {
		return true
	}
	if f.StreamID != "" && f.StreamID != e.StreamID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	ID     string
	Filter *Filter
	Events chan Event
}

// Bus fans events out to subscribers, dropping for any subscriber whose
// buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	buffer      int
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		buffer:      defaultSubscriberBuffer,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	if logger != nil {
		b.logger = observability.WithComponent(logger, "events")
	}
	return b
}

// WithBuffer sets the per-subscriber buffer size.
func (b *Bus) WithBuffer(n int) *Bus {
	if n > 0 {
		b.buffer = n
	}
	return b
}

// WithMetrics counts dropped events.
func (b *Bus) WithMetrics(m *observability.Metrics) *Bus {
	b.metrics = m
	return b
}

// Subscribe registers a subscriber.
func (b *Bus) Subscribe(filter *Filter) *Subscriber {
	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Filter: filter,
		Events: make(chan Event, b.buffer),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
		b.logger.Debug("subscriber removed", slog.String("subscriber_id", id))
	}
}

// SubscriberCount returns the number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish stamps the event and delivers it to matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.Filter.Matches(&event) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			b.metrics.IncDropped("events")
			b.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("event_type", event.Type),
			)
		}
	}
}

// LogEvents logs every event at info level until the subscription closes.
// It runs on its own goroutine.
func (b *Bus) LogEvents(logger *slog.Logger) (stop func()) {
	sub := b.Subscribe(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Events {
			attrs := []any{
				slog.String("event_id", e.ID),
				slog.String("type", e.Type),
			}
			if e.StreamID != "" {
				attrs = append(attrs, slog.String("stream_id", e.StreamID))
			}
			if e.RecordingID != "" {
				attrs = append(attrs, slog.String("recording_id", e.RecordingID))
			}
			if e.Message != "" {
				attrs = append(attrs, slog.String("message", e.Message))
			}
			logger.Info("event", attrs...)
		}
	}()
	return func() {
		b.Unsubscribe(sub.ID)
		<-done
	}
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(Event) {}
