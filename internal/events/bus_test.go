package events

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/argus/internal/observability"
)

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case e := <-sub.Events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishStampsAndDelivers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)

	bus.Publish(Event{Type: TypeRecordingStarted, StreamID: "front-door"})

	e := receive(t, sub)
	assert.Equal(t, TypeRecordingStarted, e.Type)
	assert.Len(t, e.ID, 26)
	assert.False(t, e.Timestamp.IsZero())
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus()
	recordings := bus.Subscribe(&Filter{Types: []string{TypeRecordingStarted, TypeRecordingStopped}})
	garage := bus.Subscribe(&Filter{StreamID: "garage"})

	bus.Publish(Event{Type: TypeStreamStarted, StreamID: "front-door"})
	bus.Publish(Event{Type: TypeRecordingStopped, StreamID: "garage"})

	assert.Equal(t, TypeRecordingStopped, receive(t, recordings).Type)
	assert.Equal(t, TypeRecordingStopped, receive(t, garage).Type)
	assert.Empty(t, recordings.Events)
	assert.Empty(t, garage.Events)
}

func TestFilter_Matches(t *testing.T) {
	tests := []struct {
		name   string
		filter *Filter
		event  Event
		want   bool
	}{
		{"nil filter", nil, Event{Type: TypeStreamError}, true},
		{"empty filter", &Filter{}, Event{Type: TypeStreamError}, true},
		{"type match", &Filter{Types: []string{TypeStreamError}}, Event{Type: TypeStreamError}, true},
		{"type mismatch", &Filter{Types: []string{TypeStreamError}}, Event{Type: TypeStreamStarted}, false},
		{"stream mismatch", &Filter{StreamID: "a"}, Event{Type: TypeStreamError, StreamID: "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(&tt.event))
		})
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	metrics := observability.NewMetrics()
	bus := NewBus().WithBuffer(2).WithMetrics(metrics)
	sub := bus.Subscribe(nil)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeStreamError})
	}

	assert.Len(t, sub.Events, 2)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	var dropped float64
	for _, f := range families {
		if f.GetName() == "argus_bus_events_dropped_total" {
			for _, m := range f.GetMetric() {
				dropped += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, dropped)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(nil)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub.ID)
	bus.Unsubscribe(sub.ID)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-sub.Events
	assert.False(t, open)

	bus.Publish(Event{Type: TypeStreamStarted})
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus().WithBuffer(1000)
	sub := bus.Subscribe(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: TypeStreamStarted})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sub.Events, 500)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestBus_LogEvents(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	bus := NewBus()
	stop := bus.LogEvents(logger)
	bus.Publish(Event{Type: TypeSystemStartup, Message: "argus started"})
	stop()

	out := buf.String()
	assert.True(t, strings.Contains(out, "type=system.startup"), out)
	assert.Contains(t, out, "argus started")
	assert.Zero(t, bus.SubscriberCount())
}
