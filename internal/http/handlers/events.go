package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmylchreest/argus/internal/events"
)

// EventsHandler streams bus events to clients as Server-Sent Events.
type EventsHandler struct {
	bus               *events.Bus
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{
		bus:               bus,
		heartbeatInterval: 30 * time.Second,
		logger:            slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (h *EventsHandler) WithLogger(logger *slog.Logger) *EventsHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// RegisterSSE registers the SSE endpoint on a chi router. Huma does not
// model open-ended streams, so this bypasses it.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/events", h.ServeHTTP)
}

// ServeHTTP streams events until the client goes away. The stream_id and
// type (comma separated) query parameters filter the stream.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	query := r.URL.Query()
	filter := &events.Filter{
		StreamID: query.Get("stream_id"),
		Types:    splitList(query.Get("type")),
	}

	sub := h.bus.Subscribe(filter)
	defer h.bus.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	fmt.Fprint(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("failed to flush initial SSE connection", slog.Any("error", err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				h.logger.Debug("heartbeat flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				h.logger.Debug("failed to write SSE event",
					slog.String("event_type", event.Type),
					slog.Any("error", err))
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSEEvent writes one event as a single SSE message.
func writeSSEEvent(w http.ResponseWriter, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	n, err := w.Write([]byte(msg))
	if err != nil {
		return err
	}
	if n < len(msg) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(msg))
	}
	return nil
}
