// Package fanout owns one media graph per camera feed and lets consumers
// attach and detach branches to a shared tee without interrupting the feed.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/argus/internal/events"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/observability"
)

// ErrGraphConstruction is returned when a stream or branch graph cannot be built.
var ErrGraphConstruction = errors.New("graph construction failed")

// ErrNotFound is returned for unknown streams and branches.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a stream id is already registered.
var ErrAlreadyExists = errors.New("already exists")

// fanoutElement is the name of the tee inside every stream graph.
const fanoutElement = "fanout"

// RegistryConfig holds configuration for the registry.
type RegistryConfig struct {
	// DrainGrace bounds how long RemoveBranch waits for a branch sink to
	// report end-of-stream.
	DrainGrace time.Duration
	// NoteBuffer is the capacity of the channel carrying bus errors from
	// media threads to the watch loop.
	NoteBuffer int
	// SampleBuffer is the capacity of each appsink bridge channel.
	SampleBuffer int
}

// DefaultRegistryConfig returns sensible defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DrainGrace:   3 * time.Second,
		NoteBuffer:   64,
		SampleBuffer: 32,
	}
}

// Stream is one camera feed: a source linked to a tee inside its own graph.
type Stream struct {
	ID     string
	Source media.SourceDescriptor

	graph     media.Graph
	tee       media.Element
	createdAt time.Time

	// mu serialises structural changes to the graph. It is held across
	// branch drain waits, so readers use branchCount instead.
	mu          sync.Mutex
	branches    map[string]*Branch
	branchCount atomic.Int32
	removed     bool

	unsubscribe func()
}

// StreamInfo is a read-only view of a registered stream.
type StreamInfo struct {
	ID        string                 `json:"id"`
	Source    media.SourceDescriptor `json:"source"`
	State     string                 `json:"state"`
	Branches  int                    `json:"branches"`
	CreatedAt time.Time              `json:"created_at"`
}

// note is a bus error handed from a media thread to the watch loop.
type note struct {
	streamID string
	msg      *media.Message
}

// Registry is the set of live stream graphs.
type Registry struct {
	provider media.Provider
	config   RegistryConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	events   events.Publisher

	mu       sync.RWMutex
	streams  map[string]*Stream
	branches int

	notes chan note

	removeHooks []func(ctx context.Context, streamID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry building graphs with provider.
func NewRegistry(provider media.Provider, config RegistryConfig) *Registry {
	defaults := DefaultRegistryConfig()
	if config.DrainGrace <= 0 {
		config.DrainGrace = defaults.DrainGrace
	}
	if config.NoteBuffer <= 0 {
		config.NoteBuffer = defaults.NoteBuffer
	}
	if config.SampleBuffer <= 0 {
		config.SampleBuffer = defaults.SampleBuffer
	}
	return &Registry{
		provider: provider,
		config:   config,
		logger:   slog.Default(),
		events:   events.Nop{},
		streams:  make(map[string]*Stream),
		notes:    make(chan note, config.NoteBuffer),
	}
}

// WithLogger sets the logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	if logger != nil {
		r.logger = observability.WithComponent(logger, "fanout")
	}
	return r
}

// WithMetrics sets the metrics sink.
func (r *Registry) WithMetrics(m *observability.Metrics) *Registry {
	r.metrics = m
	return r
}

// WithEvents sets the event publisher.
func (r *Registry) WithEvents(p events.Publisher) *Registry {
	if p != nil {
		r.events = p
	}
	return r
}

// OnStreamRemoved registers fn to run after a stream has been torn down.
// Hooks run on the caller of RemoveStream, in registration order.
func (r *Registry) OnStreamRemoved(fn func(ctx context.Context, streamID string)) {
	r.mu.Lock()
	r.removeHooks = append(r.removeHooks, fn)
	r.mu.Unlock()
}

// Start runs the watch loop that turns bus errors into stream.error events.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.watch(r.ctx)
}

// Close removes every stream and stops the watch loop.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, info := range r.ListStreams() {
		if err := r.RemoveStream(ctx, info.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) watch(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.notes:
			r.logger.Warn("stream graph error",
				slog.String("stream_id", n.streamID),
				slog.String("element", n.msg.Source),
				slog.String("debug", n.msg.Debug),
				slog.Any("error", n.msg.Err),
			)
			e := events.Event{
				Type:     events.TypeStreamError,
				StreamID: n.streamID,
				Data:     map[string]any{"element": n.msg.Source},
			}
			if n.msg.Err != nil {
				e.Message = n.msg.Err.Error()
			}
			if s := r.lookup(n.streamID); s != nil {
				e.CameraID = s.Source.CameraID
			}
			r.events.Publish(e)
		}
	}
}

// busHandler runs on media threads. It never blocks and never takes
// registry locks.
func (r *Registry) busHandler(streamID string) func(*media.Message) {
	return func(msg *media.Message) {
		if msg.Type != media.MessageError {
			return
		}
		select {
		case r.notes <- note{streamID: streamID, msg: msg}:
		default:
			r.metrics.IncDropped("fanout")
		}
	}
}

// AddStream builds a Source -> Fanout graph in Ready and registers it under
// a generated id.
func (r *Registry) AddStream(ctx context.Context, source media.SourceDescriptor) (string, error) {
	return r.AddStreamWithID(ctx, uuid.NewString(), source)
}

// AddStreamWithID is AddStream with a caller-chosen id.
func (r *Registry) AddStreamWithID(ctx context.Context, id string, source media.SourceDescriptor) (string, error) {
	if err := media.ValidateIdentifier("stream id", id); err != nil {
		return "", fmt.Errorf("%w: %w", ErrGraphConstruction, err)
	}

	r.mu.RLock()
	_, exists := r.streams[id]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("stream %s: %w", id, ErrAlreadyExists)
	}

	s, err := r.buildStream(id, source)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if _, exists := r.streams[id]; exists {
		r.mu.Unlock()
		r.destroyStream(s)
		return "", fmt.Errorf("stream %s: %w", id, ErrAlreadyExists)
	}
	r.streams[id] = s
	count := len(r.streams)
	r.mu.Unlock()

	r.metrics.SetActiveStreams(count)
	r.logger.InfoContext(ctx, "stream added",
		slog.String("stream_id", id),
		slog.String("kind", string(source.Kind)),
		slog.String("uri", observability.RedactURL(source.URI)),
	)
	r.events.Publish(events.Event{
		Type:     events.TypeStreamStarted,
		StreamID: id,
		CameraID: source.CameraID,
		Message:  source.Name,
	})
	return id, nil
}

func (r *Registry) buildStream(id string, source media.SourceDescriptor) (_ *Stream, err error) {
	graph, err := r.provider.NewGraph("stream-" + id)
	if err != nil {
		return nil, fmt.Errorf("%w: creating graph: %w", ErrGraphConstruction, err)
	}
	defer func() {
		if err != nil {
			_ = graph.SetState(media.StateNull)
			_ = graph.Close()
		}
	}()

	src, err := r.provider.NewSource(source, "source")
	if err != nil {
		return nil, fmt.Errorf("%w: creating source: %w", ErrGraphConstruction, err)
	}
	tee, err := r.provider.NewElement(media.FactoryTee, fanoutElement, media.Properties{"allow-not-linked": true})
	if err != nil {
		return nil, fmt.Errorf("%w: creating fanout: %w", ErrGraphConstruction, err)
	}
	if err := graph.Add(src, tee); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGraphConstruction, err)
	}
	if err := src.Link(tee); err != nil {
		return nil, fmt.Errorf("%w: linking source: %w", ErrGraphConstruction, err)
	}
	found, ok := graph.Element(fanoutElement)
	if !ok {
		return nil, fmt.Errorf("%w: fanout element missing after construction", ErrGraphConstruction)
	}
	if err := graph.SetState(media.StateReady); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGraphConstruction, err)
	}

	s := &Stream{
		ID:        id,
		Source:    source,
		graph:     graph,
		tee:       found,
		createdAt: time.Now().UTC(),
		branches:  make(map[string]*Branch),
	}
	s.unsubscribe = graph.Bus().Subscribe(r.busHandler(id))
	return s, nil
}

// destroyStream forces the graph to Null and releases it.
func (r *Registry) destroyStream(s *Stream) {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if err := s.graph.SetState(media.StateNull); err != nil {
		r.logger.Warn("forcing stream graph to null", slog.String("stream_id", s.ID), slog.Any("error", err))
	}
	if err := s.graph.Close(); err != nil {
		r.logger.Warn("closing stream graph", slog.String("stream_id", s.ID), slog.Any("error", err))
	}
}

// RemoveStream forces the graph to Null, tears down its branches and
// deregisters the stream.
func (r *Registry) RemoveStream(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	count := len(r.streams)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}

	s.mu.Lock()
	s.removed = true
	if err := s.graph.SetState(media.StateNull); err != nil {
		r.logger.WarnContext(ctx, "forcing stream graph to null", slog.String("stream_id", id), slog.Any("error", err))
	}
	dropped := len(s.branches)
	for bid, b := range s.branches {
		b.closeBridge()
		if err := s.graph.Remove(b.elements...); err != nil {
			r.logger.WarnContext(ctx, "removing branch elements", slog.String("branch_id", bid), slog.Any("error", err))
		}
		delete(s.branches, bid)
	}
	s.branchCount.Store(0)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if err := s.graph.Close(); err != nil {
		r.logger.WarnContext(ctx, "closing stream graph", slog.String("stream_id", id), slog.Any("error", err))
	}
	s.mu.Unlock()

	r.mu.Lock()
	r.branches -= dropped
	branches := r.branches
	hooks := r.removeHooks
	r.mu.Unlock()

	r.metrics.SetActiveStreams(count)
	r.metrics.SetActiveBranches(branches)
	r.logger.InfoContext(ctx, "stream removed", slog.String("stream_id", id), slog.Int("branches", dropped))
	for _, hook := range hooks {
		hook(ctx, id)
	}
	r.events.Publish(events.Event{
		Type:     events.TypeStreamStopped,
		StreamID: id,
		CameraID: s.Source.CameraID,
	})
	return nil
}

func (r *Registry) lookup(id string) *Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[id]
}

// StreamAccess returns the graph and fanout of a stream. Both are shared
// with the registry and must not be structurally modified by the caller.
func (r *Registry) StreamAccess(id string) (media.Graph, media.Element, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	if !ok {
		return nil, nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return s.graph, s.tee, nil
}

// Describe returns the info of one stream.
func (r *Registry) Describe(id string) (StreamInfo, error) {
	s := r.lookup(id)
	if s == nil {
		return StreamInfo{}, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return s.info(), nil
}

// ListStreams returns every registered stream ordered by id.
func (r *Registry) ListStreams() []StreamInfo {
	r.mu.RLock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.RUnlock()

	out := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StreamCount returns the number of registered streams.
func (r *Registry) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// BranchCount returns the number of branches across all streams.
func (r *Registry) BranchCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.branches
}

func (s *Stream) info() StreamInfo {
	return StreamInfo{
		ID:        s.ID,
		Source:    s.Source,
		State:     s.graph.State().String(),
		Branches:  int(s.branchCount.Load()),
		CreatedAt: s.createdAt,
	}
}
