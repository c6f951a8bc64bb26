package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/observability"
)

// BranchKind identifies what a branch does with the stream.
type BranchKind string

const (
	BranchRecording BranchKind = "recording"
	BranchLiveView  BranchKind = "liveview"
	BranchDelivery  BranchKind = "delivery"
	BranchAnalytics BranchKind = "analytics"
)

// Valid reports whether k is a known branch kind.
func (k BranchKind) Valid() bool {
	switch k {
	case BranchRecording, BranchLiveView, BranchDelivery, BranchAnalytics:
		return true
	}
	return false
}

// Branch option keys.
const (
	// OptionLocation is the printf segment pattern of a recording branch.
	OptionLocation = "location"
	// OptionSegmentDuration is the segment rotation interval of a recording
	// branch, as a Go duration string.
	OptionSegmentDuration = "segment_duration"
)

// BranchConfig describes a branch to attach.
type BranchConfig struct {
	Kind    BranchKind
	Options map[string]string
	// OnSample receives the samples of delivery and analytics branches. It
	// runs on a goroutine owned by the branch, never on a media thread.
	OnSample media.SampleHandler
}

// Branch is a chain of elements fed by one tee request pad.
type Branch struct {
	ID        string
	StreamID  string
	Kind      BranchKind
	Options   map[string]string
	CreatedAt time.Time

	elements []media.Element
	first    media.Element
	sink     media.Element
	teePad   media.Pad
	bridge   *sampleBridge
}

// BranchInfo is a read-only view of an attached branch.
type BranchInfo struct {
	ID        string            `json:"id"`
	StreamID  string            `json:"stream_id"`
	Kind      BranchKind        `json:"kind"`
	Options   map[string]string `json:"options,omitempty"`
	Elements  []string          `json:"elements"`
	CreatedAt time.Time         `json:"created_at"`
}

func (b *Branch) info() BranchInfo {
	names := make([]string, len(b.elements))
	for i, el := range b.elements {
		names[i] = el.Name()
	}
	return BranchInfo{
		ID:        b.ID,
		StreamID:  b.StreamID,
		Kind:      b.Kind,
		Options:   maps.Clone(b.Options),
		Elements:  names,
		CreatedAt: b.CreatedAt,
	}
}

func (b *Branch) closeBridge() {
	if b.bridge != nil {
		b.bridge.close()
	}
}

// branchSuffix is the part of a branch id carried by its element names.
func branchSuffix(branchID string) string {
	s := strings.ReplaceAll(branchID, "-", "")
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

// elementName builds "<kind>-<role>-<suffix>".
func elementName(kind BranchKind, role, branchID string) string {
	return fmt.Sprintf("%s-%s-%s", kind, role, branchSuffix(branchID))
}

// ElementBelongsTo reports whether a graph element was created for the
// given branch. Bus message sources are matched this way.
func ElementBelongsTo(branchID, element string) bool {
	return branchID != "" && strings.HasSuffix(element, "-"+branchSuffix(branchID))
}

type link struct {
	factory string
	role    string
	props   media.Properties
}

// chainFor returns the element chain for a branch kind. Live sources carry
// RTP on the fanout, test sources carry raw video.
func chainFor(kind BranchKind, source media.SourceKind, opts map[string]string) ([]link, error) {
	live := source == media.SourceLive
	queue := link{factory: media.FactoryQueue, role: "queue"}

	switch kind {
	case BranchRecording:
		location := opts[OptionLocation]
		if location == "" {
			return nil, fmt.Errorf("recording branch requires the %q option", OptionLocation)
		}
		sinkProps := media.Properties{"location": location}
		if v := opts[OptionSegmentDuration]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid %s %q", OptionSegmentDuration, v)
			}
			sinkProps["max-size-time"] = uint64(d)
		}
		chain := []link{queue}
		if live {
			chain = append(chain, link{factory: media.FactoryRTPH264Depay, role: "depay"})
		} else {
			chain = append(chain, link{factory: media.FactoryX264Enc, role: "encode"})
		}
		return append(chain,
			link{factory: media.FactoryH264Parse, role: "parse"},
			link{factory: media.FactorySplitMuxSink, role: "sink", props: sinkProps},
		), nil

	case BranchLiveView:
		chain := []link{queue}
		if live {
			chain = append(chain,
				link{factory: media.FactoryRTPH264Depay, role: "depay"},
				link{factory: media.FactoryAvdecH264, role: "decode"},
			)
		} else {
			chain = append(chain, link{factory: media.FactoryDecodeBin, role: "decode"})
		}
		return append(chain,
			link{factory: media.FactoryVideoConvert, role: "convert"},
			link{factory: media.FactoryAutoVideoSink, role: "sink", props: media.Properties{"sync": false}},
		), nil

	case BranchDelivery:
		chain := []link{queue}
		if live {
			chain = append(chain, link{factory: media.FactoryRTPH264Depay, role: "depay"})
		} else {
			chain = append(chain, link{factory: media.FactoryX264Enc, role: "encode"})
		}
		return append(chain,
			link{factory: media.FactoryH264Parse, role: "parse"},
			link{factory: media.FactoryAppSink, role: "sink", props: media.Properties{"sync": false}},
		), nil

	case BranchAnalytics:
		chain := []link{queue}
		if live {
			chain = append(chain,
				link{factory: media.FactoryRTPH264Depay, role: "depay"},
				link{factory: media.FactoryAvdecH264, role: "decode"},
			)
		}
		return append(chain,
			link{factory: media.FactoryVideoConvert, role: "convert"},
			link{factory: media.FactoryAppSink, role: "sink", props: media.Properties{"sync": false}},
		), nil
	}
	return nil, fmt.Errorf("unknown branch kind %q", kind)
}

// newBranchID returns an id whose suffix is unique within the stream.
func newBranchID(s *Stream) string {
	for {
		id := uuid.NewString()
		suffix := branchSuffix(id)
		clash := false
		for existing := range s.branches {
			if branchSuffix(existing) == suffix {
				clash = true
				break
			}
		}
		if !clash {
			return id
		}
	}
}

// AddBranch builds the chain for cfg.Kind and attaches it to the stream's
// fanout. A failed attach leaves nothing behind. The first branch of a
// stream moves its graph to Playing.
func (r *Registry) AddBranch(ctx context.Context, streamID string, cfg BranchConfig) (id string, err error) {
	defer func() { r.metrics.IncBranchOp("attach", string(cfg.Kind), err) }()

	if !cfg.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown branch kind %q", ErrGraphConstruction, cfg.Kind)
	}
	s := r.lookup(streamID)
	if s == nil {
		return "", fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return "", fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}

	links, err := chainFor(cfg.Kind, s.Source.Kind, cfg.Options)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGraphConstruction, err)
	}

	id = newBranchID(s)
	b := &Branch{
		ID:        id,
		StreamID:  streamID,
		Kind:      cfg.Kind,
		Options:   maps.Clone(cfg.Options),
		CreatedAt: time.Now().UTC(),
		elements:  make([]media.Element, 0, len(links)),
	}
	for _, l := range links {
		el, err := r.provider.NewElement(l.factory, elementName(cfg.Kind, l.role, id), l.props)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGraphConstruction, err)
		}
		b.elements = append(b.elements, el)
	}
	b.first = b.elements[0]
	b.sink = b.elements[len(b.elements)-1]

	if app, ok := b.sink.(media.AppSink); ok && cfg.OnSample != nil {
		b.bridge = newSampleBridge(cfg.OnSample, r.config.SampleBuffer, func() { r.metrics.IncDropped("samples") })
		app.SetSampleHandler(b.bridge.offer)
	}

	if err := r.attach(s, b); err != nil {
		b.closeBridge()
		return "", fmt.Errorf("%w: %w", ErrGraphConstruction, err)
	}

	s.branches[id] = b
	s.branchCount.Store(int32(len(s.branches)))

	if len(s.branches) == 1 {
		if err := s.graph.SetState(media.StatePlaying); err != nil {
			r.teardown(ctx, s, b, false)
			delete(s.branches, id)
			s.branchCount.Store(0)
			_ = s.graph.SetState(media.StateReady)
			return "", fmt.Errorf("%w: starting stream: %w", ErrGraphConstruction, err)
		}
	}

	r.mu.Lock()
	r.branches++
	total := r.branches
	r.mu.Unlock()
	r.metrics.SetActiveBranches(total)

	r.logger.InfoContext(ctx, "branch attached",
		slog.String("stream_id", streamID),
		slog.String("branch_id", id),
		slog.String("kind", string(cfg.Kind)),
		slog.Int("branches", len(s.branches)),
	)
	return id, nil
}

// attach adds, links and syncs a branch. On failure everything it added is
// removed again.
func (r *Registry) attach(s *Stream, b *Branch) (err error) {
	var (
		added  bool
		teePad media.Pad
	)
	defer func() {
		if err == nil {
			return
		}
		if teePad != nil {
			if peer := teePad.Peer(); peer != nil {
				_ = teePad.Unlink(peer)
			}
			_ = s.tee.ReleaseRequestPad(teePad)
		}
		if added {
			for _, el := range b.elements {
				_ = el.SetState(media.StateNull)
			}
			_ = s.graph.Remove(b.elements...)
		}
	}()

	if err := s.graph.Add(b.elements...); err != nil {
		return fmt.Errorf("adding elements: %w", err)
	}
	added = true

	for i := 0; i < len(b.elements)-1; i++ {
		if err := b.elements[i].Link(b.elements[i+1]); err != nil {
			return fmt.Errorf("linking %s to %s: %w", b.elements[i].Name(), b.elements[i+1].Name(), err)
		}
	}

	teePad, err = s.tee.RequestPad("src_%u")
	if err != nil {
		return fmt.Errorf("requesting fanout pad: %w", err)
	}
	sinkPad, err := b.first.StaticPad("sink")
	if err != nil {
		return fmt.Errorf("branch entry pad: %w", err)
	}
	if err := teePad.Link(sinkPad); err != nil {
		return fmt.Errorf("linking fanout: %w", err)
	}

	// Downstream first so no element receives data before its peer can.
	for i := len(b.elements) - 1; i >= 0; i-- {
		if err := b.elements[i].SyncStateWithParent(); err != nil {
			return fmt.Errorf("syncing %s: %w", b.elements[i].Name(), err)
		}
	}

	b.teePad = teePad
	return nil
}

// RemoveBranch detaches a branch and lets it drain before tearing it down.
// Teardown failures are logged; the branch is deregistered regardless. The
// last branch of a stream moves its graph back to Ready.
func (r *Registry) RemoveBranch(ctx context.Context, streamID, branchID string) (err error) {
	s := r.lookup(streamID)
	if s == nil {
		return fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.branches[branchID]
	if !ok || s.removed {
		return fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
	}
	defer func() { r.metrics.IncBranchOp("detach", string(b.Kind), err) }()
	defer observability.TimedOperationWithError(ctx,
		r.logger.With(slog.String("stream_id", streamID), slog.String("branch_id", branchID)),
		"remove_branch", &err)()

	r.teardown(ctx, s, b, true)

	delete(s.branches, branchID)
	s.branchCount.Store(int32(len(s.branches)))
	if len(s.branches) == 0 {
		if err := s.graph.SetState(media.StateReady); err != nil {
			r.logger.WarnContext(ctx, "pausing idle stream", slog.String("stream_id", streamID), slog.Any("error", err))
		}
	}

	r.mu.Lock()
	r.branches--
	total := r.branches
	r.mu.Unlock()
	r.metrics.SetActiveBranches(total)

	r.logger.InfoContext(ctx, "branch detached",
		slog.String("stream_id", streamID),
		slog.String("branch_id", branchID),
		slog.String("kind", string(b.Kind)),
		slog.Int("branches", len(s.branches)),
	)
	return nil
}

// teardown blocks the fanout pad, unlinks and releases it, optionally pushes
// EOS through the branch and waits up to the drain grace for the sink to
// report it, then drops the elements.
func (r *Registry) teardown(ctx context.Context, s *Stream, b *Branch, drain bool) {
	log := r.logger.With(slog.String("stream_id", s.ID), slog.String("branch_id", b.ID))

	eos := make(chan struct{}, 1)
	sinkName := b.sink.Name()
	unsubscribe := s.graph.Bus().Subscribe(func(msg *media.Message) {
		if msg.Type == media.MessageEOS && msg.Source == sinkName {
			select {
			case eos <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	sinkPad, err := b.first.StaticPad("sink")
	if err != nil {
		log.WarnContext(ctx, "branch entry pad", slog.Any("error", err))
	}

	if b.teePad != nil {
		unblock, err := b.teePad.Block()
		if err != nil {
			log.WarnContext(ctx, "blocking fanout pad", slog.Any("error", err))
		}
		if sinkPad != nil {
			if err := b.teePad.Unlink(sinkPad); err != nil {
				log.WarnContext(ctx, "unlinking branch", slog.Any("error", err))
			}
		}
		if err := s.tee.ReleaseRequestPad(b.teePad); err != nil {
			log.WarnContext(ctx, "releasing fanout pad", slog.Any("error", err))
		}
		if unblock != nil {
			unblock()
		}
	}

	state := s.graph.State()
	if drain && sinkPad != nil && (state == media.StatePlaying || state == media.StatePaused) {
		if err := sinkPad.SendEOS(); err != nil {
			log.WarnContext(ctx, "sending eos into branch", slog.Any("error", err))
		} else {
			timer := time.NewTimer(r.config.DrainGrace)
			select {
			case <-eos:
			case <-timer.C:
				log.WarnContext(ctx, "branch drain timed out", slog.Duration("grace", r.config.DrainGrace))
			case <-ctx.Done():
				log.WarnContext(ctx, "branch drain cancelled", slog.Any("error", ctx.Err()))
			}
			timer.Stop()
		}
	}

	for _, el := range b.elements {
		if err := el.SetState(media.StateNull); err != nil {
			log.WarnContext(ctx, "stopping branch element", slog.String("element", el.Name()), slog.Any("error", err))
		}
	}
	if err := s.graph.Remove(b.elements...); err != nil {
		log.WarnContext(ctx, "removing branch elements", slog.Any("error", err))
	}
	b.closeBridge()
}

// Branches lists the branches attached to a stream.
func (r *Registry) Branches(streamID string) ([]BranchInfo, error) {
	s := r.lookup(streamID)
	if s == nil {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BranchInfo, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b.info())
	}
	return out, nil
}

// sampleBridge moves samples off media threads. offer never blocks; when the
// buffer is full the sample is dropped.
type sampleBridge struct {
	samples chan media.Sample
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	dropped func()
}

func newSampleBridge(handler media.SampleHandler, size int, dropped func()) *sampleBridge {
	sb := &sampleBridge{
		samples: make(chan media.Sample, size),
		done:    make(chan struct{}),
		dropped: dropped,
	}
	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		for {
			select {
			case <-sb.done:
				return
			case s := <-sb.samples:
				handler(s)
			}
		}
	}()
	return sb
}

func (sb *sampleBridge) offer(s media.Sample) {
	select {
	case <-sb.done:
		return
	default:
	}
	select {
	case sb.samples <- s:
	default:
		sb.dropped()
	}
}

func (sb *sampleBridge) close() {
	sb.once.Do(func() { close(sb.done) })
	sb.wg.Wait()
}
