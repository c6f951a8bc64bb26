//go:build gstreamer

// Package gst adapts GStreamer, through go-gst, to the media interfaces.
// Build with -tags gstreamer; it needs the GStreamer development libraries.
package gst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/jmylchreest/argus/internal/media"
)

const busPollInterval = 100 * time.Millisecond

// Provider creates GStreamer pipelines and elements.
type Provider struct {
	logger *slog.Logger
}

// NewProvider initialises GStreamer.
func NewProvider() *Provider {
	gst.Init(nil)
	return &Provider{logger: slog.Default()}
}

// WithLogger sets the logger.
func (p *Provider) WithLogger(logger *slog.Logger) *Provider {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Provider) Name() string { return "gstreamer" }

func (p *Provider) Close() error {
	gst.Deinit()
	return nil
}

// NewGraph creates a pipeline and starts its bus poller.
func (p *Provider) NewGraph(name string) (media.Graph, error) {
	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &graph{
		pipeline: pipeline,
		elements: make(map[string]*element),
		subs:     make(map[uint64]func(*media.Message)),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   p.logger,
	}
	go g.poll(ctx)
	return g, nil
}

// NewElement creates an element by factory name.
func (p *Provider) NewElement(factory, name string, props media.Properties) (media.Element, error) {
	el, err := gst.NewElementWithName(factory, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", media.ErrUnknownFactory, factory, err)
	}
	for k, v := range props {
		if err := el.SetProperty(k, v); err != nil {
			return nil, fmt.Errorf("setting %s.%s: %w", name, k, err)
		}
	}
	e := &element{el: el, factory: factory, name: el.GetName(), dynamic: factory == media.FactoryDecodeBin}
	if factory == media.FactoryAppSink || factory == media.FactorySplitMuxSink ||
		factory == media.FactoryFakeSink || factory == media.FactoryAutoVideoSink {
		e.watchEOS()
	}
	return e, nil
}

// NewSource builds rtspsrc for live descriptors and videotestsrc for test
// descriptors.
func (p *Provider) NewSource(desc media.SourceDescriptor, name string) (media.Element, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind == media.SourceLive {
		el, err := p.NewElement(media.FactoryRTSPSrc, name, media.Properties{
			"location":  desc.URI,
			"protocols": 4,
			"latency":   200,
		})
		if err != nil {
			return nil, err
		}
		el.(*element).dynamic = true
		return el, nil
	}
	props := media.Properties{"is-live": true}
	if desc.URI != "" {
		props["pattern"] = desc.URI
	}
	return p.NewElement(media.FactoryVideoTestSrc, name, props)
}

type graph struct {
	pipeline *gst.Pipeline
	logger   *slog.Logger

	mu       sync.RWMutex
	elements map[string]*element

	smu    sync.Mutex
	subs   map[uint64]func(*media.Message)
	nextID uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func (g *graph) Name() string   { return g.pipeline.GetName() }
func (g *graph) Bus() media.Bus { return g }

func (g *graph) Subscribe(handler func(*media.Message)) func() {
	g.smu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = handler
	g.smu.Unlock()
	return func() {
		g.smu.Lock()
		delete(g.subs, id)
		g.smu.Unlock()
	}
}

func (g *graph) dispatch(msg *media.Message) {
	g.smu.Lock()
	handlers := make([]func(*media.Message), 0, len(g.subs))
	for _, h := range g.subs {
		handlers = append(handlers, h)
	}
	g.smu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// poll drains the pipeline bus on a dedicated goroutine.
func (g *graph) poll(ctx context.Context) {
	defer close(g.done)
	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		if m := translate(msg); m != nil {
			g.dispatch(m)
		}
	}
}

func translate(msg *gst.Message) *media.Message {
	m := &media.Message{Source: msg.Source(), Timestamp: time.Now()}
	switch msg.Type() {
	case gst.MessageEOS:
		m.Type = media.MessageEOS
	case gst.MessageError:
		gerr := msg.ParseError()
		m.Type = media.MessageError
		m.Err = fmt.Errorf("%s: %w: %s", msg.Source(), media.ErrPrimitiveRuntime, gerr.Error())
		m.Debug = gerr.DebugString()
	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		m.Type = media.MessageWarning
		m.Err = errors.New(gerr.Error())
		m.Debug = gerr.DebugString()
	case gst.MessageStateChanged:
		old, cur := msg.ParseStateChanged()
		m.Type = media.MessageStateChanged
		m.OldState, m.NewState = fromState(old), fromState(cur)
	case gst.MessageElement:
		st := msg.GetStructure()
		if st == nil {
			return nil
		}
		m.Type = media.MessageElement
		m.Structure = st.Name()
		m.Fields = st.Values()
	default:
		return nil
	}
	return m
}

func (g *graph) Add(elements ...media.Element) error {
	els := make([]*element, 0, len(elements))
	for _, el := range elements {
		e, ok := el.(*element)
		if !ok {
			return fmt.Errorf("adding %s: element does not belong to the gstreamer provider", el.Name())
		}
		els = append(els, e)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range els {
		if err := g.pipeline.Add(e.el); err != nil {
			for _, added := range els[:i] {
				_ = g.pipeline.Remove(added.el)
				delete(g.elements, added.name)
			}
			return fmt.Errorf("adding %s: %w", e.name, err)
		}
		e.graph = g
		g.elements[e.name] = e
	}
	return nil
}

func (g *graph) Remove(elements ...media.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for _, el := range elements {
		e, ok := g.elements[el.Name()]
		if !ok {
			errs = append(errs, fmt.Errorf("element %s not in %s", el.Name(), g.Name()))
			continue
		}
		if err := g.pipeline.Remove(e.el); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", e.name, err))
		}
		e.graph = nil
		delete(g.elements, e.name)
	}
	return errors.Join(errs...)
}

func (g *graph) Element(name string) (media.Element, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.elements[name]
	if !ok {
		return nil, false
	}
	return e, true
}

func (g *graph) ElementCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.elements)
}

func (g *graph) SetState(state media.State) error {
	return g.pipeline.SetState(toState(state))
}

func (g *graph) State() media.State {
	return fromState(g.pipeline.GetCurrentState())
}

func (g *graph) Position() (time.Duration, bool) {
	ok, pos := g.pipeline.QueryPosition(gst.FormatTime)
	if !ok || pos < 0 {
		return 0, false
	}
	return time.Duration(pos), true
}

func (g *graph) Close() error {
	if s := g.State(); s != media.StateNull {
		return fmt.Errorf("closing %s: pipeline is %s", g.Name(), s)
	}
	g.cancel()
	<-g.done
	return nil
}

type element struct {
	el      *gst.Element
	factory string
	name    string
	graph   *graph
	// dynamic sources expose their src pad only once the stream is known.
	dynamic bool
}

func (e *element) Name() string    { return e.name }
func (e *element) Factory() string { return e.factory }

func (e *element) SetProperty(name string, value any) error {
	return e.el.SetProperty(name, value)
}

func (e *element) Property(name string) (any, bool) {
	v, err := e.el.GetProperty(name)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (e *element) StaticPad(name string) (media.Pad, error) {
	p := e.el.GetStaticPad(name)
	if p == nil {
		return nil, fmt.Errorf("element %s has no static pad %q", e.name, name)
	}
	return &pad{p: p}, nil
}

func (e *element) RequestPad(template string) (media.Pad, error) {
	p := e.el.GetRequestPad(template)
	if p == nil {
		return nil, fmt.Errorf("element %s: no pad for template %q", e.name, template)
	}
	return &pad{p: p}, nil
}

func (e *element) ReleaseRequestPad(mp media.Pad) error {
	p, ok := mp.(*pad)
	if !ok {
		return fmt.Errorf("releasing pad on %s: foreign pad", e.name)
	}
	e.el.ReleaseRequestPad(p.p)
	return nil
}

// Link connects e to dst. Dynamic sources link from their pad-added signal.
func (e *element) Link(dst media.Element) error {
	d, ok := dst.(*element)
	if !ok {
		return fmt.Errorf("linking %s: foreign element", e.name)
	}
	if !e.dynamic {
		return e.el.Link(d.el)
	}
	_, err := e.el.Connect("pad-added", func(_ *gst.Element, src *gst.Pad) {
		sink := d.el.GetStaticPad("sink")
		if sink == nil || sink.IsLinked() {
			return
		}
		if ret := src.Link(sink); ret != gst.PadLinkOK {
			slog.Error("linking dynamic pad",
				slog.String("src", e.name), slog.String("pad", src.GetName()), slog.Any("ret", ret))
		}
	})
	return err
}

func (e *element) SetState(state media.State) error {
	return e.el.SetState(toState(state))
}

func (e *element) State() media.State {
	return fromState(e.el.GetCurrentState())
}

func (e *element) SyncStateWithParent() error {
	if !e.el.SyncStateWithParent() {
		return fmt.Errorf("syncing %s with parent", e.name)
	}
	return nil
}

// watchEOS reports EOS reaching this sink as a bus message so a single
// branch can be drained while the rest of the pipeline keeps running.
func (e *element) watchEOS() {
	sink := e.el.GetStaticPad("sink")
	if sink == nil {
		return
	}
	sink.AddProbe(gst.PadProbeTypeEventDownstream, func(_ *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		if ev := info.GetEvent(); ev != nil && ev.Type() == gst.EventTypeEOS && e.graph != nil {
			e.graph.dispatch(&media.Message{Type: media.MessageEOS, Source: e.name, Timestamp: time.Now()})
		}
		return gst.PadProbeOK
	})
}

// SetSampleHandler installs appsink callbacks.
func (e *element) SetSampleHandler(handler media.SampleHandler) {
	sink := app.SinkFromElement(e.el)
	if sink == nil {
		return
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			sample := s.PullSample()
			if sample == nil {
				return gst.FlowOK
			}
			buf := sample.GetBuffer()
			if buf == nil {
				return gst.FlowOK
			}
			data := buf.Map(gst.MapRead).Bytes()
			au := make([]byte, len(data))
			copy(au, data)
			buf.Unmap()

			handler(media.Sample{
				PTS:      time.Duration(buf.PresentationTimestamp()),
				DTS:      time.Duration(buf.DecodingTimestamp()),
				AU:       [][]byte{au},
				Keyframe: !buf.HasFlags(gst.BufferFlagDeltaUnit),
			})
			return gst.FlowOK
		},
	})
}

type pad struct {
	p *gst.Pad
}

func (p *pad) Name() string { return p.p.GetName() }

func (p *pad) Direction() media.PadDirection {
	if p.p.GetDirection() == gst.PadDirectionSink {
		return media.PadSink
	}
	return media.PadSrc
}

func (p *pad) Peer() media.Pad {
	peer := p.p.GetPeer()
	if peer == nil {
		return nil
	}
	return &pad{p: peer}
}

func (p *pad) Link(sink media.Pad) error {
	s, ok := sink.(*pad)
	if !ok {
		return errors.New("linking pad: foreign pad")
	}
	if ret := p.p.Link(s.p); ret != gst.PadLinkOK {
		return fmt.Errorf("linking %s to %s: %v", p.Name(), s.Name(), ret)
	}
	return nil
}

func (p *pad) Unlink(sink media.Pad) error {
	s, ok := sink.(*pad)
	if !ok {
		return errors.New("unlinking pad: foreign pad")
	}
	if !p.p.Unlink(s.p) {
		return fmt.Errorf("unlinking %s from %s", p.Name(), s.Name())
	}
	return nil
}

// Block installs a blocking probe and waits until it fires or the pad is
// idle.
func (p *pad) Block() (func(), error) {
	blocked := make(chan struct{})
	var once sync.Once
	id := p.p.AddProbe(gst.PadProbeTypeBlockDownstream, func(*gst.Pad, *gst.PadProbeInfo) gst.PadProbeReturn {
		once.Do(func() { close(blocked) })
		return gst.PadProbeOK
	})
	select {
	case <-blocked:
	case <-time.After(time.Second):
		// Nothing flowing; the probe blocks the next buffer.
	}
	return func() { p.p.RemoveProbe(id) }, nil
}

func (p *pad) SendEOS() error {
	if !p.p.SendEvent(gst.NewEOSEvent()) {
		return fmt.Errorf("sending EOS on %s", p.Name())
	}
	return nil
}

func toState(s media.State) gst.State {
	switch s {
	case media.StateNull:
		return gst.StateNull
	case media.StateReady:
		return gst.StateReady
	case media.StatePaused:
		return gst.StatePaused
	case media.StatePlaying:
		return gst.StatePlaying
	default:
		return gst.VoidPending
	}
}

func fromState(s gst.State) media.State {
	switch s {
	case gst.StateNull:
		return media.StateNull
	case gst.StateReady:
		return media.StateReady
	case gst.StatePaused:
		return media.StatePaused
	case gst.StatePlaying:
		return media.StatePlaying
	default:
		return media.StateVoidPending
	}
}

var (
	_ media.Provider = (*Provider)(nil)
	_ media.AppSink  = (*element)(nil)
)
