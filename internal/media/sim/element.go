package sim

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/argus/internal/media"
)

// node is the internal view of an element.
type node interface {
	media.Element
	base() *element
	// deliver is called with a buffer arriving on the sink pad.
	deliver(s media.Sample)
	endOfStream()
}

// stateHook is implemented by elements that react to state changes.
type stateHook interface {
	stateChanged(old, new media.State)
}

// element holds what every sim element shares.
type element struct {
	name    string
	factory string
	self    node

	mu    sync.Mutex
	props media.Properties
	state media.State
	graph *Graph
	pads  map[string]*pad

	// refuseFlow fails transitions to Paused and Playing.
	refuseFlow bool
}

func (e *element) init(self node, factory, name string, sink, src bool) {
	e.self = self
	e.factory = factory
	e.name = name
	e.props = media.Properties{}
	e.state = media.StateNull
	e.pads = make(map[string]*pad)
	if sink {
		e.pads["sink"] = newPad(self, "sink", media.PadSink)
	}
	if src {
		e.pads["src"] = newPad(self, "src", media.PadSrc)
	}
}

func (e *element) base() *element  { return e }
func (e *element) Name() string    { return e.name }
func (e *element) Factory() string { return e.factory }

func (e *element) SetProperty(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[name] = value
	return nil
}

func (e *element) Property(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[name]
	return v, ok
}

func (e *element) StaticPad(name string) (media.Pad, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pads[name]
	if !ok || p.request {
		return nil, fmt.Errorf("element %s has no static pad %q", e.name, name)
	}
	return p, nil
}

func (e *element) RequestPad(template string) (media.Pad, error) {
	return nil, fmt.Errorf("element %s (%s) has no request pad template %q", e.name, e.factory, template)
}

func (e *element) ReleaseRequestPad(p media.Pad) error {
	return fmt.Errorf("element %s (%s) has no request pads", e.name, e.factory)
}

// Link connects e's src pad to dst's sink pad.
func (e *element) Link(dst media.Element) error {
	src, err := e.StaticPad("src")
	if err != nil {
		return err
	}
	sink, err := dst.StaticPad("sink")
	if err != nil {
		return err
	}
	return src.Link(sink)
}

func (e *element) SetState(state media.State) error {
	e.mu.Lock()
	if e.refuseFlow && (state == media.StatePaused || state == media.StatePlaying) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s refused state %s", media.ErrPrimitiveRuntime, e.name, state)
	}
	old := e.state
	e.state = state
	g := e.graph
	e.mu.Unlock()

	if old == state {
		return nil
	}
	if h, ok := e.self.(stateHook); ok {
		h.stateChanged(old, state)
	}
	if g != nil {
		g.post(&media.Message{
			Type:     media.MessageStateChanged,
			Source:   e.name,
			OldState: old,
			NewState: state,
		})
	}
	return nil
}

func (e *element) State() media.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *element) SyncStateWithParent() error {
	g := e.parent()
	if g == nil {
		return fmt.Errorf("element %s has no parent graph", e.name)
	}
	return e.SetState(g.State())
}

func (e *element) parent() *Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph
}

func (e *element) setParent(g *Graph) {
	e.mu.Lock()
	e.graph = g
	e.mu.Unlock()
}

func (e *element) flowing() bool {
	s := e.State()
	return s == media.StatePaused || s == media.StatePlaying
}

func (e *element) srcPad() *pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pads["src"]
}

func (e *element) allPads() []*pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*pad, 0, len(e.pads))
	for _, p := range e.pads {
		out = append(out, p)
	}
	return out
}

func (e *element) post(msg *media.Message) {
	if g := e.parent(); g != nil {
		if msg.Source == "" {
			msg.Source = e.name
		}
		g.post(msg)
	}
}

func (e *element) postEOS() {
	e.post(&media.Message{Type: media.MessageEOS})
}

func (e *element) postError(err error, debug string) {
	e.post(&media.Message{
		Type:  media.MessageError,
		Err:   fmt.Errorf("%s: %w: %w", e.name, media.ErrPrimitiveRuntime, err),
		Debug: debug,
	})
}

func (e *element) stringProp(name, def string) string {
	if v, ok := e.Property(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (e *element) durationProp(name string) time.Duration {
	v, ok := e.Property(name)
	if !ok {
		return 0
	}
	switch d := v.(type) {
	case time.Duration:
		return d
	case uint64:
		return time.Duration(d)
	case int64:
		return time.Duration(d)
	case int:
		return time.Duration(d)
	case string:
		parsed, _ := time.ParseDuration(strings.TrimSpace(d))
		return parsed
	}
	return 0
}

// passthrough forwards buffers unchanged. It stands in for queues, parsers,
// depayloaders, encoders, decoders and converters.
type passthrough struct {
	element
}

func newPassthrough(factory, name string) *passthrough {
	e := &passthrough{}
	e.init(e, factory, name, true, true)
	return e
}

func (e *passthrough) deliver(s media.Sample) {
	if e.flowing() {
		e.srcPad().push(s)
	}
}

func (e *passthrough) endOfStream() {
	e.srcPad().pushEOS()
}

// fakeSink discards buffers. It also backs display sinks.
type fakeSink struct {
	element
	samples atomic.Int64
}

func newFakeSink(factory, name string) *fakeSink {
	e := &fakeSink{}
	e.init(e, factory, name, true, false)
	return e
}

func (e *fakeSink) deliver(media.Sample) {
	if e.flowing() {
		e.samples.Add(1)
	}
}

func (e *fakeSink) endOfStream() { e.postEOS() }

// Samples returns the number of buffers consumed.
func (e *fakeSink) Samples() int64 { return e.samples.Load() }

// appSink hands samples to a Go callback on the streaming goroutine.
type appSink struct {
	element
	handler atomic.Pointer[media.SampleHandler]
}

func newAppSink(name string) *appSink {
	e := &appSink{}
	e.init(e, media.FactoryAppSink, name, true, false)
	return e
}

func (e *appSink) SetSampleHandler(h media.SampleHandler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

func (e *appSink) deliver(s media.Sample) {
	if !e.flowing() {
		return
	}
	if h := e.handler.Load(); h != nil {
		(*h)(s)
	}
}

func (e *appSink) endOfStream() { e.postEOS() }

// tee duplicates buffers to every request pad.
type tee struct {
	element
	next int
}

func newTee(name string) *tee {
	e := &tee{}
	e.init(e, media.FactoryTee, name, true, false)
	return e
}

const teeSrcTemplate = "src_%u"

func (e *tee) RequestPad(template string) (media.Pad, error) {
	if template != teeSrcTemplate {
		return nil, fmt.Errorf("tee %s has no request pad template %q", e.name, template)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	name := fmt.Sprintf("src_%d", e.next)
	e.next++
	p := newPad(e, name, media.PadSrc)
	p.request = true
	e.pads[name] = p
	return p, nil
}

func (e *tee) ReleaseRequestPad(mp media.Pad) error {
	p, err := asPad(mp)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cur, ok := e.pads[p.name]
	if !ok || cur != p || !p.request {
		e.mu.Unlock()
		return fmt.Errorf("tee %s: pad %s is not a request pad of this element", e.name, p.name)
	}
	delete(e.pads, p.name)
	e.mu.Unlock()

	p.unlinkAny()
	return nil
}

func (e *tee) srcPads() []*pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*pad, 0, len(e.pads))
	for _, p := range e.pads {
		if p.request {
			out = append(out, p)
		}
	}
	return out
}

func (e *tee) deliver(s media.Sample) {
	if !e.flowing() {
		return
	}
	for _, p := range e.srcPads() {
		p.push(s)
	}
}

func (e *tee) endOfStream() {
	for _, p := range e.srcPads() {
		p.pushEOS()
	}
}
