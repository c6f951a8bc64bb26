// Package media defines the capability interface argus needs from a media
// processing library: elements with pads, graphs with a lifecycle state and
// an asynchronous message bus. Implementations live in sub-packages.
package media

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrPrimitiveRuntime marks errors reported by the media library on the bus
// after a graph is running.
var ErrPrimitiveRuntime = errors.New("media primitive runtime error")

// ErrUnknownFactory is returned when an element factory is not available.
var ErrUnknownFactory = errors.New("unknown element factory")

// ErrInvalidSource is returned for source descriptors that cannot be built.
var ErrInvalidSource = errors.New("invalid source descriptor")

// Element factory names used by the engine.
const (
	FactoryRTSPSrc       = "rtspsrc"
	FactoryVideoTestSrc  = "videotestsrc"
	FactoryTee           = "tee"
	FactoryQueue         = "queue"
	FactoryRTPH264Depay  = "rtph264depay"
	FactoryH264Parse     = "h264parse"
	FactoryX264Enc       = "x264enc"
	FactoryAvdecH264     = "avdec_h264"
	FactoryDecodeBin     = "decodebin"
	FactoryVideoConvert  = "videoconvert"
	FactoryAutoVideoSink = "autovideosink"
	FactoryFakeSink      = "fakesink"
	FactoryAppSink       = "appsink"
	FactorySplitMuxSink  = "splitmuxsink"
)

// Element message structure names posted by splitmuxsink.
const (
	StructureFragmentOpened = "splitmuxsink-fragment-opened"
	StructureFragmentClosed = "splitmuxsink-fragment-closed"
)

// State is the lifecycle state of a graph or element.
type State int

const (
	StateVoidPending State = iota
	StateNull
	StateReady
	StatePaused
	StatePlaying
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "void-pending"
	}
}

// SourceKind selects how a stream's source element is built.
type SourceKind string

const (
	// SourceLive pulls from a network camera URI.
	SourceLive SourceKind = "live"
	// SourceTest generates a synthetic test pattern.
	SourceTest SourceKind = "test"
)

// SourceDescriptor describes where a stream's media comes from.
type SourceDescriptor struct {
	Kind        SourceKind `json:"kind" doc:"Source kind (live or test)" enum:"live,test"`
	URI         string     `json:"uri,omitempty" doc:"Camera URI for live sources, test pattern name for test sources"`
	Name        string     `json:"name,omitempty" doc:"Display name"`
	Description string     `json:"description,omitempty" doc:"Free-form description"`
	CameraID    string     `json:"camera_id,omitempty" doc:"Camera the stream belongs to"`
}

var liveSchemes = map[string]bool{"rtsp": true, "rtsps": true, "rtspt": true, "http": true, "https": true}

// identifierPattern admits ids that are safe as a single path component and
// inside a printf segment pattern.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// ValidateIdentifier checks a stream or camera id. Ids become directory
// names under the recordings root, so separators, a leading dot and '%' are
// rejected.
func ValidateIdentifier(field, id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q may only contain letters, digits, '.', '_' and '-' and must not start with '.'",
			ErrInvalidSource, field, id)
	}
	return nil
}

// Validate checks the descriptor can be materialised.
func (d SourceDescriptor) Validate() error {
	if d.CameraID != "" {
		if err := ValidateIdentifier("camera id", d.CameraID); err != nil {
			return err
		}
	}
	switch d.Kind {
	case SourceLive:
		u, err := url.Parse(d.URI)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		if !liveSchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
			return fmt.Errorf("%w: unsupported uri %q", ErrInvalidSource, d.URI)
		}
	case SourceTest:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, d.Kind)
	}
	return nil
}

// Properties are element properties keyed by property name.
type Properties map[string]any

// MessageType classifies bus messages.
type MessageType int

const (
	MessageEOS MessageType = iota + 1
	MessageError
	MessageWarning
	MessageStateChanged
	MessageElement
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageStateChanged:
		return "state-changed"
	case MessageElement:
		return "element"
	default:
		return "unknown"
	}
}

// Message is an asynchronous notification posted on a graph's bus.
type Message struct {
	Type MessageType
	// Source is the name of the element or graph that posted the message.
	Source    string
	Err       error
	Debug     string
	OldState  State
	NewState  State
	Structure string
	Fields    map[string]any
	Timestamp time.Time
}

// Bus delivers messages from the media library's threads. Handlers run on
// those threads and must not block.
type Bus interface {
	Subscribe(handler func(*Message)) (unsubscribe func())
}

// PadDirection is the direction data flows through a pad.
type PadDirection int

const (
	PadSrc PadDirection = iota + 1
	PadSink
)

// Pad is a connection point on an element.
type Pad interface {
	Name() string
	Direction() PadDirection
	Peer() Pad
	// Link connects this src pad to a sink pad.
	Link(sink Pad) error
	Unlink(sink Pad) error
	// Block stops data flowing through the pad. It returns once no buffer is
	// in flight; calling unblock resumes the flow.
	Block() (unblock func(), err error)
	// SendEOS injects an end-of-stream event at this pad.
	SendEOS() error
}

// Element is a single processing node.
type Element interface {
	Name() string
	Factory() string
	SetProperty(name string, value any) error
	Property(name string) (any, bool)
	StaticPad(name string) (Pad, error)
	RequestPad(template string) (Pad, error)
	ReleaseRequestPad(pad Pad) error
	// Link connects this element's src to dst's sink.
	Link(dst Element) error
	SetState(state State) error
	State() State
	SyncStateWithParent() error
}

// Sample is one access unit delivered to an application sink.
type Sample struct {
	PTS      time.Duration
	DTS      time.Duration
	AU       [][]byte
	Keyframe bool
}

// Size returns the payload size in bytes.
func (s Sample) Size() int {
	n := 0
	for _, nalu := range s.AU {
		n += len(nalu)
	}
	return n
}

// SampleHandler receives samples on a media library thread.
type SampleHandler func(Sample)

// AppSink is an element that hands samples to the application.
type AppSink interface {
	Element
	SetSampleHandler(handler SampleHandler)
}

// Graph is a container of elements with a shared clock, state and bus.
type Graph interface {
	Name() string
	Add(elements ...Element) error
	Remove(elements ...Element) error
	Element(name string) (Element, bool)
	ElementCount() int
	SetState(state State) error
	State() State
	Bus() Bus
	// Position returns the running time of the graph.
	Position() (time.Duration, bool)
	// Close releases the graph. It must be in StateNull.
	Close() error
}

// Provider creates graphs and elements.
type Provider interface {
	Name() string
	NewGraph(name string) (Graph, error)
	NewElement(factory, name string, props Properties) (Element, error)
	// NewSource builds the source element for a descriptor.
	NewSource(desc SourceDescriptor, name string) (Element, error)
	Close() error
}
