// Package sim provides an in-process media provider. Sources generate a
// synthetic H.264 stream on their own goroutines, splitmuxsink writes real
// MPEG-TS segments, and every other processing element forwards buffers
// unchanged. It backs tests and machines without GStreamer.
package sim

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/argus/internal/media"
)

const (
	defaultFrameInterval = 40 * time.Millisecond
	defaultGOPSize       = 25
)

// Provider creates sim graphs and elements.
type Provider struct {
	frameInterval time.Duration
	gopSize       int
	logger        *slog.Logger
	seq           atomic.Uint64
	refuseFlow    map[string]bool
}

// NewProvider creates a provider producing 25fps with a one second GOP.
func NewProvider() *Provider {
	return &Provider{
		frameInterval: defaultFrameInterval,
		gopSize:       defaultGOPSize,
		logger:        slog.Default(),
	}
}

// WithLogger sets the logger.
func (p *Provider) WithLogger(logger *slog.Logger) *Provider {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithFrameInterval sets the time between generated frames.
func (p *Provider) WithFrameInterval(d time.Duration) *Provider {
	if d > 0 {
		p.frameInterval = d
	}
	return p
}

// WithGOPSize sets the number of frames between keyframes.
func (p *Provider) WithGOPSize(n int) *Provider {
	if n > 0 {
		p.gopSize = n
	}
	return p
}

// RefuseStateChanges makes elements of the given factories fail to leave
// Ready, the way a sink that cannot open its output does.
func (p *Provider) RefuseStateChanges(factories ...string) *Provider {
	if p.refuseFlow == nil {
		p.refuseFlow = make(map[string]bool, len(factories))
	}
	for _, f := range factories {
		p.refuseFlow[f] = true
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return "sim" }

// Close is a no-op.
func (p *Provider) Close() error { return nil }

func (p *Provider) autoName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, p.seq.Add(1)-1)
}

// NewGraph creates an empty graph in StateNull.
func (p *Provider) NewGraph(name string) (media.Graph, error) {
	if name == "" {
		name = p.autoName("pipeline")
	}
	return newGraph(name), nil
}

// NewElement creates an element of the given factory.
func (p *Provider) NewElement(factory, name string, props media.Properties) (media.Element, error) {
	if name == "" {
		name = p.autoName(factory)
	}

	var el node
	switch factory {
	case media.FactoryQueue, media.FactoryRTPH264Depay, media.FactoryH264Parse,
		media.FactoryX264Enc, media.FactoryAvdecH264, media.FactoryDecodeBin,
		media.FactoryVideoConvert:
		el = newPassthrough(factory, name)
	case media.FactoryTee:
		el = newTee(name)
	case media.FactoryFakeSink, media.FactoryAutoVideoSink:
		el = newFakeSink(factory, name)
	case media.FactoryAppSink:
		el = newAppSink(name)
	case media.FactorySplitMuxSink:
		el = newSplitMuxSink(name, p.logger)
	case media.FactoryRTSPSrc, media.FactoryVideoTestSrc:
		el = newSource(factory, name, p.frameInterval, p.gopSize)
	default:
		return nil, fmt.Errorf("%w: %s", media.ErrUnknownFactory, factory)
	}

	if p.refuseFlow[factory] {
		el.base().refuseFlow = true
	}
	for k, v := range props {
		if err := el.SetProperty(k, v); err != nil {
			return nil, fmt.Errorf("setting %s.%s: %w", name, k, err)
		}
	}
	return el, nil
}

// NewSource builds an rtspsrc for live descriptors and a videotestsrc for
// test descriptors.
func (p *Provider) NewSource(desc media.SourceDescriptor, name string) (media.Element, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	switch desc.Kind {
	case media.SourceLive:
		return p.NewElement(media.FactoryRTSPSrc, name, media.Properties{
			"location":  desc.URI,
			"protocols": 4,
			"latency":   200,
		})
	default:
		pattern := desc.URI
		if pattern == "" {
			pattern = "smpte"
		}
		return p.NewElement(media.FactoryVideoTestSrc, name, media.Properties{
			"pattern": pattern,
			"is-live": true,
		})
	}
}

var _ media.Provider = (*Provider)(nil)
var _ media.Graph = (*Graph)(nil)
var _ media.AppSink = (*appSink)(nil)
