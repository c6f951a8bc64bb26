//go:build gstreamer

package cmd

import (
	"log/slog"

	"github.com/jmylchreest/argus/internal/config"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/media/gst"
	"github.com/jmylchreest/argus/internal/media/sim"
)

// newProvider returns the media provider selected by configuration.
func newProvider(cfg config.MediaConfig, logger *slog.Logger) (media.Provider, error) {
	if cfg.Provider == config.ProviderGStreamer {
		return gst.NewProvider().WithLogger(logger), nil
	}
	return sim.NewProvider().
		WithLogger(logger).
		WithFrameInterval(cfg.FrameInterval).
		WithGOPSize(cfg.GOPSize), nil
}
