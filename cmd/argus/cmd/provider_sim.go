//go:build !gstreamer

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/argus/internal/config"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/media/sim"
)

// newProvider returns the media provider selected by configuration. This
// build carries only the simulated provider.
func newProvider(cfg config.MediaConfig, logger *slog.Logger) (media.Provider, error) {
	if cfg.Provider == config.ProviderGStreamer {
		return nil, fmt.Errorf("media provider %q requires a build with -tags gstreamer", cfg.Provider)
	}
	return sim.NewProvider().
		WithLogger(logger).
		WithFrameInterval(cfg.FrameInterval).
		WithGOPSize(cfg.GOPSize), nil
}
