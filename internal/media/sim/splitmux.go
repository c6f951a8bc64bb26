package sim

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/jmylchreest/argus/internal/media"
)

// splitMuxSink writes MPEG-TS segments to location (a printf pattern taking
// the fragment index). A new fragment is started on the first keyframe past
// max-size-time.
type splitMuxSink struct {
	element
	logger *slog.Logger

	wmu      sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	ts       *tsWriter
	index    int
	started  time.Duration
	location string
	done     bool
}

func newSplitMuxSink(name string, logger *slog.Logger) *splitMuxSink {
	e := &splitMuxSink{logger: logger}
	e.init(e, media.FactorySplitMuxSink, name, true, false)
	return e
}

func (e *splitMuxSink) deliver(s media.Sample) {
	if !e.flowing() {
		return
	}
	keyframe := s.Keyframe || h264.IsRandomAccess(s.AU)

	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.done {
		return
	}

	if e.file == nil {
		if !keyframe {
			return
		}
		if err := e.openFragment(s.PTS); err != nil {
			e.fail(err)
			return
		}
	} else if limit := e.durationProp("max-size-time"); limit > 0 && keyframe && s.PTS-e.started >= limit {
		if err := e.closeFragment(s.PTS); err != nil {
			e.fail(err)
			return
		}
		if err := e.openFragment(s.PTS); err != nil {
			e.fail(err)
			return
		}
	}

	if err := e.ts.write(s); err != nil {
		e.fail(fmt.Errorf("writing %s: %w", e.location, err))
	}
}

func (e *splitMuxSink) openFragment(pts time.Duration) error {
	pattern := e.stringProp("location", "")
	if pattern == "" {
		return fmt.Errorf("no location set")
	}
	location := fmt.Sprintf(pattern, e.index)
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return fmt.Errorf("creating segment directory: %w", err)
	}
	f, err := os.Create(location)
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	buf := bufio.NewWriterSize(f, 64*1024)
	ts, err := newTSWriter(buf)
	if err != nil {
		_ = f.Close()
		return err
	}

	e.file, e.buf, e.ts = f, buf, ts
	e.location = location
	e.started = pts
	e.index++

	e.post(&media.Message{
		Type:      media.MessageElement,
		Structure: media.StructureFragmentOpened,
		Fields:    map[string]any{"location": location, "running-time": pts},
	})
	return nil
}

func (e *splitMuxSink) closeFragment(pts time.Duration) error {
	if e.file == nil {
		return nil
	}
	location := e.location
	flushErr := e.buf.Flush()
	closeErr := e.file.Close()
	e.file, e.buf, e.ts = nil, nil, nil

	e.post(&media.Message{
		Type:      media.MessageElement,
		Structure: media.StructureFragmentClosed,
		Fields:    map[string]any{"location": location, "running-time": pts},
	})
	if flushErr != nil {
		return fmt.Errorf("flushing %s: %w", location, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", location, closeErr)
	}
	return nil
}

// fail stops the sink after a write error. Called with wmu held.
func (e *splitMuxSink) fail(err error) {
	e.done = true
	if e.file != nil {
		_ = e.file.Close()
		e.file, e.buf, e.ts = nil, nil, nil
	}
	e.logger.Error("splitmuxsink failed", slog.String("element", e.name), slog.String("error", err.Error()))
	e.postError(err, "splitmuxsink write failure")
}

func (e *splitMuxSink) endOfStream() {
	e.wmu.Lock()
	var err error
	if !e.done {
		err = e.closeFragment(e.started)
		e.done = true
	}
	e.wmu.Unlock()

	if err != nil {
		e.postError(err, "finalising last fragment")
		return
	}
	e.postEOS()
}

func (e *splitMuxSink) stateChanged(_, new media.State) {
	if new > media.StateReady {
		return
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := e.closeFragment(e.started); err != nil {
		e.logger.Warn("closing fragment on state change",
			slog.String("element", e.name), slog.String("error", err.Error()))
	}
	e.done = false
	e.index = 0
}
