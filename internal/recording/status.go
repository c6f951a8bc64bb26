package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/argus/internal/models"
)

// RecordingStatus is the live view of one active recording.
type RecordingStatus struct {
	RecordingID   models.ULID      `json:"recording_id"`
	Key           string           `json:"key"`
	StreamID      string           `json:"stream_id"`
	CameraID      string           `json:"camera_id"`
	ScheduleID    *models.ULID     `json:"schedule_id,omitempty"`
	BranchID      string           `json:"branch_id"`
	EventKind     models.EventKind `json:"event_kind"`
	Trigger       string           `json:"trigger"`
	StartTime     time.Time        `json:"start_time"`
	Duration      float64          `json:"duration" doc:"Elapsed seconds since the recording started"`
	RunningTime   float64          `json:"running_time" doc:"Seconds the stream graph has been playing, 0 when unknown"`
	FilePath      string           `json:"file_path"`
	FileSize      int64            `json:"file_size"`
	SegmentCount  int              `json:"segment_count"`
	PipelineState string           `json:"pipeline_state"`
}

// Status returns the active set enriched with a filesystem and graph query
// per recording. A recording stopped concurrently is simply absent.
func (m *Manager) Status() []RecordingStatus {
	active := m.Active()
	now := time.Now().UTC()

	out := make([]RecordingStatus, 0, len(active))
	for _, a := range active {
		st := RecordingStatus{
			RecordingID:   a.RecordingID,
			Key:           a.Key,
			StreamID:      a.StreamID,
			CameraID:      a.CameraID,
			ScheduleID:    a.ScheduleID,
			BranchID:      a.BranchID,
			EventKind:     a.EventKind,
			Trigger:       a.Trigger,
			StartTime:     a.StartTime,
			Duration:      now.Sub(a.StartTime).Seconds(),
			FilePath:      a.FilePath,
			PipelineState: "unknown",
		}
		if size, n, err := segmentStats(a.pattern); err == nil {
			st.FileSize, st.SegmentCount = size, n
		}
		if graph, _, err := m.fanout.StreamAccess(a.StreamID); err == nil {
			st.PipelineState = graph.State().String()
			if pos, ok := graph.Position(); ok {
				st.RunningTime = pos.Seconds()
			}
		}
		out = append(out, st)
	}
	return out
}

// segmentGlob turns a printf segment pattern into a glob: each integer verb
// becomes '*' and '%%' becomes a literal '%'.
func segmentGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i+1 == len(pattern) {
			b.WriteByte(c)
			continue
		}
		if pattern[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		j := i + 1
		for j < len(pattern) && pattern[j] >= '0' && pattern[j] <= '9' {
			j++
		}
		if j < len(pattern) && pattern[j] == 'd' {
			b.WriteByte('*')
			i = j
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// segmentStats returns the total size and number of segment files written
// for a pattern.
func segmentStats(pattern string) (int64, int, error) {
	if pattern == "" {
		return 0, 0, nil
	}
	files, err := filepath.Glob(segmentGlob(pattern))
	if err != nil {
		return 0, 0, fmt.Errorf("listing segments: %w", err)
	}
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return 0, 0, fmt.Errorf("stat %s: %w", f, err)
		}
		total += info.Size()
	}
	return total, len(files), nil
}

// SegmentFiles lists the segment files of a recording.
func SegmentFiles(rec *models.Recording) ([]string, error) {
	pattern := rec.SegmentPattern
	if pattern == "" {
		if rec.FilePath == "" {
			return nil, nil
		}
		return []string{rec.FilePath}, nil
	}
	return filepath.Glob(segmentGlob(pattern))
}
