package sim

import (
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/argus/internal/media"
)

const tsVideoPID = 0x0100

// tsWriter muxes H.264 access units into MPEG-TS.
type tsWriter struct {
	muxer *mpegts.Writer
	track *mpegts.Track

	sps []byte
	pps []byte
}

func newTSWriter(w io.Writer) (*tsWriter, error) {
	track := &mpegts.Track{PID: tsVideoPID, Codec: &mpegts.CodecH264{}}
	muxer := &mpegts.Writer{W: w, Tracks: []*mpegts.Track{track}}
	if err := muxer.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}
	return &tsWriter{muxer: muxer, track: track}, nil
}

// toTS converts a running time to the 90kHz MPEG-TS clock.
func toTS(d time.Duration) int64 {
	return int64(d) * 90000 / int64(time.Second)
}

// write muxes one access unit, making sure every IDR carries SPS/PPS so
// each segment decodes on its own.
func (t *tsWriter) write(s media.Sample) error {
	hasSPS, hasPPS, idr := false, false, false
	for _, nalu := range s.AU {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS:
			t.sps, hasSPS = nalu, true
		case h264.NALUTypePPS:
			t.pps, hasPPS = nalu, true
		case h264.NALUTypeIDR:
			idr = true
		}
	}

	au := s.AU
	if idr && (!hasSPS || !hasPPS) && t.sps != nil && t.pps != nil {
		au = append([][]byte{t.sps, t.pps}, stripParams(s.AU)...)
	}
	return t.muxer.WriteH264(t.track, toTS(s.PTS), toTS(s.DTS), au)
}

func stripParams(au [][]byte) [][]byte {
	out := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1f) {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			continue
		}
		out = append(out, nalu)
	}
	return out
}
