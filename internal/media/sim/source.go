package sim

import (
	"sync"
	"time"

	"github.com/jmylchreest/argus/internal/media"
)

// Parameter sets and slice payloads for the synthetic H.264 stream. The
// slices carry filler bytes; only the NAL headers matter to consumers.
var (
	simSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9, 0x20,
	}
	simPPS = []byte{0x68, 0xcb, 0x8c, 0xb2}
)

const (
	idrSliceSize = 2048
	nonIDRSize   = 256
)

func fillerNALU(header byte, size int) []byte {
	b := make([]byte, size)
	b[0] = header
	for i := 1; i < size; i++ {
		b[i] = 0xaa
	}
	return b
}

// source generates access units on its own goroutine while Playing.
type source struct {
	element
	interval time.Duration
	gopSize  int

	run     sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	counter int64
}

func newSource(factory, name string, interval time.Duration, gop int) *source {
	e := &source{interval: interval, gopSize: gop}
	e.init(e, factory, name, false, true)
	return e
}

func (e *source) deliver(media.Sample) {}

func (e *source) endOfStream() {
	e.srcPad().pushEOS()
}

func (e *source) stateChanged(old, new media.State) {
	switch {
	case new == media.StatePlaying:
		e.start()
	case old == media.StatePlaying:
		e.halt()
	}
}

func (e *source) start() {
	e.run.Lock()
	defer e.run.Unlock()
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.loop(e.stop)
}

func (e *source) halt() {
	e.run.Lock()
	stop := e.stop
	e.stop = nil
	e.run.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	e.wg.Wait()
}

func (e *source) loop(stop <-chan struct{}) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	src := e.srcPad()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			src.push(e.nextSample())
		}
	}
}

// nextSample is only called from the streaming goroutine.
func (e *source) nextSample() media.Sample {
	n := e.counter
	e.counter++

	pts := time.Duration(n) * e.interval
	s := media.Sample{PTS: pts, DTS: pts}
	if e.gopSize <= 1 || n%int64(e.gopSize) == 0 {
		s.Keyframe = true
		s.AU = [][]byte{simSPS, simPPS, fillerNALU(0x65, idrSliceSize)}
	} else {
		s.AU = [][]byte{fillerNALU(0x41, nonIDRSize)}
	}
	return s
}
