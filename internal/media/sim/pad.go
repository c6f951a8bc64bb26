package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmylchreest/argus/internal/media"
)

var (
	errForeignPad    = errors.New("pad does not belong to the sim provider")
	errAlreadyLinked = errors.New("pad already linked")
	errNotLinked     = errors.New("pads not linked")
	errWrongGraph    = errors.New("elements are not in the same graph")
)

type pad struct {
	name    string
	dir     media.PadDirection
	owner   node
	request bool

	mu      sync.Mutex
	peer    *pad
	blocked bool

	// flow is held for reading while a buffer crosses the pad; Block takes
	// it for writing to wait out in-flight buffers.
	flow sync.RWMutex
}

func newPad(owner node, name string, dir media.PadDirection) *pad {
	return &pad{name: name, dir: dir, owner: owner}
}

func (p *pad) Name() string                  { return p.name }
func (p *pad) Direction() media.PadDirection { return p.dir }

func (p *pad) Peer() media.Pad {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer == nil {
		return nil
	}
	return p.peer
}

func (p *pad) String() string {
	return p.owner.Name() + ":" + p.name
}

func asPad(other media.Pad) (*pad, error) {
	if other == nil {
		return nil, errForeignPad
	}
	s, ok := other.(*pad)
	if !ok {
		return nil, errForeignPad
	}
	return s, nil
}

// Link connects this src pad to a sink pad.
func (p *pad) Link(sink media.Pad) error {
	s, err := asPad(sink)
	if err != nil {
		return err
	}
	if p.dir != media.PadSrc || s.dir != media.PadSink {
		return fmt.Errorf("linking %s to %s: wrong pad directions", p, s)
	}
	pg, sg := p.owner.base().parent(), s.owner.base().parent()
	if pg == nil || pg != sg {
		return fmt.Errorf("linking %s to %s: %w", p, s, errWrongGraph)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.peer != nil || s.peer != nil {
		return fmt.Errorf("linking %s to %s: %w", p, s, errAlreadyLinked)
	}
	p.peer = s
	s.peer = p
	return nil
}

// Unlink disconnects this src pad from sink.
func (p *pad) Unlink(sink media.Pad) error {
	s, err := asPad(sink)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.peer != s {
		return fmt.Errorf("unlinking %s from %s: %w", p, s, errNotLinked)
	}
	p.peer = nil
	s.peer = nil
	return nil
}

// unlinkAny drops the link on either side of p.
func (p *pad) unlinkAny() {
	peer := p.Peer()
	if peer == nil {
		return
	}
	if p.dir == media.PadSrc {
		_ = p.Unlink(peer)
	} else {
		_ = peer.Unlink(p)
	}
}

// Block drops buffers at this src pad until unblocked.
func (p *pad) Block() (func(), error) {
	if p.dir != media.PadSrc {
		return nil, fmt.Errorf("blocking %s: only src pads can be blocked", p)
	}
	p.mu.Lock()
	p.blocked = true
	p.mu.Unlock()

	p.flow.Lock()
	p.flow.Unlock() //nolint:staticcheck // waits for in-flight buffers

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.blocked = false
			p.mu.Unlock()
		})
	}, nil
}

// SendEOS delivers end-of-stream to the element downstream of this pad.
func (p *pad) SendEOS() error {
	switch p.dir {
	case media.PadSink:
		p.owner.endOfStream()
	case media.PadSrc:
		p.pushEOS()
	}
	return nil
}

func (p *pad) push(s media.Sample) {
	p.flow.RLock()
	defer p.flow.RUnlock()

	p.mu.Lock()
	peer, blocked := p.peer, p.blocked
	p.mu.Unlock()
	if blocked || peer == nil {
		return
	}
	peer.owner.deliver(s)
}

func (p *pad) pushEOS() {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer != nil {
		peer.owner.endOfStream()
	}
}
