package sim

import (
	"sync"

	"github.com/jmylchreest/argus/internal/media"
)

// bus is an unbounded message queue drained by one dispatcher goroutine.
// Posting never blocks the streaming goroutine that posts.
type bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*media.Message
	subs   map[uint64]func(*media.Message)
	nextID uint64
	closed bool
	done   chan struct{}
}

func newBus() *bus {
	b := &bus{
		subs: make(map[uint64]func(*media.Message)),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers a handler called for every message posted after it.
func (b *bus) Subscribe(handler func(*media.Message)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) post(msg *media.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, msg)
	b.cond.Signal()
}

func (b *bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		msg := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		handlers := make([]func(*media.Message), 0, len(b.subs))
		for _, h := range b.subs {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}

// close delivers what is queued and stops the dispatcher.
func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}
