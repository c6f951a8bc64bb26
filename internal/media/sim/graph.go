package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/argus/internal/media"
)

// Graph is an arena of named elements sharing a state and a bus.
type Graph struct {
	name string
	bus  *bus

	mu       sync.RWMutex
	elements map[string]node
	state    media.State
	playedAt time.Time
	running  time.Duration
}

func newGraph(name string) *Graph {
	return &Graph{
		name:     name,
		bus:      newBus(),
		elements: make(map[string]node),
		state:    media.StateNull,
	}
}

func (g *Graph) Name() string   { return g.name }
func (g *Graph) Bus() media.Bus { return g.bus }

func (g *Graph) post(msg *media.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	g.bus.post(msg)
}

// Add inserts elements. Either all are added or none.
func (g *Graph) Add(elements ...media.Element) error {
	nodes := make([]node, 0, len(elements))
	for _, el := range elements {
		n, ok := el.(node)
		if !ok {
			return fmt.Errorf("adding %s to %s: element does not belong to the sim provider", el.Name(), g.name)
		}
		if n.base().parent() != nil {
			return fmt.Errorf("adding %s to %s: element already has a parent", el.Name(), g.name)
		}
		nodes = append(nodes, n)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if _, exists := g.elements[n.Name()]; exists || seen[n.Name()] {
			return fmt.Errorf("adding %s to %s: name already in use", n.Name(), g.name)
		}
		seen[n.Name()] = true
	}
	for _, n := range nodes {
		g.elements[n.Name()] = n
		n.base().setParent(g)
	}
	return nil
}

// Remove unlinks and drops elements from the graph.
func (g *Graph) Remove(elements ...media.Element) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var missing []string
	for _, el := range elements {
		n, ok := g.elements[el.Name()]
		if !ok {
			missing = append(missing, el.Name())
			continue
		}
		for _, p := range n.base().allPads() {
			p.unlinkAny()
		}
		delete(g.elements, el.Name())
		n.base().setParent(nil)
	}
	if len(missing) > 0 {
		return fmt.Errorf("removing from %s: elements not found: %v", g.name, missing)
	}
	return nil
}

func (g *Graph) Element(name string) (media.Element, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.elements[name]
	if !ok {
		return nil, false
	}
	return n, true
}

func (g *Graph) ElementCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.elements)
}

// SetState moves the graph and all its elements to state. Sources are
// started last and stopped first.
func (g *Graph) SetState(state media.State) error {
	g.mu.Lock()
	old := g.state
	g.state = state
	switch {
	case state == media.StatePlaying && old != media.StatePlaying:
		g.playedAt = time.Now()
	case old == media.StatePlaying && state != media.StatePlaying:
		g.running += time.Since(g.playedAt)
	}
	if state <= media.StateReady {
		g.running = 0
	}
	var sources, others []node
	for _, n := range g.elements {
		if _, ok := n.(*source); ok {
			sources = append(sources, n)
		} else {
			others = append(others, n)
		}
	}
	g.mu.Unlock()

	var ordered []node
	if state < old {
		ordered = append(sources, others...)
	} else {
		ordered = append(others, sources...)
	}
	for _, n := range ordered {
		if err := n.SetState(state); err != nil {
			return fmt.Errorf("setting %s to %s: %w", n.Name(), state, err)
		}
	}

	if old != state {
		g.post(&media.Message{
			Type:     media.MessageStateChanged,
			Source:   g.name,
			OldState: old,
			NewState: state,
		})
	}
	return nil
}

func (g *Graph) State() media.State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Position returns the time spent Playing since the graph left Ready.
func (g *Graph) Position() (time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch g.state {
	case media.StatePlaying:
		return g.running + time.Since(g.playedAt), true
	case media.StatePaused:
		return g.running, true
	}
	return 0, false
}

// Close releases the bus. The graph must be in Null.
func (g *Graph) Close() error {
	if s := g.State(); s != media.StateNull {
		return fmt.Errorf("closing %s: graph is %s", g.name, s)
	}
	g.bus.close()
	return nil
}

// InjectError posts an error message as if element had failed.
func (g *Graph) InjectError(element string, err error) {
	g.post(&media.Message{
		Type:   media.MessageError,
		Source: element,
		Err:    fmt.Errorf("%s: %w: %w", element, media.ErrPrimitiveRuntime, err),
		Debug:  "injected",
	})
}
