package raft

import (
	"context"
	"sync"
)

// MessageHandler receives messages addressed to the local server.
type MessageHandler func(m *Message)

// RPC delivers messages between servers. Delivery is best effort: messages
// may be lost, but messages from one sender to one receiver are delivered in
// the order they were sent.
type RPC interface {
	// Send delivers m to the given server. Failures are reported as
	// ErrUnreachable and are never fatal.
	Send(ctx context.Context, to ServerID, m *Message) error
	// Listen starts delivering received messages to handler.
	Listen(handler MessageHandler) error
	// AddServer is called when a server joins the configuration. info is
	// the ServerAddress.Info of the member.
	AddServer(id ServerID, info []byte)
	// RemoveServer is called when a server leaves the configuration.
	RemoveServer(id ServerID)
	// Close shuts down the transport.
	Close() error
}

// InMemoryNetwork connects in-process transports. Links between servers can
// be cut to simulate partitions.
type InMemoryNetwork struct {
	transports map[ServerID]*InMemoryTransport
	// Directed links that drop messages.
	cut map[[2]ServerID]struct{}
	mu  sync.RWMutex
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[ServerID]*InMemoryTransport),
		cut:        make(map[[2]ServerID]struct{}),
	}
}

// NewTransport creates a new in-memory transport for a server.
func (n *InMemoryNetwork) NewTransport(id ServerID) *InMemoryTransport {
	t := &InMemoryTransport{
		id:      id,
		network: n,
		known:   make(map[ServerID][]byte),
	}

	n.mu.Lock()
	n.transports[id] = t
	n.mu.Unlock()

	return t
}

// Disconnect drops messages between a and b in both directions.
func (n *InMemoryNetwork) Disconnect(a, b ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]ServerID{a, b}] = struct{}{}
	n.cut[[2]ServerID{b, a}] = struct{}{}
}

// Connect restores the link between a and b.
func (n *InMemoryNetwork) Connect(a, b ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]ServerID{a, b})
	delete(n.cut, [2]ServerID{b, a})
}

// Isolate cuts id off from every other server.
func (n *InMemoryNetwork) Isolate(id ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		if other != id {
			n.cut[[2]ServerID{id, other}] = struct{}{}
			n.cut[[2]ServerID{other, id}] = struct{}{}
		}
	}
}

// Partition splits the network into the given groups. Servers in different
// groups cannot talk to each other.
func (n *InMemoryNetwork) Partition(groups ...[]ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	group := make(map[ServerID]int)
	for i, g := range groups {
		for _, id := range g {
			group[id] = i
		}
	}
	for a := range n.transports {
		for b := range n.transports {
			if a != b && group[a] != group[b] {
				n.cut[[2]ServerID{a, b}] = struct{}{}
			}
		}
	}
}

// Heal restores every link.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]ServerID]struct{})
}

func (n *InMemoryNetwork) deliver(from, to ServerID, m *Message) error {
	n.mu.RLock()
	_, cut := n.cut[[2]ServerID{from, to}]
	peer, ok := n.transports[to]
	n.mu.RUnlock()
	if cut || !ok {
		return ErrUnreachable
	}

	peer.mu.RLock()
	handler := peer.handler
	closed := peer.closed
	peer.mu.RUnlock()
	if closed || handler == nil {
		return ErrUnreachable
	}
	handler(m)
	return nil
}

// InMemoryTransport implements RPC for testing.
type InMemoryTransport struct {
	id      ServerID
	network *InMemoryNetwork
	handler MessageHandler
	known   map[ServerID][]byte
	closed  bool
	mu      sync.RWMutex
}

// Send implements RPC.
func (t *InMemoryTransport) Send(ctx context.Context, to ServerID, m *Message) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.network.deliver(t.id, to, m)
}

// Listen implements RPC.
func (t *InMemoryTransport) Listen(handler MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	t.closed = false
	return nil
}

// AddServer implements RPC.
func (t *InMemoryTransport) AddServer(id ServerID, info []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[id] = append([]byte(nil), info...)
}

// RemoveServer implements RPC.
func (t *InMemoryTransport) RemoveServer(id ServerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.known, id)
}

// Known returns the servers announced through AddServer.
func (t *InMemoryTransport) Known() map[ServerID][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ServerID][]byte, len(t.known))
	for id, info := range t.known {
		out[id] = info
	}
	return out
}

// Close implements RPC.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}
