package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface checks.
var (
	_ Transport = (*MemoryTransport)(nil)
	_ Channel   = (*memoryChannel)(nil)
)

const memoryInboxSize = 1024

// MemoryNetwork links MemoryTransports in one process. Devices can be taken
// offline to simulate connectivity loss: their channels drop to
// disconnected and new negotiations involving them time out.
type MemoryNetwork struct {
	mu         sync.Mutex
	transports map[string]*MemoryTransport
	offline    map[string]bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[string]*MemoryTransport),
		offline:    make(map[string]bool),
	}
}

// NewTransport registers deviceID on the network.
func (n *MemoryNetwork) NewTransport(deviceID string) *MemoryTransport {
	t := &MemoryTransport{
		network:  n,
		id:       deviceID,
		channels: make(map[*memoryChannel]struct{}),
	}

	n.mu.Lock()
	n.transports[deviceID] = t
	n.mu.Unlock()
	return t
}

// SetOnline changes the reachability of deviceID.
func (n *MemoryNetwork) SetOnline(deviceID string, online bool) {
	n.mu.Lock()
	if online {
		delete(n.offline, deviceID)
		n.mu.Unlock()
		return
	}
	n.offline[deviceID] = true
	transports := make([]*MemoryTransport, 0, len(n.transports))
	for _, t := range n.transports {
		transports = append(transports, t)
	}
	n.mu.Unlock()

	for _, t := range transports {
		for _, ch := range t.snapshot() {
			if t.id == deviceID || ch.remoteID == deviceID {
				ch.setState(StateDisconnected)
			}
		}
	}
}

// MemoryTransport is an in-process Transport for tests and local demos.
type MemoryTransport struct {
	network *MemoryNetwork
	id      string

	mu       sync.Mutex
	handler  Handler
	channels map[*memoryChannel]struct{}
	closed   bool
}

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Open(ctx context.Context, remoteID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiationTimeout, err)
	}

	n := t.network
	n.mu.Lock()
	remote := n.transports[remoteID]
	unreachable := n.offline[t.id] || n.offline[remoteID]
	n.mu.Unlock()

	switch {
	case unreachable:
		return nil, fmt.Errorf("%w: %s unreachable", ErrNegotiationTimeout, remoteID)
	case remote == nil:
		return nil, fmt.Errorf("%w: unknown device %s", ErrNegotiationFailed, remoteID)
	}

	local := newMemoryChannel(t, remoteID)
	far := newMemoryChannel(remote, t.id)
	local.peer, far.peer = far, local

	if !t.add(local) {
		return nil, ErrClosed
	}
	if !remote.add(far) {
		t.remove(local)
		return nil, fmt.Errorf("%w: %s closed", ErrNegotiationFailed, remoteID)
	}

	go local.pump()
	remote.handlerOrNop().HandleChannel(far)
	go far.pump()

	return local, nil
}

// HandleHandshake is a no-op: memory channels need no negotiation.
func (t *MemoryTransport) HandleHandshake(context.Context, string, []byte) error {
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	for _, ch := range t.snapshot() {
		ch.Close()
	}

	t.network.mu.Lock()
	if t.network.transports[t.id] == t {
		delete(t.network.transports, t.id)
	}
	t.network.mu.Unlock()
	return nil
}

func (t *MemoryTransport) add(ch *memoryChannel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.channels[ch] = struct{}{}
	return true
}

func (t *MemoryTransport) remove(ch *memoryChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

func (t *MemoryTransport) snapshot() []*memoryChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	channels := make([]*memoryChannel, 0, len(t.channels))
	for ch := range t.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (t *MemoryTransport) handlerOrNop() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nopHandler{}
	}
	return t.handler
}

type memoryChannel struct {
	owner    *MemoryTransport
	remoteID string
	peer     *memoryChannel
	inbox    chan []byte
	done     chan struct{}

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func newMemoryChannel(owner *MemoryTransport, remoteID string) *memoryChannel {
	return &memoryChannel{
		owner:    owner,
		remoteID: remoteID,
		inbox:    make(chan []byte, memoryInboxSize),
		done:     make(chan struct{}),
		state:    StateConnected,
	}
}

func (c *memoryChannel) RemoteID() string { return c.remoteID }

func (c *memoryChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *memoryChannel) Send(data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case c.peer.inbox <- buf:
		return nil
	case <-c.peer.done:
		return ErrNotConnected
	}
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		c.owner.remove(c)
		if c.peer != nil {
			c.peer.setState(StateClosed)
		}
	})
	return nil
}

func (c *memoryChannel) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.owner.handlerOrNop().HandleState(c, state)
}

func (c *memoryChannel) pump() {
	for {
		select {
		case data := <-c.inbox:
			c.owner.handlerOrNop().HandleMessage(c, data)
		case <-c.done:
			return
		}
	}
}

type nopHandler struct{}

func (nopHandler) HandleChannel(Channel)         {}
func (nopHandler) HandleMessage(Channel, []byte) {}
func (nopHandler) HandleState(Channel, State)    {}
