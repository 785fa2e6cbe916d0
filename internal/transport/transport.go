// Package transport opens direct, ordered, reliable channels between two
// devices.
//
// [Transport] negotiates channels: [Transport.Open] dials a remote device
// and [Transport.HandleHandshake] consumes the handshake payloads the remote
// side relays through signaling. Inbound channels, received messages and
// channel state changes reach the owner through a [Handler]. The transport
// reports states; deciding what a state change means for the room is the
// caller's job.
//
// [WebRTCTransport] runs over pion/webrtc data channels with vanilla ICE.
// [MemoryTransport] connects transports created from the same
// [MemoryNetwork] in-process and can simulate connectivity loss.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNegotiationTimeout means no usable path was found in time.
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	// ErrNegotiationFailed means the remote rejected the connection.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrNotConnected is returned by Send on a channel that is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after the transport was closed.
	ErrClosed = errors.New("transport closed")
)

// State is the lifecycle of one channel.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Channel is a bidirectional message channel to one remote device.
type Channel interface {
	RemoteID() string
	State() State
	// Send delivers data in order relative to other sends on this channel.
	// It fails immediately with ErrNotConnected unless the channel is
	// connected.
	Send(data []byte) error
	// Close releases the channel. Safe to call more than once.
	Close() error
}

// Handler receives the events of every channel a transport owns.
type Handler interface {
	// HandleChannel is called once an inbound channel is usable.
	HandleChannel(ch Channel)
	HandleMessage(ch Channel, data []byte)
	HandleState(ch Channel, state State)
}

// Relay carries handshake payloads to a remote device.
type Relay interface {
	ExchangeHandshake(ctx context.Context, to string, payload []byte) error
}

// Transport opens and accepts channels.
type Transport interface {
	// SetHandler installs the event sink. It must be called before Open.
	SetHandler(h Handler)
	// Open negotiates a channel to remoteID and returns it once connected.
	Open(ctx context.Context, remoteID string) (Channel, error)
	// HandleHandshake consumes a payload relayed from device from.
	HandleHandshake(ctx context.Context, from string, payload []byte) error
	// Close tears down every channel.
	Close() error
}
