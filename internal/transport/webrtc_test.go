package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackRelays hands handshakes straight to the target transport, the
// way the signaling relay would.
type loopbackRelays struct {
	mu         sync.Mutex
	transports map[string]Transport
	dropped    map[string]bool
}

func newLoopbackRelays() *loopbackRelays {
	return &loopbackRelays{
		transports: make(map[string]Transport),
		dropped:    make(map[string]bool),
	}
}

func (l *loopbackRelays) add(id string, t Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transports[id] = t
}

// drop silently discards everything addressed to id.
func (l *loopbackRelays) drop(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped[id] = true
}

func (l *loopbackRelays) from(id string) Relay {
	return relayFunc(func(ctx context.Context, to string, payload []byte) error {
		l.mu.Lock()
		target, dropped := l.transports[to], l.dropped[to]
		l.mu.Unlock()

		if target == nil || dropped {
			return nil
		}
		go target.HandleHandshake(context.Background(), id, payload)
		return nil
	})
}

type relayFunc func(ctx context.Context, to string, payload []byte) error

func (f relayFunc) ExchangeHandshake(ctx context.Context, to string, payload []byte) error {
	return f(ctx, to, payload)
}

func newWebRTCPair(t *testing.T, timeout time.Duration) (*loopbackRelays, *WebRTCTransport, *recorder, *WebRTCTransport, *recorder) {
	t.Helper()
	relays := newLoopbackRelays()

	// Empty ICE config means host candidates only (loopback).
	a := NewWebRTCTransport("dev-a", relays.from("dev-a"), ICEConfig{}, timeout, logger.Nop())
	b := NewWebRTCTransport("dev-b", relays.from("dev-b"), ICEConfig{}, timeout, logger.Nop())
	ra, rb := newRecorder(), newRecorder()
	a.SetHandler(ra)
	b.SetHandler(rb)
	relays.add("dev-a", a)
	relays.add("dev-b", b)

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return relays, a, ra, b, rb
}

func TestWebRTCTransport_OpenAndExchange(t *testing.T) {
	_, a, ra, _, rb := newWebRTCPair(t, 20*time.Second)

	ch, err := a.Open(context.Background(), "dev-b")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, ch.State())

	require.Eventually(t, func() bool { return len(rb.inbound()) == 1 }, 10*time.Second, 10*time.Millisecond)
	back := rb.inbound()[0]
	assert.Equal(t, "dev-a", back.RemoteID())

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, ch.Send([]byte(msg)))
	}
	require.Eventually(t, func() bool { return len(rb.received("dev-a")) == 3 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, rb.received("dev-a"))

	require.NoError(t, back.Send([]byte("pong")))
	require.Eventually(t, func() bool { return len(ra.received("dev-b")) == 1 }, 10*time.Second, 10*time.Millisecond)
}

func TestWebRTCTransport_NoAnswerTimesOut(t *testing.T) {
	relays, a, _, _, _ := newWebRTCPair(t, 500*time.Millisecond)
	relays.drop("dev-b")

	_, err := a.Open(context.Background(), "dev-b")

	assert.ErrorIs(t, err, ErrNegotiationTimeout)
}

func TestWebRTCTransport_RejectFails(t *testing.T) {
	_, a, _, b, _ := newWebRTCPair(t, 10*time.Second)
	require.NoError(t, b.Close())

	_, err := a.Open(context.Background(), "dev-b")

	assert.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestWebRTCTransport_CloseReportsClosed(t *testing.T) {
	_, a, _, _, rb := newWebRTCPair(t, 20*time.Second)

	ch, err := a.Open(context.Background(), "dev-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rb.inbound()) == 1 }, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Close())

	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Send([]byte("late")), ErrNotConnected)
	require.Eventually(t, func() bool {
		return rb.inbound()[0].State() != StateConnected
	}, 30*time.Second, 50*time.Millisecond)
}

func TestWebRTCTransport_OpenAfterClose(t *testing.T) {
	_, a, _, _, _ := newWebRTCPair(t, time.Second)
	require.NoError(t, a.Close())

	_, err := a.Open(context.Background(), "dev-b")

	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebRTCTransport_StaleAnswerIgnored(t *testing.T) {
	_, a, _, _, _ := newWebRTCPair(t, time.Second)

	payload, err := json.Marshal(handshake{Kind: handshakeAnswer, SDP: "v=0"})
	require.NoError(t, err)

	assert.NoError(t, a.HandleHandshake(context.Background(), "dev-z", payload))
	assert.Error(t, a.HandleHandshake(context.Background(), "dev-z", []byte(`{"kind":"bogus"}`)))
	assert.Error(t, a.HandleHandshake(context.Background(), "dev-z", []byte(`not json`)))
}

func TestICEConfigFromURLs(t *testing.T) {
	assert.Empty(t, ICEConfigFromURLs(nil).Servers)

	cfg := ICEConfigFromURLs([]string{"stun:stun.l.google.com:19302"})
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Servers[0].URLs)
}
