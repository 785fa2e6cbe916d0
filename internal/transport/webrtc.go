package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Transport = (*WebRTCTransport)(nil)
	_ Channel   = (*webrtcChannel)(nil)
)

// DefaultNegotiationTimeout bounds one Open call.
const DefaultNegotiationTimeout = 30 * time.Second

const dataChannelLabel = "matchsync"

// handshakeKind names the payloads exchanged through the relay.
type handshakeKind string

const (
	handshakeOffer  handshakeKind = "offer"
	handshakeAnswer handshakeKind = "answer"
	handshakeReject handshakeKind = "reject"
)

// handshake is the opaque payload relayed by signaling. SDPs are complete
// (vanilla ICE), so one offer and one answer establish a channel.
type handshake struct {
	Kind   handshakeKind `json:"kind"`
	SDP    string        `json:"sdp,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// ICEConfig holds the STUN/TURN servers used during candidate gathering.
// An empty config gathers host candidates only.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig of credential-less STUN servers.
func ICEConfigFromURLs(urls []string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: urls}}}
}

// WebRTCTransport runs channels over pion data channels, one
// PeerConnection per remote device. Handshakes travel through the Relay.
type WebRTCTransport struct {
	localID string
	relay   Relay
	log     *logger.Logger
	timeout time.Duration
	api     *webrtc.API
	config  webrtc.Configuration

	mu       sync.Mutex
	handler  Handler
	channels map[string]*webrtcChannel
	closed   bool
}

// NewWebRTCTransport creates a transport for localID. A zero timeout uses
// DefaultNegotiationTimeout.
func NewWebRTCTransport(localID string, relay Relay, ice ICEConfig, timeout time.Duration, log *logger.Logger) *WebRTCTransport {
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}

	// Loopback candidates make same-machine peers and tests work.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &WebRTCTransport{
		localID:  localID,
		relay:    relay,
		log:      log,
		timeout:  timeout,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config:   webrtc.Configuration{ICEServers: ice.Servers},
		channels: make(map[string]*webrtcChannel),
	}
}

func (wt *WebRTCTransport) SetHandler(h Handler) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	wt.handler = h
}

// Open creates a PeerConnection, relays an offer and waits for the answer
// and for the data channel to open.
func (wt *WebRTCTransport) Open(ctx context.Context, remoteID string) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, wt.timeout)
	defer cancel()

	pc, err := wt.api.NewPeerConnection(wt.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	ch := wt.newChannel(remoteID, pc, true)
	if !wt.register(ch) {
		pc.Close()
		return nil, ErrClosed
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	ch.attach(dc)

	sdp, err := wt.describe(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateOffer(nil) })
	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := wt.sendHandshake(ctx, remoteID, handshake{Kind: handshakeOffer, SDP: sdp}); err != nil {
		ch.Close()
		return nil, err
	}
	wt.log.Debug().Str("peer", remoteID).Msg("offer relayed")

	var answer handshake
	select {
	case answer = <-ch.answers:
	case <-ch.done:
		return nil, fmt.Errorf("%w: channel to %s closed", ErrNegotiationFailed, remoteID)
	case <-ctx.Done():
		ch.Close()
		return nil, fmt.Errorf("%w: no answer from %s", ErrNegotiationTimeout, remoteID)
	}

	if answer.Kind == handshakeReject {
		ch.Close()
		return nil, fmt.Errorf("%w: %s rejected: %s", ErrNegotiationFailed, remoteID, answer.Reason)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: setting remote description: %w", ErrNegotiationFailed, err)
	}

	select {
	case <-ch.opened:
	case <-ch.done:
		return nil, fmt.Errorf("%w: channel to %s closed", ErrNegotiationFailed, remoteID)
	case <-ctx.Done():
		ch.Close()
		return nil, fmt.Errorf("%w: data channel to %s did not open", ErrNegotiationTimeout, remoteID)
	}

	wt.log.Info().Str("peer", remoteID).Msg("outbound channel connected")
	return ch, nil
}

// HandleHandshake answers offers and completes pending Opens. Payloads for
// negotiations that no longer exist are dropped.
func (wt *WebRTCTransport) HandleHandshake(ctx context.Context, from string, payload []byte) error {
	var hs handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return fmt.Errorf("decoding handshake from %s: %w", from, err)
	}

	switch hs.Kind {
	case handshakeOffer:
		return wt.answerOffer(ctx, from, hs.SDP)
	case handshakeAnswer, handshakeReject:
		wt.mu.Lock()
		ch := wt.channels[from]
		wt.mu.Unlock()
		if ch == nil || !ch.outbound {
			wt.log.Debug().Str("peer", from).Msg("stale handshake dropped")
			return nil
		}
		select {
		case ch.answers <- hs:
		default:
		}
		return nil
	default:
		return fmt.Errorf("unknown handshake kind %q from %s", hs.Kind, from)
	}
}

func (wt *WebRTCTransport) answerOffer(ctx context.Context, from, offerSDP string) error {
	ctx, cancel := context.WithTimeout(ctx, wt.timeout)
	defer cancel()

	wt.mu.Lock()
	existing := wt.channels[from]
	closed := wt.closed
	wt.mu.Unlock()

	if closed {
		return wt.sendHandshake(ctx, from, handshake{Kind: handshakeReject, Reason: "shutting down"})
	}
	if existing != nil && existing.outbound && existing.State() == StateConnecting && from > wt.localID {
		// Both sides dialed at once; the smaller ID is the canonical offerer.
		return wt.sendHandshake(ctx, from, handshake{Kind: handshakeReject, Reason: "glare"})
	}

	pc, err := wt.api.NewPeerConnection(wt.config)
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	ch := wt.newChannel(from, pc, false)
	if !wt.register(ch) {
		pc.Close()
		return ErrClosed
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			dc.Close()
			return
		}
		ch.attach(dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		ch.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	sdp, err := wt.describe(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateAnswer(nil) })
	if err != nil {
		ch.Close()
		return err
	}

	if err := wt.sendHandshake(ctx, from, handshake{Kind: handshakeAnswer, SDP: sdp}); err != nil {
		ch.Close()
		return err
	}

	wt.log.Info().Str("peer", from).Msg("inbound offer answered")
	return nil
}

// describe creates the local description and waits for ICE gathering so
// the returned SDP carries every candidate.
func (wt *WebRTCTransport) describe(ctx context.Context, pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) (string, error) {
	desc, err := create()
	if err != nil {
		return "", fmt.Errorf("creating session description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: ICE gathering", ErrNegotiationTimeout)
	}
	return pc.LocalDescription().SDP, nil
}

func (wt *WebRTCTransport) sendHandshake(ctx context.Context, to string, hs handshake) error {
	payload, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	if err := wt.relay.ExchangeHandshake(ctx, to, payload); err != nil {
		return fmt.Errorf("relaying %s to %s: %w", hs.Kind, to, err)
	}
	return nil
}

func (wt *WebRTCTransport) Close() error {
	wt.mu.Lock()
	wt.closed = true
	channels := make([]*webrtcChannel, 0, len(wt.channels))
	for _, ch := range wt.channels {
		channels = append(channels, ch)
	}
	wt.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

// register makes ch the current channel to its remote, closing any
// previous one.
func (wt *WebRTCTransport) register(ch *webrtcChannel) bool {
	wt.mu.Lock()
	if wt.closed {
		wt.mu.Unlock()
		return false
	}
	previous := wt.channels[ch.remoteID]
	wt.channels[ch.remoteID] = ch
	wt.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	return true
}

func (wt *WebRTCTransport) unregister(ch *webrtcChannel) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if wt.channels[ch.remoteID] == ch {
		delete(wt.channels, ch.remoteID)
	}
}

func (wt *WebRTCTransport) handlerOrNop() Handler {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if wt.handler == nil {
		return nopHandler{}
	}
	return wt.handler
}

func (wt *WebRTCTransport) newChannel(remoteID string, pc *webrtc.PeerConnection, outbound bool) *webrtcChannel {
	ch := &webrtcChannel{
		transport: wt,
		remoteID:  remoteID,
		pc:        pc,
		outbound:  outbound,
		state:     StateConnecting,
		answers:   make(chan handshake, 1),
		opened:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		wt.log.Debug().Str("peer", remoteID).Str("state", s.String()).Msg("peer connection state")
		switch s {
		case webrtc.PeerConnectionStateDisconnected:
			ch.setState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			if ch.State() == StateConnecting {
				// Never usable; release it so a later offer starts clean.
				go ch.Close()
				return
			}
			ch.setState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			ch.setState(StateClosed)
		}
	})
	return ch
}

type webrtcChannel struct {
	transport *WebRTCTransport
	remoteID  string
	pc        *webrtc.PeerConnection
	outbound  bool

	answers chan handshake
	opened  chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	state     State
	openOnce  sync.Once
	closeOnce sync.Once
}

func (c *webrtcChannel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			c.setState(StateConnected)
			close(c.opened)
			if !c.outbound {
				c.transport.handlerOrNop().HandleChannel(c)
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.transport.handlerOrNop().HandleMessage(c, msg.Data)
	})
	dc.OnClose(func() {
		c.setState(StateClosed)
	})
}

func (c *webrtcChannel) RemoteID() string { return c.remoteID }

func (c *webrtcChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *webrtcChannel) Send(data []byte) error {
	c.mu.Lock()
	dc, state := c.dc, c.state
	c.mu.Unlock()

	if state != StateConnected || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *webrtcChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.unregister(c)
		err = c.pc.Close()
		c.setState(StateClosed)
	})
	return err
}

// setState records a transition and reports it. Closed is terminal; a
// state reported before the channel first connected stays private to the
// pending negotiation.
func (c *webrtcChannel) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	previous := c.state
	c.state = state
	c.mu.Unlock()

	if previous == StateConnecting && state != StateConnected {
		return
	}
	c.transport.handlerOrNop().HandleState(c, state)
}
