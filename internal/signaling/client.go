// Package signaling is the device side of the rendezvous relay. It announces
// and joins rooms, relays opaque handshake payloads to other devices and
// reports membership changes. It never carries application data.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
	maxMessageSize = 1 << 20

	// DefaultRequestTimeout bounds one request/response round trip.
	DefaultRequestTimeout = 10 * time.Second
)

var (
	// ErrRoomNotFound means the relay does not know the room or its host
	// is gone.
	ErrRoomNotFound = errors.New("room not found")
	// ErrSignalingUnavailable means the relay cannot be reached.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrRejected wraps any other error reply from the relay.
	ErrRejected = errors.New("signaling request rejected")
)

// EventType names a relay notification.
type EventType string

const (
	EventDeviceJoined EventType = "device-joined"
	EventDeviceLeft   EventType = "device-left"
	EventRoomClosed   EventType = "room-closed"
	EventHandshake    EventType = "handshake"
	// EventDisconnected reports that the relay socket dropped.
	EventDisconnected EventType = "disconnected"
)

// Event is a notification pushed by the relay.
type Event struct {
	Type     EventType
	RoomID   string
	Device   models.Device
	DeviceID string
	From     string
	Payload  []byte
}

// Listener receives events on the client's read goroutine, in arrival
// order. It must not block on further signaling round trips.
type Listener func(Event)

// Client talks to the relay over one WebSocket at a time. After the socket
// drops, Connect dials a fresh one.
type Client struct {
	url     string
	device  models.Device
	log     *logger.Logger
	timeout time.Duration
	dialer  *websocket.Dialer

	mu       sync.Mutex
	link     *link
	listener Listener
	pending  map[string]chan models.SignalMessage
}

// NewClient creates a client for the relay WebSocket endpoint at rawURL.
func NewClient(rawURL string, device models.Device, log *logger.Logger) *Client {
	return &Client{
		url:     rawURL,
		device:  device,
		log:     log,
		timeout: DefaultRequestTimeout,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan models.SignalMessage),
	}
}

// SetRequestTimeout overrides DefaultRequestTimeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Connected reports whether a relay socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect dials the relay unless a socket is already open.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	endpoint, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parsing signaling url: %w", err)
	}
	query := endpoint.Query()
	query.Set("deviceId", c.device.ID)
	query.Set("displayName", c.device.Name)
	query.Set("role", string(c.device.Role))
	endpoint.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, err)
	}

	l := &link{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.link != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.link = l
	c.mu.Unlock()

	go l.writePump()
	go c.readPump(l)

	c.log.Info().Str("url", c.url).Msg("connected to signaling relay")
	return nil
}

// AnnounceRoom registers the local device as host of roomID. An empty
// roomID lets the relay pick one. Re-announcing a room this device hosts
// reclaims it.
func (c *Client) AnnounceRoom(ctx context.Context, roomID string) (models.Roster, error) {
	reply, err := c.request(ctx, models.SignalMessage{Type: models.SignalTypeCreateRoom, RoomID: roomID})
	if err != nil {
		return models.Roster{}, fmt.Errorf("announcing room %q: %w", roomID, err)
	}
	return models.RosterFrom(reply), nil
}

// JoinRoom joins roomID and returns its roster, local device included.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (models.Roster, error) {
	reply, err := c.request(ctx, models.SignalMessage{Type: models.SignalTypeJoinRoom, RoomID: roomID})
	if err != nil {
		return models.Roster{}, fmt.Errorf("joining room %q: %w", roomID, err)
	}
	return models.RosterFrom(reply), nil
}

// LeaveRoom tells the relay this device left its room.
func (c *Client) LeaveRoom(ctx context.Context) error {
	if _, err := c.request(ctx, models.SignalMessage{Type: models.SignalTypeLeaveRoom}); err != nil {
		return fmt.Errorf("leaving room: %w", err)
	}
	return nil
}

// ExchangeHandshake relays payload, which must be JSON, to device to. There
// is no delivery confirmation.
func (c *Client) ExchangeHandshake(ctx context.Context, to string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%w: handshake payload is not JSON", ErrRejected)
	}
	return c.write(ctx, models.SignalMessage{
		Type:    models.SignalTypeHandshake,
		To:      to,
		Payload: json.RawMessage(payload),
	})
}

// Close drops the relay socket without reporting EventDisconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		l.close()
	}
	return nil
}

func (c *Client) request(ctx context.Context, msg models.SignalMessage) (models.SignalMessage, error) {
	c.mu.Lock()
	l, timeout := c.link, c.timeout
	if l == nil {
		c.mu.Unlock()
		return models.SignalMessage{}, fmt.Errorf("%w: not connected", ErrSignalingUnavailable)
	}
	msg.RequestID = uuid.New().String()
	replies := make(chan models.SignalMessage, 1)
	c.pending[msg.RequestID] = replies
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.enqueue(ctx, msg); err != nil {
		return models.SignalMessage{}, err
	}

	select {
	case reply := <-replies:
		if reply.Type == models.SignalTypeError {
			return reply, replyError(reply)
		}
		return reply, nil
	case <-l.done:
		return models.SignalMessage{}, fmt.Errorf("%w: connection lost", ErrSignalingUnavailable)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.SignalMessage{}, fmt.Errorf("%w: no reply to %s", ErrSignalingUnavailable, msg.Type)
		}
		return models.SignalMessage{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, msg models.SignalMessage) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return fmt.Errorf("%w: not connected", ErrSignalingUnavailable)
	}
	return l.enqueue(ctx, msg)
}

func replyError(reply models.SignalMessage) error {
	switch reply.Code {
	case models.ErrorCodeRoomNotFound:
		return fmt.Errorf("%w: %s", ErrRoomNotFound, reply.Error)
	case "":
		return fmt.Errorf("%w: %s", ErrSignalingUnavailable, reply.Error)
	default:
		return fmt.Errorf("%w: %s: %s", ErrRejected, reply.Code, reply.Error)
	}
}

func (c *Client) readPump(l *link) {
	defer c.drop(l)

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The relay pings too; answering resets our deadline as well.
	l.conn.SetPingHandler(func(data string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("signaling socket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse signaling message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg models.SignalMessage) {
	if msg.RequestID != "" {
		c.mu.Lock()
		replies := c.pending[msg.RequestID]
		c.mu.Unlock()
		if replies != nil {
			replies <- msg
			return
		}
	}

	var event Event
	switch msg.Type {
	case models.SignalTypeDeviceJoined:
		if msg.Device == nil {
			return
		}
		event = Event{Type: EventDeviceJoined, RoomID: msg.RoomID, Device: *msg.Device, DeviceID: msg.Device.ID}
	case models.SignalTypeDeviceLeft:
		event = Event{Type: EventDeviceLeft, RoomID: msg.RoomID, DeviceID: msg.DeviceID}
	case models.SignalTypeRoomClosed:
		event = Event{Type: EventRoomClosed, RoomID: msg.RoomID}
	case models.SignalTypeHandshake:
		event = Event{Type: EventHandshake, RoomID: msg.RoomID, From: msg.From, Payload: msg.Payload}
	default:
		c.log.Debug().Str("type", string(msg.Type)).Msg("unsolicited signaling message ignored")
		return
	}
	c.emit(event)
}

// drop forgets l once its socket is gone and reports the loss unless Close
// caused it.
func (c *Client) drop(l *link) {
	l.close()

	c.mu.Lock()
	current := c.link == l
	if current {
		c.link = nil
	}
	c.mu.Unlock()

	if current {
		c.log.Warn().Msg("signaling relay connection lost")
		c.emit(Event{Type: EventDisconnected})
	}
}

func (c *Client) emit(event Event) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener(event)
	}
}

// link is one relay socket and its pumps.
type link struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) enqueue(ctx context.Context, msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return fmt.Errorf("%w: connection lost", ErrSignalingUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSignalingUnavailable, ctx.Err())
	}
}

func (l *link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case message := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l.close()
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}

		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
