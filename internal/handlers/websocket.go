package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	storeTimeout   = 5 * time.Second
	sendBufferSize = 256
	maxMessageSize = 1 << 20

	defaultMaxPlayers = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub relays signaling between the devices of live rooms. A room is live
// while its host is connected, or within the grace period after the host's
// socket dropped.
type Hub struct {
	store store.RoomStore
	log   *logger.Logger
	grace time.Duration

	mu      sync.Mutex
	rooms   map[string]*Room
	clients map[string]*Client
}

// Room is the live state of a room on this relay.
type Room struct {
	ID         string
	HostID     string
	MaxPlayers int
	Peers      map[string]*Client
	closeTimer *time.Timer
}

// Client represents a WebSocket client connection
type Client struct {
	Device models.Device
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a relay hub. grace is how long a room outlives an
// unannounced host disconnect; zero closes it immediately.
func NewHub(roomStore store.RoomStore, grace time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		store:   roomStore,
		log:     log,
		grace:   grace,
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

// HandleSignaling upgrades to a WebSocket for one device. The device
// identifies itself with the deviceId, displayName and role query
// parameters.
func (h *Hub) HandleSignaling(c *gin.Context) {
	role, err := models.ParseRole(c.Query("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		Device: models.Device{ID: deviceID, Name: c.Query("displayName"), Role: role},
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.register(client)

	h.log.Info().Str("device", deviceID).Str("name", client.Device.Name).Msg("device connected")

	go client.writePump()
	go h.readPump(client)
}

// CloseRoom ends a live room and notifies its members.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		h.closeRoomLocked(room)
	}
}

// LiveRooms returns the number of devices in each live room.
func (h *Hub) LiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		rooms[id] = len(room.Peers)
	}
	return rooms
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	old := h.clients[client.Device.ID]
	h.clients[client.Device.ID] = client
	h.mu.Unlock()

	// A device reconnecting with the same ID supersedes its old socket.
	if old != nil {
		old.close()
	}
}

func (h *Hub) disconnect(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.Device.ID] == client {
		delete(h.clients, client.Device.ID)
	}
	h.departLocked(client, false)
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		h.disconnect(client)
		client.close()
		h.log.Info().Str("device", client.Device.ID).Msg("device disconnected")
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("device", client.Device.ID).Msg("websocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Warn().Err(err).Str("device", client.Device.ID).Msg("failed to parse message")
			continue
		}
		msg.From = client.Device.ID

		h.handle(client, msg)
	}
}

func (h *Hub) handle(client *Client, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeCreateRoom:
		h.createRoom(client, msg)
	case models.SignalTypeJoinRoom:
		h.joinRoom(client, msg)
	case models.SignalTypeLeaveRoom:
		h.mu.Lock()
		h.departLocked(client, true)
		h.mu.Unlock()
		client.sendMessage(models.SignalMessage{Type: models.SignalTypeOK, RequestID: msg.RequestID})
	case models.SignalTypeHandshake:
		h.forwardHandshake(client, msg)
	default:
		client.sendMessage(errorReply(msg, models.ErrorCodeBadRequest, "unknown message type "+string(msg.Type)))
	}
}

func (h *Hub) createRoom(client *Client, msg models.SignalMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	roomID := msg.RoomID
	if roomID == "" {
		roomID = models.NewRoomCode()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if client.RoomID != "" && client.RoomID != roomID {
		client.sendMessage(errorReply(msg, models.ErrorCodeBadRequest, "already in room "+client.RoomID))
		return
	}

	meta, err := h.store.GetRoom(ctx, roomID)
	switch {
	case err == nil:
		roomID = meta.ID
	case errors.Is(err, store.ErrRoomNotFound):
		meta = &models.RoomMetadata{
			ID:         roomID,
			Code:       roomID,
			CreatorID:  client.Device.ID,
			CreatedAt:  time.Now(),
			MaxPlayers: defaultMaxPlayers,
		}
		if err := h.store.CreateRoom(ctx, *meta); err != nil {
			h.replyStoreError(client, msg, err)
			return
		}
	default:
		h.replyStoreError(client, msg, err)
		return
	}

	room, live := h.rooms[roomID]
	switch {
	case live && room.HostID != client.Device.ID:
		client.sendMessage(errorReply(msg, models.ErrorCodeRoomExists, "room is hosted by another device"))
		return
	case live:
		// The host is reclaiming its room after a reconnect.
		if room.closeTimer != nil {
			room.closeTimer.Stop()
			room.closeTimer = nil
		}
	default:
		room = &Room{
			ID:         roomID,
			HostID:     client.Device.ID,
			MaxPlayers: meta.MaxPlayers,
			Peers:      make(map[string]*Client),
		}
		h.rooms[roomID] = room
		if err := h.store.SetHost(ctx, roomID, client.Device.ID); err != nil {
			h.log.Warn().Err(err).Str("room", roomID).Msg("failed to record room host")
		}
		h.log.Info().Str("room", roomID).Str("host", client.Device.ID).Msg("room created")
	}

	room.Peers[client.Device.ID] = client
	client.RoomID = roomID
	if err := h.store.AddPeer(ctx, roomID, client.Device.ID); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("failed to record peer")
	}

	client.sendMessage(room.roster(msg.RequestID))
}

func (h *Hub) joinRoom(client *Client, msg models.SignalMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if msg.RoomID == "" {
		client.sendMessage(errorReply(msg, models.ErrorCodeBadRequest, "roomId is required"))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	meta, err := h.store.GetRoom(ctx, msg.RoomID)
	if err != nil {
		h.replyStoreError(client, msg, err)
		return
	}

	room, live := h.rooms[meta.ID]
	if !live {
		client.sendMessage(errorReply(msg, models.ErrorCodeRoomNotFound, "room has no host online"))
		return
	}
	if client.RoomID != "" && client.RoomID != room.ID {
		client.sendMessage(errorReply(msg, models.ErrorCodeBadRequest, "already in room "+client.RoomID))
		return
	}

	_, rejoining := room.Peers[client.Device.ID]
	if !rejoining && room.MaxPlayers > 0 && len(room.Peers) >= room.MaxPlayers {
		client.sendMessage(errorReply(msg, models.ErrorCodeRoomFull, "room is full"))
		return
	}

	room.Peers[client.Device.ID] = client
	client.RoomID = room.ID
	if err := h.store.AddPeer(ctx, room.ID, client.Device.ID); err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("failed to record peer")
	}

	device := client.Device
	room.broadcastMessage(models.SignalMessage{
		Type:   models.SignalTypeDeviceJoined,
		RoomID: room.ID,
		Device: &device,
	}, client.Device.ID)

	h.log.Info().Str("room", room.ID).Str("device", client.Device.ID).
		Int("members", len(room.Peers)).Msg("device joined room")

	client.sendMessage(room.roster(msg.RequestID))
}

func (h *Hub) forwardHandshake(client *Client, msg models.SignalMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.RoomID]
	if !ok {
		h.log.Debug().Str("device", client.Device.ID).Msg("handshake outside a room dropped")
		return
	}
	target, ok := room.Peers[msg.To]
	if !ok {
		h.log.Debug().Str("room", room.ID).Str("to", msg.To).Msg("handshake target not in room")
		return
	}

	target.sendMessage(models.SignalMessage{
		Type:    models.SignalTypeHandshake,
		From:    client.Device.ID,
		To:      msg.To,
		RoomID:  room.ID,
		Payload: msg.Payload,
	})
}

// departLocked removes client from its room. A host leaving explicitly, or
// not coming back within the grace period, ends the room.
func (h *Hub) departLocked(client *Client, explicit bool) {
	room, ok := h.rooms[client.RoomID]
	if !ok || room.Peers[client.Device.ID] != client {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	delete(room.Peers, client.Device.ID)
	client.RoomID = ""
	if err := h.store.RemovePeer(ctx, room.ID, client.Device.ID); err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("failed to remove peer")
	}

	if client.Device.ID != room.HostID {
		room.broadcastMessage(models.SignalMessage{
			Type:     models.SignalTypeDeviceLeft,
			RoomID:   room.ID,
			DeviceID: client.Device.ID,
		}, "")
		h.log.Info().Str("room", room.ID).Str("device", client.Device.ID).Msg("device left room")
		return
	}

	if explicit || h.grace <= 0 {
		h.closeRoomLocked(room)
		return
	}

	h.log.Info().Str("room", room.ID).Dur("grace", h.grace).Msg("host disconnected, holding room")
	room.closeTimer = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.rooms[room.ID] == room && room.Peers[room.HostID] == nil {
			h.closeRoomLocked(room)
		}
	})
}

func (h *Hub) closeRoomLocked(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	delete(h.rooms, room.ID)
	if room.closeTimer != nil {
		room.closeTimer.Stop()
	}

	room.broadcastMessage(models.SignalMessage{
		Type:   models.SignalTypeRoomClosed,
		RoomID: room.ID,
	}, "")
	for _, peer := range room.Peers {
		peer.RoomID = ""
	}

	if err := h.store.DeleteRoom(ctx, room.ID); err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("failed to delete room")
	}
	h.log.Info().Str("room", room.ID).Msg("room closed")
}

func (h *Hub) replyStoreError(client *Client, msg models.SignalMessage, err error) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		client.sendMessage(errorReply(msg, models.ErrorCodeRoomNotFound, "room not found"))
	case errors.Is(err, store.ErrRoomExists):
		client.sendMessage(errorReply(msg, models.ErrorCodeRoomExists, "room already exists"))
	default:
		h.log.Error().Err(err).Str("room", msg.RoomID).Msg("room store failure")
		client.sendMessage(errorReply(msg, "", "room store unavailable"))
	}
}

func (r *Room) roster(requestID string) models.SignalMessage {
	members := make([]models.Device, 0, len(r.Peers))
	for _, peer := range r.Peers {
		members = append(members, peer.Device)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	return models.SignalMessage{
		Type:      models.SignalTypeRoomRoster,
		RequestID: requestID,
		RoomID:    r.ID,
		HostID:    r.HostID,
		Members:   members,
	}
}

func (r *Room) broadcastMessage(msg models.SignalMessage, excludePeerID string) {
	for peerID, client := range r.Peers {
		if peerID != excludePeerID {
			client.sendMessage(msg)
		}
	}
}

func errorReply(req models.SignalMessage, code, text string) models.SignalMessage {
	return models.SignalMessage{
		Type:      models.SignalTypeError,
		RequestID: req.RequestID,
		RoomID:    req.RoomID,
		Code:      code,
		Error:     text,
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case c.Send <- data:
	case <-c.done:
	default:
		// Slow consumer; its pumps will notice the dead socket.
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}
