// Package mesh decides who is in the room and how to reach them. The
// Orchestrator creates or joins one room through signaling, keeps a direct
// transport connection to every other member and routes payloads over
// them.
//
// The room creator is host for the room's lifetime. When the host leaves
// the room ends for everyone; there is no re-election. Every pair of
// members connects directly, so a room of n devices holds n(n-1)/2
// connections.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/signaling"
	"github.com/mossy-p/matchsync/internal/transport"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrNotInRoom     = errors.New("not in a room")
	// ErrHostUnreachable means a join could not connect to the room's host.
	ErrHostUnreachable = errors.New("host unreachable")
	// ErrNoReachableDevices means a rejoin reached none of the other members.
	ErrNoReachableDevices = errors.New("no reachable devices")
)

const announceAttempts = 3

// Signaling is the part of the signaling client the orchestrator uses.
type Signaling interface {
	SetListener(l signaling.Listener)
	Connect(ctx context.Context) error
	AnnounceRoom(ctx context.Context, roomID string) (models.Roster, error)
	JoinRoom(ctx context.Context, roomID string) (models.Roster, error)
	ExchangeHandshake(ctx context.Context, to string, payload []byte) error
	LeaveRoom(ctx context.Context) error
	Close() error
}

// Room is the local view of the current room.
type Room struct {
	ID      string
	HostID  string
	Members map[string]models.Device
}

// Connection is the link to one remote member.
type Connection struct {
	Device  models.Device
	Channel transport.Channel
	Status  transport.State
	// outbound is set when the local device opened Channel.
	outbound bool
}

// Stats is derived from room and connection state on every call.
type Stats struct {
	ConnectedDeviceCount int    `json:"connectedDeviceCount"`
	RoomID               string `json:"roomId"`
}

// Options tunes an Orchestrator.
type Options struct {
	// NegotiationTimeout bounds each connection attempt.
	NegotiationTimeout time.Duration
}

// Orchestrator owns the room membership and the connection set.
type Orchestrator struct {
	device    models.Device
	signaling Signaling
	transport transport.Transport
	log       *logger.Logger
	opts      Options

	mu        sync.Mutex
	room      *Room
	busy      bool
	conns     map[string]*Connection
	announced map[string]bool
	lost      bool
	roomCtx   context.Context
	endRoom   context.CancelFunc
	changed   chan struct{}
	listener  Listener
	onMessage func(from string, data []byte)
}

// New wires an Orchestrator to its signaling client and transport.
func New(device models.Device, sig Signaling, tr transport.Transport, log *logger.Logger, opts Options) *Orchestrator {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = transport.DefaultNegotiationTimeout
	}

	o := &Orchestrator{
		device:    device,
		signaling: sig,
		transport: tr,
		log:       log,
		opts:      opts,
		conns:     make(map[string]*Connection),
		announced: make(map[string]bool),
		changed:   make(chan struct{}),
	}
	tr.SetHandler(o)
	sig.SetListener(o.handleSignal)
	return o
}

// SetListener installs the event sink.
func (o *Orchestrator) SetListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listener = l
}

// SetMessageHandler installs the sink for payloads received from members.
func (o *Orchestrator) SetMessageHandler(fn func(from string, data []byte)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMessage = fn
}

// Device returns the local device.
func (o *Orchestrator) Device() models.Device { return o.device }

// CreateRoom generates a room code, announces it and makes the local device
// its host.
func (o *Orchestrator) CreateRoom(ctx context.Context) (string, error) {
	if err := o.reserve(); err != nil {
		return "", err
	}
	defer o.release()

	if err := o.signaling.Connect(ctx); err != nil {
		return "", err
	}

	var (
		roster models.Roster
		err    error
	)
	for range announceAttempts {
		roster, err = o.signaling.AnnounceRoom(ctx, models.NewRoomCode())
		if !errors.Is(err, signaling.ErrRejected) {
			break
		}
	}
	if err != nil {
		return "", err
	}

	o.enterRoom(roster)
	o.log.Info().Str("room", roster.RoomID).Msg("room created")
	return roster.RoomID, nil
}

// JoinRoom joins roomID and connects to every existing member
// concurrently. It fails, leaving no room state behind, if the host cannot
// be reached.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID string) error {
	if err := o.reserve(); err != nil {
		return err
	}
	defer o.release()

	if err := o.signaling.Connect(ctx); err != nil {
		return err
	}
	roster, err := o.signaling.JoinRoom(ctx, roomID)
	if err != nil {
		return err
	}
	roomCtx := o.enterRoom(roster)

	err = o.connectAll(ctx, roomCtx, roster.Members)
	if errors.Is(err, ErrHostUnreachable) {
		o.teardown()
		if leaveErr := o.signaling.LeaveRoom(context.WithoutCancel(ctx)); leaveErr != nil {
			o.log.Warn().Err(leaveErr).Msg("failed to leave room after join failure")
		}
		return err
	}

	o.log.Info().Str("room", roster.RoomID).Str("host", roster.HostID).
		Int("connected", o.Stats().ConnectedDeviceCount).Msg("room joined")
	return nil
}

// LeaveRoom closes every connection, tells signaling and forgets the room.
// In-flight negotiations for the room are abandoned.
func (o *Orchestrator) LeaveRoom(ctx context.Context) error {
	if _, err := o.currentRoom(); err != nil {
		return err
	}
	o.teardown()

	if err := o.signaling.LeaveRoom(ctx); err != nil {
		return err
	}
	o.log.Info().Msg("left room")
	return nil
}

// Rejoin re-establishes the current room after connectivity loss: it
// reconnects signaling, re-announces (host) or re-joins (member) the room
// and dials every member that is not connected. It fails unless at least
// one other member is reachable, or the local device is alone.
func (o *Orchestrator) Rejoin(ctx context.Context) error {
	room, err := o.currentRoom()
	if err != nil {
		return err
	}

	if err := o.signaling.Connect(ctx); err != nil {
		return err
	}

	var roster models.Roster
	if room.HostID == o.device.ID {
		roster, err = o.signaling.AnnounceRoom(ctx, room.ID)
	} else {
		roster, err = o.signaling.JoinRoom(ctx, room.ID)
	}
	if err != nil {
		return err
	}

	roomCtx, err := o.refreshRoster(room.ID, roster)
	if err != nil {
		return err
	}

	connectErr := o.connectAll(ctx, roomCtx, roster.Members)
	if errors.Is(connectErr, ErrHostUnreachable) {
		return connectErr
	}

	if o.othersInRoom() > 0 && o.Stats().ConnectedDeviceCount == 0 {
		return fmt.Errorf("rejoining %s: %w", room.ID, errors.Join(ErrNoReachableDevices, connectErr))
	}
	o.log.Info().Str("room", room.ID).Int("connected", o.Stats().ConnectedDeviceCount).Msg("room rejoined")
	return nil
}

// Broadcast sends payload to every connected member and returns how many
// accepted it. With no connected member it fails with
// transport.ErrNotConnected.
func (o *Orchestrator) Broadcast(payload []byte) (int, error) {
	channels := o.connectedChannels()
	if len(channels) == 0 {
		return 0, fmt.Errorf("broadcast: %w: no connected devices", transport.ErrNotConnected)
	}

	sent := 0
	var errs []error
	for _, ch := range channels {
		if err := ch.Send(payload); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", ch.RemoteID(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// SendTo sends payload to one member.
func (o *Orchestrator) SendTo(deviceID string, payload []byte) error {
	o.mu.Lock()
	conn := o.conns[deviceID]
	var ch transport.Channel
	if conn != nil && conn.Status == transport.StateConnected {
		ch = conn.Channel
	}
	o.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("sending to %s: %w", deviceID, transport.ErrNotConnected)
	}
	if err := ch.Send(payload); err != nil {
		return fmt.Errorf("sending to %s: %w", deviceID, err)
	}
	return nil
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var stats Stats
	if o.room != nil {
		stats.RoomID = o.room.ID
	}
	for _, conn := range o.conns {
		if conn.Status == transport.StateConnected {
			stats.ConnectedDeviceCount++
		}
	}
	return stats
}

// ConnectedDevices returns the ids of connected members, sorted.
func (o *Orchestrator) ConnectedDevices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.conns))
	for id, conn := range o.conns {
		if conn.Status == transport.StateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Members returns the room's members, local device included, sorted by id.
func (o *Orchestrator) Members() []models.Device {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.room == nil {
		return nil
	}
	members := make([]models.Device, 0, len(o.room.Members))
	for _, d := range o.room.Members {
		members = append(members, d)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

func (o *Orchestrator) RoomID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.room == nil {
		return ""
	}
	return o.room.ID
}

func (o *Orchestrator) HostID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.room == nil {
		return ""
	}
	return o.room.HostID
}

// IsHost reports whether the local device hosts the current room.
func (o *Orchestrator) IsHost() bool {
	return o.HostID() == o.device.ID
}

// Close leaves any room and releases the transport and signaling.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	if _, err := o.currentRoom(); err == nil {
		if err := o.LeaveRoom(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	if err := o.signaling.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing signaling: %w", err))
	}
	return errors.Join(errs...)
}

// reserve claims the orchestrator for a create or join.
func (o *Orchestrator) reserve() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.room != nil || o.busy {
		return ErrAlreadyInRoom
	}
	o.busy = true
	return nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = false
}

func (o *Orchestrator) currentRoom() (Room, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.room == nil {
		return Room{}, ErrNotInRoom
	}
	return *o.room, nil
}

func (o *Orchestrator) othersInRoom() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.room == nil {
		return 0
	}
	others := len(o.room.Members)
	if _, ok := o.room.Members[o.device.ID]; ok {
		others--
	}
	return others
}

func (o *Orchestrator) enterRoom(roster models.Roster) context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.room = &Room{
		ID:      roster.RoomID,
		HostID:  roster.HostID,
		Members: make(map[string]models.Device, len(roster.Members)+1),
	}
	o.room.Members[o.device.ID] = o.device
	for _, d := range roster.Members {
		o.room.Members[d.ID] = d
	}
	o.conns = make(map[string]*Connection)
	o.announced = make(map[string]bool)
	o.lost = false
	o.roomCtx, o.endRoom = context.WithCancel(context.Background())
	return o.roomCtx
}

// refreshRoster merges a roster received while rejoining.
func (o *Orchestrator) refreshRoster(roomID string, roster models.Roster) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.room == nil || o.room.ID != roomID {
		return nil, ErrNotInRoom
	}
	for _, d := range roster.Members {
		o.room.Members[d.ID] = d
	}
	return o.roomCtx, nil
}

// teardown forgets the room and closes its connections.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	conns := o.conns
	if o.endRoom != nil {
		o.endRoom()
	}
	o.room = nil
	o.conns = make(map[string]*Connection)
	o.announced = make(map[string]bool)
	o.lost = false
	o.signalChangeLocked()
	o.mu.Unlock()

	for _, conn := range conns {
		if conn.Channel != nil {
			conn.Channel.Close()
		}
	}
}

// connectAll dials every member that is not already connected. A failure
// to reach the host is returned as ErrHostUnreachable; other failures are
// reported as connection-error events and joined into the result.
func (o *Orchestrator) connectAll(ctx, roomCtx context.Context, members []models.Device) error {
	// Negotiations end with the room as well as with the caller.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(roomCtx, cancel)
	defer stop()

	hostID := o.HostID()
	g, gctx := errgroup.WithContext(ctx)
	var (
		mu   sync.Mutex
		errs []error
	)

	for _, member := range members {
		if member.ID == o.device.ID || o.isConnected(member.ID) {
			continue
		}
		g.Go(func() error {
			err := o.connect(gctx, member)
			if err == nil {
				return nil
			}
			if member.ID == hostID {
				return fmt.Errorf("%w: %w", ErrHostUnreachable, err)
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) isConnected(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	conn := o.conns[deviceID]
	return conn != nil && conn.Status == transport.StateConnected
}

// connect opens a channel to device and records it.
func (o *Orchestrator) connect(ctx context.Context, device models.Device) error {
	o.mu.Lock()
	roomCtx := o.roomCtx
	conn := o.conns[device.ID]
	if conn == nil {
		conn = &Connection{Device: device, Status: transport.StateNew}
		o.conns[device.ID] = conn
	}
	if conn.Channel == nil || conn.Status != transport.StateConnected {
		conn.Status = transport.StateConnecting
	}
	o.mu.Unlock()

	negotiateCtx, cancel := context.WithTimeout(ctx, o.opts.NegotiationTimeout)
	defer cancel()

	ch, err := o.transport.Open(negotiateCtx, device.ID)
	if err != nil {
		o.mu.Lock()
		if o.roomCtx == roomCtx && o.conns[device.ID] == conn && conn.Status == transport.StateConnecting {
			conn.Status = transport.StateFailed
		}
		o.mu.Unlock()

		if roomCtx.Err() != nil {
			return fmt.Errorf("connecting to %s: %w", device.ID, ErrNotInRoom)
		}
		err = fmt.Errorf("connecting to %s: %w", device.ID, err)
		o.log.Warn().Err(err).Str("peer", device.ID).Msg("connection attempt failed")
		o.emit(Event{Type: EventConnectionError, DeviceID: device.ID, Err: err})
		return err
	}

	o.mu.Lock()
	if o.roomCtx != roomCtx || o.room == nil {
		// The room ended while negotiating.
		o.mu.Unlock()
		ch.Close()
		return fmt.Errorf("connecting to %s: %w", device.ID, ErrNotInRoom)
	}
	events, adopted := o.adoptLocked(ch, device, true)
	o.mu.Unlock()

	if !adopted {
		ch.Close()
	}
	o.emit(events...)
	return nil
}

// adoptLocked makes ch the connection to its remote device. When both ends
// dialed each other, both keep the channel opened by the smaller device id
// and the caller closes the other one.
func (o *Orchestrator) adoptLocked(ch transport.Channel, device models.Device, outbound bool) ([]Event, bool) {
	id := ch.RemoteID()
	conn := o.conns[id]
	if conn == nil {
		conn = &Connection{Device: device}
		o.conns[id] = conn
	}
	if known, ok := o.room.Members[id]; ok {
		conn.Device = known
	} else {
		o.room.Members[id] = conn.Device
	}

	previous := conn.Channel
	if previous != nil && previous != ch && conn.Status == transport.StateConnected &&
		o.canonical(id, conn.outbound) && !o.canonical(id, outbound) {
		return nil, false
	}
	if previous != nil && previous != ch {
		go previous.Close()
	}
	conn.Channel = ch
	conn.outbound = outbound
	return o.markConnectedLocked(conn), true
}

// canonical reports whether a channel in the given direction was opened by
// the smaller of the two device ids.
func (o *Orchestrator) canonical(remoteID string, outbound bool) bool {
	return outbound == (o.device.ID < remoteID)
}

func (o *Orchestrator) markConnectedLocked(conn *Connection) []Event {
	wasConnected := conn.Status == transport.StateConnected
	conn.Status = transport.StateConnected
	o.signalChangeLocked()

	var events []Event
	switch {
	case !o.announced[conn.Device.ID]:
		o.announced[conn.Device.ID] = true
		events = append(events, Event{Type: EventDeviceJoined, Device: conn.Device, DeviceID: conn.Device.ID})
	case !wasConnected:
		events = append(events, Event{Type: EventDeviceReconnected, Device: conn.Device, DeviceID: conn.Device.ID})
	}
	if o.lost {
		o.lost = false
		events = append(events, Event{Type: EventConnectivityRestored, RoomID: o.room.ID})
	}
	return events
}

func (o *Orchestrator) signalChangeLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

// WaitConnected blocks until at least n members are connected.
func (o *Orchestrator) WaitConnected(ctx context.Context, n int) error {
	for {
		o.mu.Lock()
		count := 0
		for _, conn := range o.conns {
			if conn.Status == transport.StateConnected {
				count++
			}
		}
		changed := o.changed
		o.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) connectedChannels() []transport.Channel {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.conns))
	for id, conn := range o.conns {
		if conn.Status == transport.StateConnected && conn.Channel != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	channels := make([]transport.Channel, 0, len(ids))
	for _, id := range ids {
		channels = append(channels, o.conns[id].Channel)
	}
	return channels
}

// HandleChannel adopts a channel a member opened to us.
func (o *Orchestrator) HandleChannel(ch transport.Channel) {
	o.mu.Lock()
	if o.room == nil {
		o.mu.Unlock()
		o.log.Debug().Str("peer", ch.RemoteID()).Msg("inbound channel outside a room closed")
		ch.Close()
		return
	}
	events, adopted := o.adoptLocked(ch, models.Device{ID: ch.RemoteID()}, false)
	o.mu.Unlock()

	if !adopted {
		o.log.Debug().Str("peer", ch.RemoteID()).Msg("duplicate inbound channel closed")
		ch.Close()
		return
	}
	o.log.Debug().Str("peer", ch.RemoteID()).Msg("inbound channel adopted")
	o.emit(events...)
}

func (o *Orchestrator) HandleMessage(ch transport.Channel, data []byte) {
	o.mu.Lock()
	conn := o.conns[ch.RemoteID()]
	current := conn != nil && conn.Channel == ch
	handler := o.onMessage
	o.mu.Unlock()

	if current && handler != nil {
		handler(ch.RemoteID(), data)
	}
}

// HandleState tracks the status of current channels. When the last
// connected member drops while in a room, connectivity-lost is emitted.
func (o *Orchestrator) HandleState(ch transport.Channel, state transport.State) {
	o.mu.Lock()
	conn := o.conns[ch.RemoteID()]
	if o.room == nil || conn == nil || conn.Channel != ch {
		o.mu.Unlock()
		return
	}

	var events []Event
	if state == transport.StateConnected {
		events = o.markConnectedLocked(conn)
		o.mu.Unlock()
		o.emit(events...)
		return
	}

	wasConnected := conn.Status == transport.StateConnected
	conn.Status = state
	o.signalChangeLocked()

	connected := 0
	for _, c := range o.conns {
		if c.Status == transport.StateConnected {
			connected++
		}
	}
	dropped := state == transport.StateDisconnected || state == transport.StateFailed
	if dropped && wasConnected && connected == 0 && !o.lost {
		o.lost = true
		events = append(events, Event{Type: EventConnectivityLost, RoomID: o.room.ID})
	}
	o.mu.Unlock()

	o.log.Debug().Str("peer", ch.RemoteID()).Str("state", string(state)).Msg("connection state changed")
	if state == transport.StateFailed {
		go ch.Close()
	}
	o.emit(events...)
}

func (o *Orchestrator) handleSignal(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventDeviceJoined:
		o.mu.Lock()
		if o.room != nil && ev.RoomID == o.room.ID {
			o.room.Members[ev.Device.ID] = ev.Device
			if conn := o.conns[ev.Device.ID]; conn != nil {
				conn.Device = ev.Device
			}
		}
		o.mu.Unlock()

	case signaling.EventDeviceLeft:
		o.mu.Lock()
		if o.room == nil || ev.RoomID != o.room.ID {
			o.mu.Unlock()
			return
		}
		device, member := o.room.Members[ev.DeviceID]
		delete(o.room.Members, ev.DeviceID)
		conn := o.conns[ev.DeviceID]
		delete(o.conns, ev.DeviceID)
		delete(o.announced, ev.DeviceID)
		o.signalChangeLocked()
		o.mu.Unlock()

		if conn != nil && conn.Channel != nil {
			conn.Channel.Close()
		}
		if member {
			o.log.Info().Str("peer", ev.DeviceID).Msg("device left room")
			o.emit(Event{Type: EventDeviceLeft, Device: device, DeviceID: ev.DeviceID})
		}

	case signaling.EventRoomClosed:
		o.mu.Lock()
		ours := o.room != nil && ev.RoomID == o.room.ID
		o.mu.Unlock()
		if !ours {
			return
		}
		o.teardown()
		o.log.Info().Str("room", ev.RoomID).Msg("room closed by relay")
		o.emit(Event{Type: EventRoomClosed, RoomID: ev.RoomID})

	case signaling.EventHandshake:
		o.mu.Lock()
		ctx := o.roomCtx
		o.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		go func() {
			if err := o.transport.HandleHandshake(ctx, ev.From, ev.Payload); err != nil {
				o.log.Warn().Err(err).Str("peer", ev.From).Msg("handshake failed")
			}
		}()

	case signaling.EventDisconnected:
		room, err := o.currentRoom()
		if err != nil {
			return
		}
		o.log.Warn().Str("room", room.ID).Msg("signaling lost while in room")
		o.emit(Event{Type: EventSignalingLost, RoomID: room.ID})
	}
}

func (o *Orchestrator) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	listener := o.listener
	o.mu.Unlock()
	if listener == nil {
		return
	}
	for _, ev := range events {
		listener(ev)
	}
}
