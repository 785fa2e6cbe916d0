// Package session is the single entry point of a syncing device. A Session
// wires signaling, transport, the room mesh, the sync engine and the
// offline manager together, fans their notifications out to subscribers
// and reports status computed from the components on every call.
//
// Applications construct one Session and pass it where it is needed;
// several independent sessions can live in one process.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/mesh"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/offline"
	"github.com/mossy-p/matchsync/internal/replication"
	"github.com/mossy-p/matchsync/internal/signaling"
	"github.com/mossy-p/matchsync/internal/transport"
)

// ErrNotInitialized is returned by operations called before Initialize or
// after Shutdown.
var ErrNotInitialized = errors.New("session not initialized")

// Config is the device configuration passed to Initialize.
type Config struct {
	DeviceName string
	DeviceRole models.Role
	// EnableAutoSync sends mutations as they are made. When false they are
	// held until ManualSync.
	EnableAutoSync bool
	// DebugTrace enables debug logging.
	DebugTrace bool

	SignalingURL        string
	STUNURLs            []string
	NegotiationTimeout  time.Duration
	AckTimeout          time.Duration
	MaxOperationRetries int
	Reconnect           config.ReconnectConfig
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		DeviceRole:          models.RoleParticipant,
		EnableAutoSync:      true,
		SignalingURL:        "ws://localhost:8080/ws/signal",
		NegotiationTimeout:  transport.DefaultNegotiationTimeout,
		AckTimeout:          5 * time.Second,
		MaxOperationRetries: 5,
		Reconnect: config.ReconnectConfig{
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
	}
}

// ConfigFromPeer converts environment settings into a Config.
func ConfigFromPeer(p *config.PeerConfig) Config {
	return Config{
		DeviceName:          p.DeviceName,
		DeviceRole:          models.Role(p.DeviceRole),
		EnableAutoSync:      p.EnableAutoSync,
		DebugTrace:          p.DebugTrace,
		SignalingURL:        p.SignalingURL,
		STUNURLs:            p.STUNURLs,
		NegotiationTimeout:  p.NegotiationTimeout,
		AckTimeout:          p.AckTimeout,
		MaxOperationRetries: p.MaxOperationRetries,
		Reconnect:           p.Reconnect,
	}
}

// TransportFactory builds the transport of a device. relay carries its
// handshakes.
type TransportFactory func(device models.Device, relay transport.Relay, cfg Config, log *logger.Logger) transport.Transport

// WebRTCTransport is the default TransportFactory.
func WebRTCTransport(device models.Device, relay transport.Relay, cfg Config, log *logger.Logger) transport.Transport {
	return transport.NewWebRTCTransport(device.ID, relay, transport.ICEConfigFromURLs(cfg.STUNURLs), cfg.NegotiationTimeout, log)
}

type Option func(*Session)

func WithTransportFactory(f TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

// WithLogOutput redirects the session log, stdout by default.
func WithLogOutput(w io.Writer) Option {
	return func(s *Session) { s.logOutput = w }
}

// WithDeviceID fixes the device id instead of generating one per
// Initialize.
func WithDeviceID(id string) Option {
	return func(s *Session) { s.deviceID = id }
}

// ConnectionStats reports the current room and how many members are
// reachable.
type ConnectionStats = mesh.Stats

type OfflineStats struct {
	QueueSize int  `json:"queueSize"`
	Online    bool `json:"online"`
}

type ReconnectionStatus struct {
	IsReconnecting bool `json:"isReconnecting"`
	AttemptCount   int  `json:"attemptCount"`
	// Failed is set once automatic attempts are exhausted.
	Failed bool `json:"failed"`
}

type components struct {
	device  models.Device
	log     *logger.Logger
	mesh    *mesh.Orchestrator
	engine  *replication.Engine
	offline *offline.Manager
}

// Session is one device's participation in the sync network.
type Session struct {
	replica      replication.Replica
	newTransport TransportFactory
	logOutput    io.Writer
	deviceID     string
	bus          *bus

	mu sync.Mutex
	c  *components
}

// New creates a Session that keeps replica in sync once initialized.
func New(replica replication.Replica, opts ...Option) *Session {
	s := &Session{
		replica:      replica,
		newTransport: WebRTCTransport,
		logOutput:    os.Stdout,
		bus:          newBus(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize builds the components. Calling it again while initialized
// does nothing.
func (s *Session) Initialize(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		return nil
	}
	if cfg.SignalingURL == "" {
		return fmt.Errorf("initializing session: signaling url is required")
	}
	if err := cfg.Reconnect.Validate(); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	role, err := models.ParseRole(string(cfg.DeviceRole))
	if err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	cfg.DeviceRole = role

	id := s.deviceID
	if id == "" {
		id = uuid.New().String()
	}
	device := models.Device{ID: id, Name: cfg.DeviceName, Role: cfg.DeviceRole}
	if device.Name == "" {
		device.Name = "device-" + id[:min(8, len(id))]
	}

	log := logger.New(s.logOutput, "device", cfg.DebugTrace).WithField("device", device.ID)

	sig := signaling.NewClient(cfg.SignalingURL, device, log)
	tr := s.newTransport(device, sig, cfg, log)
	orch := mesh.New(device, sig, tr, log, mesh.Options{NegotiationTimeout: cfg.NegotiationTimeout})
	engine := replication.NewEngine(device.ID, s.replica, orch, log)
	orch.SetMessageHandler(engine.HandleMessage)

	c := &components{device: device, log: log, mesh: orch, engine: engine}
	c.offline = offline.NewManager(offline.Config{
		Reconnect:           cfg.Reconnect,
		AckTimeout:          cfg.AckTimeout,
		MaxOperationRetries: cfg.MaxOperationRetries,
		AutoSync:            cfg.EnableAutoSync,
	}, orch, engine, offline.ReconnectFunc(c.rejoin), log)

	orch.SetListener(func(ev mesh.Event) { s.handleMesh(c, ev) })
	c.offline.SetListener(func(ev offline.Event) { s.handleOffline(c, ev) })

	s.c = c
	log.Info().Str("name", device.Name).Str("role", string(device.Role)).
		Bool("autoSync", cfg.EnableAutoSync).Msg("session initialized")
	return nil
}

// Shutdown leaves the room, stops reconnecting and releases signaling and
// transport. Operations still queued are lost: a later Initialize starts
// with an empty queue.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	c.offline.Close()
	err := c.mesh.Close(ctx)
	c.log.Info().Msg("session shut down")
	return err
}

// Subscribe returns a channel receiving every event from now on and a
// function that unsubscribes and closes it.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.subscribe(buffer)
}

// Device returns the local device, or the zero Device when not
// initialized.
func (s *Session) Device() models.Device {
	c, err := s.components()
	if err != nil {
		return models.Device{}
	}
	return c.device
}

// CreateRoom creates a room hosted by this device and returns its code.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	c, err := s.components()
	if err != nil {
		return "", err
	}
	roomID, err := c.mesh.CreateRoom(ctx)
	if err != nil {
		return "", err
	}
	c.offline.Reset()
	s.publish(c, Event{Type: EventRoomCreated, RoomID: roomID})
	return roomID, nil
}

// JoinRoom joins roomID and requests the host's state.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	c, err := s.components()
	if err != nil {
		return err
	}
	if err := c.mesh.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	c.offline.Reset()
	if err := c.engine.RequestSnapshot(c.mesh.HostID()); err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("snapshot request failed")
	}
	s.publish(c, Event{Type: EventRoomJoined, RoomID: roomID})
	return nil
}

func (s *Session) LeaveRoom(ctx context.Context) error {
	c, err := s.components()
	if err != nil {
		return err
	}
	c.offline.Reset()
	return c.mesh.LeaveRoom(ctx)
}

// Mutate applies m locally and sends it to the room, or queues it when it
// cannot be sent now.
func (s *Session) Mutate(m replication.Mutation) (replication.Message, error) {
	c, err := s.components()
	if err != nil {
		return replication.Message{}, err
	}
	msg, err := c.engine.Publish(m)
	if err != nil {
		return replication.Message{}, err
	}
	if err := c.offline.Submit(msg, m.EntityID); err != nil {
		return msg, err
	}
	return msg, nil
}

// ManualSync delivers every queued operation, waiting for each to be
// acknowledged.
func (s *Session) ManualSync(ctx context.Context) error {
	c, err := s.components()
	if err != nil {
		return err
	}
	return c.offline.Flush(ctx)
}

// ForceReconnect restarts reconnection immediately, also after automatic
// attempts gave up.
func (s *Session) ForceReconnect() error {
	c, err := s.components()
	if err != nil {
		return err
	}
	if c.mesh.RoomID() == "" {
		return mesh.ErrNotInRoom
	}
	c.offline.ForceReconnect()
	return nil
}

// ClearQueue discards queued operations and returns how many there were.
func (s *Session) ClearQueue() (int, error) {
	c, err := s.components()
	if err != nil {
		return 0, err
	}
	return c.offline.ClearQueue(), nil
}

func (s *Session) ConnectionStats() ConnectionStats {
	c, err := s.components()
	if err != nil {
		return ConnectionStats{}
	}
	return c.mesh.Stats()
}

func (s *Session) OfflineStats() OfflineStats {
	c, err := s.components()
	if err != nil {
		return OfflineStats{}
	}
	return OfflineStats{QueueSize: c.offline.QueueSize(), Online: c.offline.Online()}
}

func (s *Session) ReconnectionStatus() ReconnectionStatus {
	c, err := s.components()
	if err != nil {
		return ReconnectionStatus{}
	}
	state := c.offline.ReconnectionState()
	return ReconnectionStatus{
		IsReconnecting: state.Phase == offline.PhaseReconnecting,
		AttemptCount:   state.Attempts,
		Failed:         state.Phase == offline.PhaseFailed,
	}
}

// Members lists the devices in the current room, the local one included.
func (s *Session) Members() []models.Device {
	c, err := s.components()
	if err != nil {
		return nil
	}
	return c.mesh.Members()
}

func (s *Session) components() (*components, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, ErrNotInitialized
	}
	return s.c, nil
}

// rejoin is the reconnection attempt: it restores the room unless the room
// is gone for good.
func (c *components) rejoin(ctx context.Context) error {
	err := c.mesh.Rejoin(ctx)
	if errors.Is(err, signaling.ErrRoomNotFound) || errors.Is(err, mesh.ErrNotInRoom) {
		return offline.Permanent(err)
	}
	return err
}

func (s *Session) handleMesh(c *components, ev mesh.Event) {
	switch ev.Type {
	case mesh.EventDeviceJoined:
		// Someone to send queued operations to.
		c.offline.HandleConnectivityRestored()
		s.publish(c, Event{Type: EventDeviceJoined, Device: ev.Device, DeviceID: ev.DeviceID})
	case mesh.EventDeviceLeft:
		s.publish(c, Event{Type: EventDeviceLeft, Device: ev.Device, DeviceID: ev.DeviceID})
	case mesh.EventConnectionError:
		s.publish(c, Event{Type: EventConnectionError, DeviceID: ev.DeviceID, Err: ev.Err})
	case mesh.EventDeviceReconnected:
		c.offline.HandleConnectivityRestored()
		// Mutations broadcast while the link was down never reached it.
		if err := c.engine.CatchUp(ev.DeviceID); err != nil {
			c.log.Warn().Err(err).Str("peer", ev.DeviceID).Msg("catch-up request failed")
		}
		var err error
		if host := c.mesh.HostID(); ev.DeviceID == host && !c.mesh.IsHost() {
			// The host may have moved on while the link was down.
			err = c.engine.RequestSnapshot(host)
		} else {
			err = c.engine.ResyncPending()
		}
		if err != nil {
			c.log.Warn().Err(err).Str("peer", ev.DeviceID).Msg("resync request failed")
		}
	case mesh.EventRoomClosed:
		c.offline.Reset()
		s.publish(c, Event{Type: EventRoomClosed, RoomID: ev.RoomID})
	case mesh.EventConnectivityLost:
		c.offline.HandleConnectivityLost()
	case mesh.EventConnectivityRestored:
		c.offline.HandleConnectivityRestored()
	case mesh.EventSignalingLost:
		c.offline.HandleSignalingLost()
	}
}

var offlineEvents = map[offline.EventType]EventType{
	offline.EventWentOffline:         EventWentOffline,
	offline.EventBackOnline:          EventBackOnline,
	offline.EventReconnectionStarted: EventReconnectionStarted,
	offline.EventReconnectionFailed:  EventReconnectionFailed,
	offline.EventOperationQueued:     EventOperationQueued,
	offline.EventOperationProcessed:  EventOperationProcessed,
	offline.EventOperationDropped:    EventOperationDropped,
}

func (s *Session) handleOffline(c *components, ev offline.Event) {
	typ, ok := offlineEvents[ev.Type]
	if !ok {
		return
	}
	out := Event{Type: typ, Attempts: ev.Attempts, Err: ev.Err}
	switch ev.Type {
	case offline.EventOperationQueued, offline.EventOperationProcessed, offline.EventOperationDropped:
		op := ev.Operation
		out.Operation = &op
	}
	s.publish(c, out)
}

func (s *Session) publish(c *components, ev Event) {
	if dropped := s.bus.publish(ev); dropped > 0 {
		c.log.Warn().Str("event", string(ev.Type)).Int("subscribers", dropped).Msg("event dropped for slow subscribers")
	}
}
