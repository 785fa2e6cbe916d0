package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/handlers"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/mesh"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/replication"
	"github.com/mossy-p/matchsync/internal/store"
	"github.com/mossy-p/matchsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type harness struct {
	relayURL string
	network  *transport.MemoryNetwork
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{JWTSecret: "test-secret", HostGracePeriod: time.Minute}
	router, _ := handlers.NewRouter(cfg, store.NewMemoryRoomStore(), logger.Nop())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &harness{
		relayURL: "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signal",
		network:  transport.NewMemoryNetwork(),
	}
}

func (h *harness) config(name string) Config {
	cfg := DefaultConfig()
	cfg.DeviceName = name
	cfg.SignalingURL = h.relayURL
	cfg.NegotiationTimeout = time.Second
	cfg.AckTimeout = time.Second
	cfg.Reconnect = config.ReconnectConfig{
		MaxAttempts:   100,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		BackoffFactor: 2,
	}
	return cfg
}

type device struct {
	*Session
	replica *replication.MapReplica

	mu     sync.Mutex
	events []Event
}

func (h *harness) device(t *testing.T, id string, cfg Config) *device {
	t.Helper()
	d := &device{replica: replication.NewMapReplica()}
	d.Session = New(d.replica,
		WithDeviceID(id),
		WithLogOutput(io.Discard),
		WithTransportFactory(func(dev models.Device, _ transport.Relay, _ Config, _ *logger.Logger) transport.Transport {
			return h.network.NewTransport(dev.ID)
		}),
	)

	events, cancel := d.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			d.mu.Lock()
			d.events = append(d.events, ev)
			d.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		d.Shutdown(context.Background())
		cancel()
		<-done
	})

	require.NoError(t, d.Initialize(cfg))
	return d
}

func (d *device) count(typ EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ev := range d.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (d *device) eventually(t *testing.T, typ EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.count(typ) >= n }, waitFor, 10*time.Millisecond, "waiting for %s", typ)
}

func (d *device) score(match string) string {
	v, ok := d.replica.Get(match, "score")
	if !ok {
		return ""
	}
	var s string
	json.Unmarshal(v, &s)
	return s
}

func setScore(match, score string) replication.Mutation {
	value, _ := json.Marshal(score)
	return replication.Mutation{EntityID: match, Field: "score", Value: value}
}

func TestSession_CreateAndJoin(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Scorer X"))
	y := h.device(t, "dev-y", h.config("Scorer Y"))
	ctx := context.Background()

	roomID, err := x.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, y.JoinRoom(ctx, roomID))

	x.eventually(t, EventDeviceJoined, 1)
	assert.Equal(t, ConnectionStats{ConnectedDeviceCount: 1, RoomID: roomID}, x.ConnectionStats())
	assert.Equal(t, ConnectionStats{ConnectedDeviceCount: 1, RoomID: roomID}, y.ConnectionStats())
	assert.Equal(t, 1, x.count(EventRoomCreated))
	assert.Equal(t, 1, y.count(EventRoomJoined))
	assert.Equal(t, "dev-x", x.Device().ID)
	assert.Equal(t, "Scorer X", x.Device().Name)
}

func TestSession_OfflineMutationsFlushInOrder(t *testing.T) {
	h := newHarness(t)
	y := h.device(t, "dev-y", h.config("Host"))
	x := h.device(t, "dev-x", h.config("Scorer"))
	ctx := context.Background()

	roomID, err := y.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, x.JoinRoom(ctx, roomID))
	y.eventually(t, EventDeviceJoined, 1)

	_, err = x.Mutate(setScore("match-1", "1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return y.score("match-1") == "1" }, waitFor, 10*time.Millisecond)

	h.network.SetOnline("dev-x", false)
	x.eventually(t, EventWentOffline, 1)

	_, err = x.Mutate(setScore("match-1", "2"))
	require.NoError(t, err)
	_, err = x.Mutate(setScore("match-1", "3"))
	require.NoError(t, err)

	assert.Equal(t, 2, x.OfflineStats().QueueSize)
	assert.False(t, x.OfflineStats().Online)
	assert.Equal(t, "1", y.score("match-1"))
	assert.Equal(t, "3", x.score("match-1"))

	h.network.SetOnline("dev-x", true)

	require.Eventually(t, func() bool { return x.OfflineStats().QueueSize == 0 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return y.score("match-1") == "3" }, waitFor, 10*time.Millisecond)
	x.eventually(t, EventBackOnline, 1)
	x.eventually(t, EventOperationProcessed, 2)

	var scores []string
	for _, m := range y.replica.History() {
		var s string
		require.NoError(t, json.Unmarshal(m.Value, &s))
		scores = append(scores, s)
	}
	assert.Equal(t, []string{"1", "2", "3"}, scores)

	require.Eventually(t, func() bool { return x.score("match-1") == "3" }, waitFor, 10*time.Millisecond)
	assert.False(t, x.ReconnectionStatus().IsReconnecting)
}

func TestSession_HostCatchesUpOnMissedBroadcast(t *testing.T) {
	h := newHarness(t)
	host := h.device(t, "dev-h", h.config("Host"))
	x := h.device(t, "dev-x", h.config("Scorer"))
	z := h.device(t, "dev-z", h.config("Viewer"))
	ctx := context.Background()

	roomID, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, x.JoinRoom(ctx, roomID))
	require.NoError(t, z.JoinRoom(ctx, roomID))
	require.Eventually(t, func() bool {
		return x.ConnectionStats().ConnectedDeviceCount == 2 && z.ConnectionStats().ConnectedDeviceCount == 2
	}, waitFor, 10*time.Millisecond)

	_, err = x.Mutate(setScore("match-1", "1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.score("match-1") == "1" }, waitFor, 10*time.Millisecond)

	h.network.SetOnline("dev-h", false)
	_, err = x.Mutate(setScore("match-1", "2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return z.score("match-1") == "2" }, waitFor, 10*time.Millisecond)
	assert.Zero(t, x.OfflineStats().QueueSize, "the broadcast reached z")
	assert.Equal(t, "1", host.score("match-1"))

	h.network.SetOnline("dev-h", true)

	require.Eventually(t, func() bool { return host.score("match-1") == "2" }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "2", x.score("match-1"))
	assert.Equal(t, "2", z.score("match-1"))
}

func TestSession_JoinerReceivesHostState(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Host"))
	y := h.device(t, "dev-y", h.config("Late"))
	ctx := context.Background()

	roomID, err := x.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = x.Mutate(setScore("match-1", "4"))
	require.NoError(t, err)
	_, err = x.Mutate(setScore("match-2", "7"))
	require.NoError(t, err)
	assert.Equal(t, 2, x.OfflineStats().QueueSize, "nobody to send to yet")

	require.NoError(t, y.JoinRoom(ctx, roomID))

	require.Eventually(t, func() bool {
		return y.score("match-1") == "4" && y.score("match-2") == "7"
	}, waitFor, 10*time.Millisecond)
}

func TestSession_ManualSyncWhenAutoSyncOff(t *testing.T) {
	h := newHarness(t)
	cfg := h.config("Manual")
	cfg.EnableAutoSync = false
	x := h.device(t, "dev-x", h.config("Host"))
	y := h.device(t, "dev-y", cfg)
	ctx := context.Background()

	roomID, err := x.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, y.JoinRoom(ctx, roomID))
	x.eventually(t, EventDeviceJoined, 1)

	_, err = y.Mutate(setScore("match-1", "9"))
	require.NoError(t, err)
	y.eventually(t, EventOperationQueued, 1)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, x.score("match-1"))
	assert.Equal(t, 1, y.OfflineStats().QueueSize)

	require.NoError(t, y.ManualSync(ctx))

	assert.Equal(t, "9", x.score("match-1"))
	assert.Zero(t, y.OfflineStats().QueueSize)
}

func TestSession_CreateRoomTwiceKeepsRoom(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Host"))
	ctx := context.Background()

	roomID, err := x.CreateRoom(ctx)
	require.NoError(t, err)

	_, err = x.CreateRoom(ctx)
	assert.ErrorIs(t, err, mesh.ErrAlreadyInRoom)
	assert.Equal(t, roomID, x.ConnectionStats().RoomID)
	x.eventually(t, EventRoomCreated, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, x.count(EventRoomCreated))
}

func TestSession_HostLeaveClosesRoom(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Host"))
	y := h.device(t, "dev-y", h.config("Member"))
	ctx := context.Background()

	roomID, err := x.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, y.JoinRoom(ctx, roomID))
	x.eventually(t, EventDeviceJoined, 1)

	require.NoError(t, x.LeaveRoom(ctx))

	y.eventually(t, EventRoomClosed, 1)
	assert.Equal(t, ConnectionStats{}, y.ConnectionStats())
	assert.ErrorIs(t, y.ForceReconnect(), mesh.ErrNotInRoom)
}

func TestSession_ClearQueue(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Solo"))

	_, err := x.Mutate(setScore("match-1", "1"))
	require.NoError(t, err)

	n, err := x.ClearQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, x.OfflineStats().QueueSize)
}

func TestSession_Lifecycle(t *testing.T) {
	h := newHarness(t)
	s := New(replication.NewMapReplica(), WithLogOutput(io.Discard))

	_, err := s.CreateRoom(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.Mutate(setScore("match-1", "1"))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, OfflineStats{}, s.OfflineStats())

	require.NoError(t, s.Initialize(h.config("Once")))
	first := s.Device()
	require.NoError(t, s.Initialize(h.config("Twice")))
	assert.Equal(t, first, s.Device(), "re-initializing is a no-op")
	assert.Equal(t, "Once", first.Name)
	assert.True(t, s.OfflineStats().Online)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, s.ManualSync(context.Background()), ErrNotInitialized)
}

func TestSession_ShutdownDiscardsQueue(t *testing.T) {
	h := newHarness(t)
	x := h.device(t, "dev-x", h.config("Solo"))

	_, err := x.Mutate(setScore("match-1", "1"))
	require.NoError(t, err)
	require.Equal(t, 1, x.OfflineStats().QueueSize)

	require.NoError(t, x.Shutdown(context.Background()))
	require.NoError(t, x.Initialize(h.config("Solo")))

	assert.Zero(t, x.OfflineStats().QueueSize)
}

func TestSession_InitializeRejectsBadConfig(t *testing.T) {
	s := New(replication.NewMapReplica(), WithLogOutput(io.Discard))

	cfg := DefaultConfig()
	cfg.SignalingURL = ""
	assert.Error(t, s.Initialize(cfg))

	cfg = DefaultConfig()
	cfg.Reconnect.MaxAttempts = 0
	assert.Error(t, s.Initialize(cfg))
}

func TestSession_SubscribeCancelClosesChannel(t *testing.T) {
	s := New(replication.NewMapReplica(), WithLogOutput(io.Discard))
	events, cancel := s.Subscribe(1)

	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
}
