package signaling

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/handlers"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{JWTSecret: "test-secret"}
	router, _ := handlers.NewRouter(cfg, store.NewMemoryRoomStore(), logger.Nop())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/signal"
}

type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) listen(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) ofType(typ EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.list {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newConnectedClient(t *testing.T, relayURL, id string) (*Client, *events) {
	t.Helper()
	client := NewClient(relayURL, models.Device{ID: id, Name: "device " + id, Role: models.RoleParticipant}, logger.Nop())
	recorded := &events{}
	client.SetListener(recorded.listen)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })
	return client, recorded
}

func TestClient_AnnounceAndJoin(t *testing.T) {
	relayURL := startRelay(t)
	x, xEvents := newConnectedClient(t, relayURL, "dev-x")
	y, _ := newConnectedClient(t, relayURL, "dev-y")
	ctx := context.Background()

	announced, err := x.AnnounceRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "R1", announced.RoomID)
	assert.Equal(t, "dev-x", announced.HostID)

	roster, err := y.JoinRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "dev-x", roster.HostID)
	require.Len(t, roster.Members, 2)
	assert.Equal(t, "device dev-y", roster.Members[1].Name)

	require.Eventually(t, func() bool {
		return len(xEvents.ofType(EventDeviceJoined)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	joined := xEvents.ofType(EventDeviceJoined)[0]
	assert.Equal(t, "dev-y", joined.Device.ID)
	assert.Equal(t, models.RoleParticipant, joined.Device.Role)
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	relayURL := startRelay(t)
	x, _ := newConnectedClient(t, relayURL, "dev-x")

	require.NoError(t, x.Connect(context.Background()))
	assert.True(t, x.Connected())
}

func TestClient_JoinUnknownRoom(t *testing.T) {
	relayURL := startRelay(t)
	y, _ := newConnectedClient(t, relayURL, "dev-y")

	_, err := y.JoinRoom(context.Background(), "NOPE42")

	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestClient_AnnounceTakenRoom(t *testing.T) {
	relayURL := startRelay(t)
	x, _ := newConnectedClient(t, relayURL, "dev-x")
	z, _ := newConnectedClient(t, relayURL, "dev-z")

	_, err := x.AnnounceRoom(context.Background(), "R1")
	require.NoError(t, err)

	_, err = z.AnnounceRoom(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClient_Unreachable(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws/signal", models.Device{ID: "dev-x"}, logger.Nop())

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrSignalingUnavailable)

	_, err = client.JoinRoom(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.ErrorIs(t, client.ExchangeHandshake(context.Background(), "dev-y", []byte(`{}`)), ErrSignalingUnavailable)
}

func TestClient_RelaysHandshake(t *testing.T) {
	relayURL := startRelay(t)
	x, xEvents := newConnectedClient(t, relayURL, "dev-x")
	y, _ := newConnectedClient(t, relayURL, "dev-y")
	ctx := context.Background()

	_, err := x.AnnounceRoom(ctx, "R1")
	require.NoError(t, err)
	_, err = y.JoinRoom(ctx, "R1")
	require.NoError(t, err)

	require.NoError(t, y.ExchangeHandshake(ctx, "dev-x", []byte(`{"kind":"offer","sdp":"v=0"}`)))

	require.Eventually(t, func() bool {
		return len(xEvents.ofType(EventHandshake)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	hs := xEvents.ofType(EventHandshake)[0]
	assert.Equal(t, "dev-y", hs.From)
	assert.JSONEq(t, `{"kind":"offer","sdp":"v=0"}`, string(hs.Payload))

	assert.ErrorIs(t, y.ExchangeHandshake(ctx, "dev-x", []byte("not json")), ErrRejected)
}

func TestClient_LeaveAndRoomClosed(t *testing.T) {
	relayURL := startRelay(t)
	x, xEvents := newConnectedClient(t, relayURL, "dev-x")
	y, yEvents := newConnectedClient(t, relayURL, "dev-y")
	ctx := context.Background()

	_, err := x.AnnounceRoom(ctx, "R1")
	require.NoError(t, err)
	_, err = y.JoinRoom(ctx, "R1")
	require.NoError(t, err)

	require.NoError(t, y.LeaveRoom(ctx))
	require.Eventually(t, func() bool {
		return len(xEvents.ofType(EventDeviceLeft)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "dev-y", xEvents.ofType(EventDeviceLeft)[0].DeviceID)

	_, err = y.JoinRoom(ctx, "R1")
	require.NoError(t, err)
	require.NoError(t, x.LeaveRoom(ctx))

	require.Eventually(t, func() bool {
		return len(yEvents.ofType(EventRoomClosed)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "R1", yEvents.ofType(EventRoomClosed)[0].RoomID)
}

func TestClient_DisconnectedEvent(t *testing.T) {
	relayURL := startRelay(t)
	x, xEvents := newConnectedClient(t, relayURL, "dev-x")

	// A second socket with the same device id supersedes the first.
	newConnectedClient(t, relayURL, "dev-x")

	require.Eventually(t, func() bool {
		return len(xEvents.ofType(EventDisconnected)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, x.Connected())

	_, err := x.JoinRoom(context.Background(), "R1")
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
}

func TestClient_CloseIsSilent(t *testing.T) {
	relayURL := startRelay(t)
	x, xEvents := newConnectedClient(t, relayURL, "dev-x")

	require.NoError(t, x.Close())
	require.NoError(t, x.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, xEvents.ofType(EventDisconnected))
	assert.False(t, x.Connected())

	require.NoError(t, x.Connect(context.Background()))
	assert.True(t, x.Connected())
}
