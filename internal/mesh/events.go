package mesh

import "github.com/mossy-p/matchsync/internal/models"

// EventType names an orchestrator notification.
type EventType string

const (
	// EventDeviceJoined fires the first time a member's connection is up.
	EventDeviceJoined EventType = "device-joined"
	EventDeviceLeft   EventType = "device-left"
	// EventDeviceReconnected fires when a known member's connection comes
	// back after dropping.
	EventDeviceReconnected EventType = "device-reconnected"
	// EventConnectionError reports a failed attempt to reach a member.
	EventConnectionError EventType = "connection-error"
	// EventRoomClosed means the host ended the room.
	EventRoomClosed EventType = "room-closed"
	// EventConnectivityLost fires when the last connected member drops.
	EventConnectivityLost EventType = "connectivity-lost"
	// EventConnectivityRestored fires on the first connection after a loss.
	EventConnectivityRestored EventType = "connectivity-restored"
	// EventSignalingLost means the relay socket dropped while in a room.
	EventSignalingLost EventType = "signaling-lost"
)

type Event struct {
	Type     EventType
	RoomID   string
	Device   models.Device
	DeviceID string
	Err      error
}

// Listener receives orchestrator events. It is called without any
// orchestrator lock held.
type Listener func(Event)
