package session

import (
	"sync"

	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/offline"
)

// EventType names a session notification.
type EventType string

const (
	EventRoomCreated         EventType = "room-created"
	EventRoomJoined          EventType = "room-joined"
	EventRoomClosed          EventType = "room-closed"
	EventDeviceJoined        EventType = "device-joined"
	EventDeviceLeft          EventType = "device-left"
	EventConnectionError     EventType = "connection-error"
	EventWentOffline         EventType = "went-offline"
	EventBackOnline          EventType = "back-online"
	EventReconnectionStarted EventType = "reconnection-started"
	EventReconnectionFailed  EventType = "reconnection-failed"
	EventOperationQueued     EventType = "operation-queued"
	EventOperationProcessed  EventType = "operation-processed"
	EventOperationDropped    EventType = "operation-dropped"
)

// Event is published to every subscriber. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType
	RoomID    string
	Device    models.Device
	DeviceID  string
	Operation *offline.Operation
	Attempts  int
	Err       error
}

// bus fans events out to subscriber channels. A subscriber that does not
// keep up loses events rather than stalling the session.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish returns how many subscribers missed ev.
func (b *bus) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
