package offline

// EventType names a manager notification.
type EventType string

const (
	EventWentOffline         EventType = "went-offline"
	EventBackOnline          EventType = "back-online"
	EventReconnectionStarted EventType = "reconnection-started"
	EventReconnectionFailed  EventType = "reconnection-failed"
	EventOperationQueued     EventType = "operation-queued"
	EventOperationProcessed  EventType = "operation-processed"
	EventOperationDropped    EventType = "operation-dropped"
)

type Event struct {
	Type      EventType
	Operation Operation
	Attempts  int
	Err       error
}

// Listener receives manager events without any manager lock held.
type Listener func(Event)
