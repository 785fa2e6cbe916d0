package models

import "encoding/json"

// SignalType represents the type of a relay signaling message
type SignalType string

const (
	SignalTypeCreateRoom   SignalType = "create-room"
	SignalTypeJoinRoom     SignalType = "join-room"
	SignalTypeLeaveRoom    SignalType = "leave-room"
	SignalTypeRoomRoster   SignalType = "room-roster"
	SignalTypeHandshake    SignalType = "handshake"
	SignalTypeDeviceJoined SignalType = "device-joined"
	SignalTypeDeviceLeft   SignalType = "device-left"
	SignalTypeRoomClosed   SignalType = "room-closed"
	SignalTypeOK           SignalType = "ok"
	SignalTypeError        SignalType = "error"
)

// Error codes carried by SignalTypeError replies
const (
	ErrorCodeRoomNotFound = "room-not-found"
	ErrorCodeRoomExists   = "room-exists"
	ErrorCodeRoomFull     = "room-full"
	ErrorCodeNotInRoom    = "not-in-room"
	ErrorCodeBadRequest   = "bad-request"
)

// SignalMessage is the envelope exchanged with the relay. It only ever
// carries connection-bootstrap metadata and membership changes.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	HostID    string          `json:"hostId,omitempty"`
	Device    *Device         `json:"device,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Members   []Device        `json:"members,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Roster is the membership of a room as reported by the relay
type Roster struct {
	RoomID  string
	HostID  string
	Members []Device
}

// RosterFrom extracts the roster carried by a room-roster message.
func RosterFrom(msg SignalMessage) Roster {
	return Roster{
		RoomID:  msg.RoomID,
		HostID:  msg.HostID,
		Members: msg.Members,
	}
}
