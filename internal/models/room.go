package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	RoomCodeLength   = 6
	RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// NewRoomCode generates a random, shareable room code
func NewRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(RoomCodeAlphabet))))
		code[i] = RoomCodeAlphabet[n.Int64()]
	}
	return string(code)
}

// Role tags what a device may do in a room
type Role string

const (
	RoleHostCapable Role = "host-capable"
	RoleParticipant Role = "participant"
	RoleSpectator   Role = "spectator"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleHostCapable, RoleParticipant, RoleSpectator:
		return r, nil
	case "":
		return RoleParticipant, nil
	default:
		return "", fmt.Errorf("unknown device role %q", s)
	}
}

// Device is one running client instance
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role,omitempty"`
}

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`      // Short, shareable room code (e.g., "ABCD23")
	CreatorID   string    `json:"creatorId"` // User or device that created the room
	HostID      string    `json:"hostId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	MaxPlayers  int       `json:"maxPlayers"`
	PlayerCount int       `json:"playerCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	MaxPlayers int `json:"maxPlayers" binding:"omitempty,min=2,max=16"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}
