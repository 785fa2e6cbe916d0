// Package store keeps relay room metadata. The relay uses the Redis
// implementation in production and MemoryRoomStore in tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/matchsync/internal/models"
)

// RoomTTL bounds how long an abandoned room survives.
const RoomTTL = 24 * time.Hour

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

// RoomStore persists room metadata and membership counts.
type RoomStore interface {
	// CreateRoom stores meta, failing with ErrRoomExists if the ID or code
	// is taken.
	CreateRoom(ctx context.Context, meta models.RoomMetadata) error
	// GetRoom resolves identifier as a room code or ID.
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	// SetHost records the device currently hosting roomID.
	SetHost(ctx context.Context, roomID, hostID string) error
	DeleteRoom(ctx context.Context, roomID string) error
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	PeerCount(ctx context.Context, roomID string) (int, error)
}
