package store

import (
	"context"
	"testing"

	"github.com/mossy-p/matchsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoomStore_CreateAndResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoomStore()

	meta := models.RoomMetadata{ID: "0b7c", Code: "ABC234", CreatorID: "u1", MaxPlayers: 8}
	require.NoError(t, s.CreateRoom(ctx, meta))

	byCode, err := s.GetRoom(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "0b7c", byCode.ID)

	byID, err := s.GetRoom(ctx, "0b7c")
	require.NoError(t, err)
	assert.Equal(t, "ABC234", byID.Code)

	assert.ErrorIs(t, s.CreateRoom(ctx, meta), ErrRoomExists)
	assert.ErrorIs(t, s.CreateRoom(ctx, models.RoomMetadata{ID: "other", Code: "ABC234"}), ErrRoomExists)
}

func TestMemoryRoomStore_Peers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoomStore()
	require.NoError(t, s.CreateRoom(ctx, models.RoomMetadata{ID: "R1", Code: "R1"}))

	require.NoError(t, s.AddPeer(ctx, "R1", "a"))
	require.NoError(t, s.AddPeer(ctx, "R1", "b"))
	require.NoError(t, s.AddPeer(ctx, "R1", "a"))

	count, err := s.PeerCount(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	meta, err := s.GetRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.PlayerCount)

	require.NoError(t, s.RemovePeer(ctx, "R1", "a"))
	count, _ = s.PeerCount(ctx, "R1")
	assert.Equal(t, 1, count)
}

func TestMemoryRoomStore_DeleteAndHost(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoomStore()
	require.NoError(t, s.CreateRoom(ctx, models.RoomMetadata{ID: "R1", Code: "R1"}))

	require.NoError(t, s.SetHost(ctx, "R1", "dev-x"))
	meta, err := s.GetRoom(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "dev-x", meta.HostID)

	require.NoError(t, s.DeleteRoom(ctx, "R1"))
	_, err = s.GetRoom(ctx, "R1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, s.SetHost(ctx, "R1", "dev-x"), ErrRoomNotFound)
}
