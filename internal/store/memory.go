package store

import (
	"context"
	"sync"

	"github.com/mossy-p/matchsync/internal/models"
)

var _ RoomStore = (*MemoryRoomStore)(nil)

// MemoryRoomStore is an in-process RoomStore. Entries never expire.
type MemoryRoomStore struct {
	mu    sync.Mutex
	rooms map[string]models.RoomMetadata
	codes map[string]string
	peers map[string]map[string]struct{}
}

func NewMemoryRoomStore() *MemoryRoomStore {
	return &MemoryRoomStore{
		rooms: make(map[string]models.RoomMetadata),
		codes: make(map[string]string),
		peers: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryRoomStore) CreateRoom(_ context.Context, meta models.RoomMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[meta.ID]; ok {
		return ErrRoomExists
	}
	if _, ok := s.codes[meta.Code]; ok {
		return ErrRoomExists
	}
	s.rooms[meta.ID] = meta
	if meta.Code != "" {
		s.codes[meta.Code] = meta.ID
	}
	return nil
}

func (s *MemoryRoomStore) GetRoom(_ context.Context, identifier string) (*models.RoomMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID := identifier
	if id, ok := s.codes[identifier]; ok {
		roomID = id
	}
	meta, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	meta.PlayerCount = len(s.peers[roomID])
	return &meta, nil
}

func (s *MemoryRoomStore) SetHost(_ context.Context, roomID, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	meta.HostID = hostID
	s.rooms[roomID] = meta
	return nil
}

func (s *MemoryRoomStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(s.codes, meta.Code)
	delete(s.rooms, roomID)
	delete(s.peers, roomID)
	return nil
}

func (s *MemoryRoomStore) AddPeer(_ context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.peers[roomID]
	if !ok {
		set = make(map[string]struct{})
		s.peers[roomID] = set
	}
	set[peerID] = struct{}{}
	return nil
}

func (s *MemoryRoomStore) RemovePeer(_ context.Context, roomID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers[roomID], peerID)
	return nil
}

func (s *MemoryRoomStore) PeerCount(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers[roomID]), nil
}
