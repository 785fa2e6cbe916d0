package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/store"
	"github.com/redis/go-redis/v9"
)

var _ store.RoomStore = (*RoomStore)(nil)

// RoomStore keeps relay rooms in Redis under room:<id>, code:<code> and
// room:<id>:peers, all expiring after store.RoomTTL.
type RoomStore struct {
	client *redis.Client
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*RoomStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RoomStore{client: client}, nil
}

// NewRoomStore wraps an existing client.
func NewRoomStore(client *redis.Client) *RoomStore {
	return &RoomStore{client: client}
}

// Close closes the Redis connection
func (s *RoomStore) Close() error {
	return s.client.Close()
}

func roomKey(roomID string) string  { return "room:" + roomID }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }
func codeKey(code string) string    { return "code:" + code }

func (s *RoomStore) CreateRoom(ctx context.Context, meta models.RoomMetadata) error {
	roomData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", meta.ID, err)
	}

	created, err := s.client.SetNX(ctx, roomKey(meta.ID), roomData, store.RoomTTL).Result()
	if err != nil {
		return fmt.Errorf("storing room %s: %w", meta.ID, err)
	}
	if !created {
		return store.ErrRoomExists
	}

	if meta.Code == "" || meta.Code == meta.ID {
		return nil
	}
	created, err = s.client.SetNX(ctx, codeKey(meta.Code), meta.ID, store.RoomTTL).Result()
	if err != nil || !created {
		s.client.Del(ctx, roomKey(meta.ID))
		if err != nil {
			return fmt.Errorf("storing room code %s: %w", meta.Code, err)
		}
		return store.ErrRoomExists
	}
	return nil
}

func (s *RoomStore) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier
	id, err := s.client.Get(ctx, codeKey(identifier)).Result()
	switch {
	case err == nil:
		roomID = id
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("resolving room code %s: %w", identifier, err)
	}

	meta, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	playerCount, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("counting peers of %s: %w", roomID, err)
	}
	meta.PlayerCount = int(playerCount)
	return meta, nil
}

func (s *RoomStore) SetHost(ctx context.Context, roomID, hostID string) error {
	meta, err := s.load(ctx, roomID)
	if err != nil {
		return err
	}
	meta.HostID = hostID

	roomData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", roomID, err)
	}
	if err := s.client.Set(ctx, roomKey(roomID), roomData, store.RoomTTL).Err(); err != nil {
		return fmt.Errorf("storing room %s: %w", roomID, err)
	}
	return nil
}

func (s *RoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	meta, err := s.load(ctx, roomID)
	if errors.Is(err, store.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{roomKey(roomID), peersKey(roomID)}
	if meta.Code != "" && meta.Code != roomID {
		keys = append(keys, codeKey(meta.Code))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting room %s: %w", roomID, err)
	}
	return nil
}

func (s *RoomStore) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), store.RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("adding peer %s to %s: %w", peerID, roomID, err)
	}
	return nil
}

func (s *RoomStore) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("removing peer %s from %s: %w", peerID, roomID, err)
	}
	return nil
}

func (s *RoomStore) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting peers of %s: %w", roomID, err)
	}
	return int(n), nil
}

func (s *RoomStore) load(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	roomData, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading room %s: %w", roomID, err)
	}

	var meta models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return &meta, nil
}
