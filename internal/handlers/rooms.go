package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/middleware"
	"github.com/mossy-p/matchsync/internal/models"
	"github.com/mossy-p/matchsync/internal/store"
)

// RoomHandler serves the REST room API. Rooms registered here are claimed
// by the first device that announces the code over the signaling socket.
type RoomHandler struct {
	store store.RoomStore
	hub   *Hub
	log   *logger.Logger
}

func NewRoomHandler(roomStore store.RoomStore, hub *Hub, log *logger.Logger) *RoomHandler {
	return &RoomHandler{store: roomStore, hub: hub, log: log}
}

// CreateRoom pre-registers a room (requires authentication)
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = 8
	}

	room := models.RoomMetadata{
		ID:         uuid.New().String(),
		Code:       models.NewRoomCode(),
		CreatorID:  userID,
		CreatedAt:  time.Now(),
		MaxPlayers: req.MaxPlayers,
	}

	if err := h.store.CreateRoom(c.Request.Context(), room); err != nil {
		h.log.Error().Err(err).Str("room", room.ID).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.log.Info().Str("room", room.ID).Str("code", room.Code).Str("user", userID).Msg("room registered")

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room and ends it for connected devices (creator only)
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, err := h.store.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, store.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	h.hub.CloseRoom(room.ID)
	if err := h.store.DeleteRoom(c.Request.Context(), room.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.log.Info().Str("room", room.ID).Str("user", userID).Msg("room deleted")

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
