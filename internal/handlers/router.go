package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/matchsync/config"
	"github.com/mossy-p/matchsync/internal/logger"
	"github.com/mossy-p/matchsync/internal/middleware"
	"github.com/mossy-p/matchsync/internal/store"
)

// NewRouter wires the relay's HTTP and WebSocket endpoints.
func NewRouter(cfg *config.Config, roomStore store.RoomStore, log *logger.Logger) (*gin.Engine, *Hub) {
	hub := NewHub(roomStore, cfg.HostGracePeriod, log)
	rooms := NewRoomHandler(roomStore, hub, log)

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": len(hub.LiveRooms())})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), rooms.CreateRoom)
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), rooms.DeleteRoom)
	}

	router.GET("/ws/signal", hub.HandleSignaling)

	return router, hub
}
