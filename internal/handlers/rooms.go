package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-signaling/internal/middleware"
	"github.com/rs/zerolog/log"
)

// GetRoom returns the live membership of a room (public)
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	info, err := h.relay.Room(c.Request.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Str("room", roomID).Msg("failed to load room")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Room registry unavailable"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// CloseRoom ends a consultation: every participant's stream is closed and the
// room is forgotten. Participants may rejoin afterwards.
func (h *Handler) CloseRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	closed := h.relay.CloseRoom(c.Request.Context(), roomID)
	log.Info().Str("module", "handlers").Str("room", roomID).Str("user", c.GetString(middleware.ContextUserID)).Int("subscriptions", closed).Msg("room closed by request")

	c.JSON(http.StatusOK, gin.H{"message": "Room closed", "subscriptions": closed})
}
