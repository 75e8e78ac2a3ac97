package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-signaling/internal/middleware"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

// Signal is the ingress endpoint: POST /rooms/:roomId/signal. The sender must
// hold a subscription in the room; with a token, that subscription's role must
// match the token's.
func (h *Handler) Signal(c *gin.Context) {
	roomID := c.Param("roomId")

	var msg models.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	from := msg.From
	if from == "" {
		from = c.Query("clientId")
	}

	if tokenRole := models.Role(c.GetString(middleware.ContextRole)); tokenRole != "" && from != "" {
		member, err := h.relay.Member(c.Request.Context(), roomID, from)
		if err == nil && member.Role != tokenRole {
			err = errRoleMismatch
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "handlers").Str("room", roomID).Str("client", from).Msg("signal rejected")
			c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.relay.Publish(c.Request.Context(), roomID, from, msg); err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("room", roomID).Str("client", from).Msg("signal rejected")
		c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, models.SignalAck{Status: "delivered"})
}
