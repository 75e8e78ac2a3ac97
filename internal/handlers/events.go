package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-signaling/internal/metrics"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

const (
	keepAlivePeriod = 15 * time.Second
	releaseTimeout  = 5 * time.Second
)

// Events is the egress push stream: GET /rooms/:roomId/events as
// Server-Sent Events. Each event is named after the message type.
func (h *Handler) Events(c *gin.Context) {
	roomID := c.Param("roomId")
	clientID, role, err := participant(c)
	if err != nil {
		c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}

	sub, err := h.relay.Subscribe(c.Request.Context(), roomID, clientID, role)
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("room", roomID).Str("client", clientID).Msg("subscribe failed")
		c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}
	metrics.SubscriptionsTotal.WithLabelValues("sse").Inc()
	defer h.release(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				if reason := sub.Reason(); reason != relay.ReasonLeft {
					c.SSEvent(string(models.SignalTypeError), models.SignalMessage{
						Type:   models.SignalTypeError,
						RoomID: roomID,
						Error:  reason,
					})
				}
				return false
			}
			c.SSEvent(string(msg.Type), msg)
			return true
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}

// release runs after the request context is gone, so it gets its own.
func (h *Handler) release(sub *relay.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	h.relay.Release(ctx, sub)
}
