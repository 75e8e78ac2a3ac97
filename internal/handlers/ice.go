package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ICEServers returns the STUN/TURN servers clients build their peer
// connections with.
func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.ice.Servers()})
}
