package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telemed-signaling/config"
	"github.com/mossy-p/telemed-signaling/internal/middleware"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ICESource supplies the connectivity helper servers handed to clients.
type ICESource interface {
	Servers() []config.ICEServer
}

// Handler serves the signaling API on top of a relay.
type Handler struct {
	relay *relay.Relay
	ice   ICESource
	ws    config.WebSocketConfig
}

func New(r *relay.Relay, ice ICESource, ws config.WebSocketConfig) *Handler {
	if ws.ReadLimit <= 0 {
		ws.ReadLimit = 65536
	}
	if ws.PingPeriod <= 0 {
		ws.PingPeriod = 54 * time.Second
	}
	if ws.PongWait <= ws.PingPeriod {
		ws.PongWait = ws.PingPeriod * 10 / 9
	}
	return &Handler{relay: r, ice: ice, ws: ws}
}

// NewRouter wires every route. Signaling routes require a token only when a
// JWT secret is configured.
func NewRouter(cfg *config.Config, h *Handler) *gin.Engine {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := func(c *gin.Context) { c.Next() }
	if cfg.JWTSecret != "" {
		auth = middleware.JWTAuth(cfg.JWTSecret)
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/ice-servers", h.ICEServers)
		apiGroup.GET("/rooms/:roomId", h.GetRoom)
		if cfg.JWTSecret != "" {
			apiGroup.DELETE("/rooms/:roomId", auth, middleware.RequireRole(models.RoleDoctor), h.CloseRoom)
			if !cfg.Production() {
				apiGroup.POST("/auth/token", IssueToken(cfg.JWTSecret))
			}
		} else {
			apiGroup.DELETE("/rooms/:roomId", h.CloseRoom)
		}
	}

	roomGroup := router.Group("/rooms/:roomId", auth)
	{
		roomGroup.POST("/signal", h.Signal)
		roomGroup.GET("/events", h.Events)
	}

	wsGroup := router.Group("/ws", auth)
	{
		wsGroup.GET("/signal/:roomId", h.HandleSignaling)
	}

	return router
}

var errRoleMismatch = errors.New("role does not match token")

// participant resolves who is subscribing. The token role, when present, wins
// over the query parameter and must not contradict it.
func participant(c *gin.Context) (string, models.Role, error) {
	clientID := c.Query("clientId")
	role := models.Role(c.Query("role"))

	if tokenRole := models.Role(c.GetString(middleware.ContextRole)); tokenRole != "" {
		if role != "" && role != tokenRole {
			return "", "", errRoleMismatch
		}
		role = tokenRole
	}
	return clientID, role, nil
}

// subscribeStatus maps relay errors to HTTP responses.
func subscribeStatus(err error) int {
	switch {
	case errors.Is(err, errRoleMismatch), errors.Is(err, relay.ErrNotSubscribed):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrInvalidSubscription), errors.Is(err, relay.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
