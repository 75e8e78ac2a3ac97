package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-signaling/internal/metrics"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// wsClient is one WebSocket participant. writePump is the only writer on
// conn; replies produced by readPump go through the replies channel.
type wsClient struct {
	ctx     context.Context
	conn    *websocket.Conn
	sub     *relay.Subscription
	replies chan models.SignalMessage
	done    chan struct{}
}

// HandleSignaling serves GET /ws/signal/:roomId. Messages read from the socket
// are published exactly like POST /rooms/:roomId/signal; room messages are
// written back as JSON text frames.
func (h *Handler) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	clientID, role, err := participant(c)
	if err != nil {
		c.JSON(subscribeStatus(err), gin.H{"error": err.Error()})
		return
	}
	if clientID == "" || !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId and a valid role are required"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to upgrade connection")
		return
	}

	sub, err := h.relay.Subscribe(c.Request.Context(), roomID, clientID, role)
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("room", roomID).Str("client", clientID).Msg("subscribe failed")
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(models.SignalMessage{Type: models.SignalTypeError, RoomID: roomID, Error: err.Error()})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"))
		conn.Close()
		return
	}
	metrics.SubscriptionsTotal.WithLabelValues("websocket").Inc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &wsClient{
		ctx:     ctx,
		conn:    conn,
		sub:     sub,
		replies: make(chan models.SignalMessage, 16),
		done:    make(chan struct{}),
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *Handler) readPump(client *wsClient) {
	defer func() {
		close(client.done)
		h.release(client.sub)
		client.conn.Close()
	}()

	ws := h.ws
	client.conn.SetReadLimit(ws.ReadLimit)
	client.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(ws.PongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "handlers").Str("client", client.sub.ClientID).Msg("websocket error")
			}
			return
		}

		// Parse message
		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.reply(client, "malformed message")
			continue
		}

		if err := h.relay.Publish(client.ctx, client.sub.RoomID, client.sub.ClientID, msg); err != nil {
			h.reply(client, err.Error())
		}
	}
}

func (h *Handler) reply(client *wsClient, text string) {
	select {
	case client.replies <- models.SignalMessage{Type: models.SignalTypeError, RoomID: client.sub.RoomID, Error: text}:
	default:
		log.Warn().Str("module", "handlers").Str("client", client.sub.ClientID).Msg("dropping error reply, buffer full")
	}
}

func (h *Handler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.ws.PingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	write := func(msg models.SignalMessage) error {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return client.conn.WriteJSON(msg)
	}

	for {
		select {
		case <-client.done:
			return

		case msg, ok := <-client.sub.Messages():
			if !ok {
				reason := client.sub.Reason()
				if reason != relay.ReasonLeft {
					_ = write(models.SignalMessage{Type: models.SignalTypeError, RoomID: client.sub.RoomID, Error: reason})
				}
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
				return
			}
			if err := write(msg); err != nil {
				log.Warn().Err(err).Str("module", "handlers").Str("client", client.sub.ClientID).Msg("failed to write message")
				return
			}

		case msg := <-client.replies:
			if err := write(msg); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
