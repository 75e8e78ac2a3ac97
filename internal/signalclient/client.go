package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/mossy-p/telemed-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrClosedByRelay means the relay ended the subscription for good, for
	// example because the clinician closed the room.
	ErrClosedByRelay = errors.New("closed by relay")
)

const (
	writeWait      = 10 * time.Second
	eventsBuffer   = 64
	defaultBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

type Options struct {
	// BaseURL is the signaling server, e.g. http://localhost:8080.
	BaseURL  string
	RoomID   string
	ClientID string
	Role     models.Role
	Token    string

	// MaxAttempts bounds every (re)connect sequence.
	MaxAttempts    int
	InitialBackoff time.Duration
	Dialer         *websocket.Dialer
}

// Client is one participant's connection to the relay. Messages from the room
// arrive on Events; the channel closes when the client is closed or the relay
// stays unreachable for MaxAttempts dials in a row. Messages published while
// disconnected are lost, nothing is replayed after a reconnect.
type Client struct {
	opts   Options
	url    string
	events chan models.SignalMessage
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	err     error
}

// Dial connects to the room, retrying with backoff.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	u, err := signalURL(opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		url:    u,
		events: make(chan models.SignalMessage, eventsBuffer),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = conn

	go c.run(conn)
	return c, nil
}

func signalURL(opts Options) (string, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", opts.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/signal/" + url.PathEscape(opts.RoomID)

	q := u.Query()
	q.Set("clientId", opts.ClientID)
	q.Set("role", string(opts.Role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) Events() <-chan models.SignalMessage {
	return c.events
}

// Send publishes msg to the room. It fails while the client is reconnecting.
func (c *Client) Send(ctx context.Context, msg models.SignalMessage) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return fmt.Errorf("%w: not connected", ErrRelayUnavailable)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	msg.From = c.opts.ClientID
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Err reports why Events was closed; nil after a normal Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close leaves the room and waits for the reader to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, relay.ReasonLeft))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connect dials up to MaxAttempts times with exponential backoff.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	backoff := c.opts.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, header)
		if err == nil {
			log.Info().Str("module", "signalclient").Str("room", c.opts.RoomID).Int("attempt", attempt).Msg("connected to relay")
			return conn, nil
		}
		lastErr = err
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Auth and validation errors will not fix themselves.
			return nil, fmt.Errorf("%w: %s", ErrRelayUnavailable, resp.Status)
		}
		log.Warn().Err(err).Str("module", "signalclient").Int("attempt", attempt).Dur("backoff", backoff).Msg("relay dial failed")

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrRelayUnavailable, c.opts.MaxAttempts, lastErr)
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		err := c.read(conn)
		if c.isClosed() {
			return
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Text == relay.ReasonRoomClosed || closeErr.Text == relay.ReasonReplaced) {
			c.finish(fmt.Errorf("%w: %s", ErrClosedByRelay, closeErr.Text))
			return
		}
		log.Warn().Err(err).Str("module", "signalclient").Str("room", c.opts.RoomID).Msg("relay connection lost, reconnecting")

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		next, err := c.connect(c.ctx)
		if err != nil {
			if !c.isClosed() {
				c.finish(err)
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()
		conn = next

		select {
		case c.events <- models.SignalMessage{Type: models.SignalTypeResubscribed, RoomID: c.opts.RoomID}:
		case <-c.ctx.Done():
			next.Close()
			return
		}
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		var msg models.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.events <- msg:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.conn = nil
	c.mu.Unlock()
	log.Error().Err(err).Str("module", "signalclient").Str("room", c.opts.RoomID).Msg("relay connection ended")
}
