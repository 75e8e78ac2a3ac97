package relay

import (
	"sync"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/models"
)

// Subscription is one client's push stream in a room. The channel returned by
// Messages is closed when the subscription ends for any reason.
type Subscription struct {
	RoomID   string
	ClientID string
	Role     models.Role
	JoinedAt time.Time

	mu     sync.Mutex
	ch     chan models.SignalMessage
	closed bool
	reason string
}

func newSubscription(roomID, clientID string, role models.Role, size int, now time.Time) *Subscription {
	return &Subscription{
		RoomID:   roomID,
		ClientID: clientID,
		Role:     role,
		JoinedAt: now,
		ch:       make(chan models.SignalMessage, size),
	}
}

func (s *Subscription) Messages() <-chan models.SignalMessage {
	return s.ch
}

// Reason is why the subscription was closed, empty while open.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// offer queues msg without blocking. It returns false when the queue is full.
func (s *Subscription) offer(msg models.SignalMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
	return true
}
