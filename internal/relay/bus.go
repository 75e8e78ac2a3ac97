package relay

import (
	"context"

	"github.com/mossy-p/telemed-signaling/internal/models"
)

// Envelope is a delivery travelling between relay instances.
type Envelope struct {
	Origin  string               `json:"origin"`
	Message models.SignalMessage `json:"message"`
}

// Bus carries deliveries to the other relay instances serving the same rooms.
// Listen blocks until ctx is cancelled.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Listen(ctx context.Context, handle func(Envelope)) error
}
