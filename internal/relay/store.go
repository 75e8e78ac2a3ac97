package relay

import (
	"context"
	"sync"

	"github.com/mossy-p/telemed-signaling/internal/models"
)

// Store records room membership. Implementations may be shared between relay
// instances; the relay treats any error as the backend being unreachable.
type Store interface {
	Join(ctx context.Context, roomID string, m models.Member) error
	Leave(ctx context.Context, roomID, clientID string) error
	Members(ctx context.Context, roomID string) ([]models.Member, error)
}

// MemoryStore keeps membership in process. Used for single-instance
// deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]models.Member
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]models.Member)}
}

func (s *MemoryStore) Join(_ context.Context, roomID string, m models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]models.Member)
		s.rooms[roomID] = members
	}
	members[m.ClientID] = m
	return nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]models.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Member, 0, len(s.rooms[roomID]))
	for _, m := range s.rooms[roomID] {
		out = append(out, m)
	}
	models.SortMembers(out)
	return out, nil
}
