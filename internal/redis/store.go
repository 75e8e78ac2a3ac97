package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// Store keeps room membership in a hash per room so every relay instance sees
// the same participants. Keys expire after ttl so crashed instances do not
// leave rooms behind forever.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Join(ctx context.Context, roomID string, m models.Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}

	key := peersKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, m.ClientID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store member %s in room %s: %w", m.ClientID, roomID, err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, roomID, clientID string) error {
	if err := s.client.HDel(ctx, peersKey(roomID), clientID).Err(); err != nil {
		return fmt.Errorf("failed to remove member %s from room %s: %w", clientID, roomID, err)
	}
	return nil
}

func (s *Store) Members(ctx context.Context, roomID string) ([]models.Member, error) {
	raw, err := s.client.HGetAll(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", roomID, err)
	}

	members := make([]models.Member, 0, len(raw))
	for clientID, data := range raw {
		var m models.Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			// Written by an incompatible instance; keep the id, drop the rest.
			m = models.Member{ClientID: clientID}
		}
		members = append(members, m)
	}
	models.SortMembers(members)
	return members, nil
}
