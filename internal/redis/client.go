package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/telemed-signaling/config"
	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func peersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func signalChannel(roomID string) string {
	return "signal:" + roomID
}

const signalPattern = "signal:*"
