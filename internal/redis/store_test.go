package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/telemed-signaling/config"
	"github.com/mossy-p/telemed-signaling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, config.RedisConfig{Host: "127.0.0.1", Port: "1"})
	assert.Error(t, err)
}

func TestStore_Membership(t *testing.T) {
	mr, client := newTestClient(t)
	store := NewStore(client, time.Hour)
	ctx := context.Background()

	joined := time.Now().Truncate(time.Second)
	require.NoError(t, store.Join(ctx, "R1", models.Member{ClientID: "a", Role: models.RoleDoctor, JoinedAt: joined}))
	require.NoError(t, store.Join(ctx, "R1", models.Member{ClientID: "b", Role: models.RolePatient, JoinedAt: joined.Add(time.Second)}))

	assert.Equal(t, time.Hour, mr.TTL("room:R1:peers"))

	members, err := store.Members(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].ClientID)
	assert.Equal(t, models.RoleDoctor, members[0].Role)
	assert.Equal(t, models.RolePatient, members[1].Role)

	require.NoError(t, store.Leave(ctx, "R1", "a"))
	members, err = store.Members(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "b", members[0].ClientID)
}

func TestStore_UnreachableBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	defer client.Close()
	store := NewStore(client, 0)
	mr.Close()

	err = store.Join(context.Background(), "R1", models.Member{ClientID: "a", Role: models.RoleDoctor})
	assert.Error(t, err)
	_, err = store.Members(context.Background(), "R1")
	assert.Error(t, err)
}
