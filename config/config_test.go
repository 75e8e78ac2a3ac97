package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "JWT_SECRET", "RELAY_BACKEND", "RELAY_BUFFER_SIZE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.Production())
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Relay.Backend)
	assert.Equal(t, 256, cfg.Relay.BufferSize)
	assert.Equal(t, 30*time.Minute, cfg.Relay.IdleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Relay.RoomTTL)
	assert.Equal(t, 54*time.Second, cfg.WebSocket.PingPeriod)
	assert.Equal(t, int64(65536), cfg.WebSocket.ReadLimit)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://emr.example, https://portal.example")
	t.Setenv("RELAY_BACKEND", "redis")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("RELAY_IDLE_TIMEOUT", "5m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Production())
	assert.Equal(t, []string{"https://emr.example", "https://portal.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 5*time.Minute, cfg.Relay.IdleTimeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("RELAY_BUFFER_SIZE", "")

	content := `
allowed_origins:
  - https://clinic.example
relay:
  buffer_size: 32
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signaling.yaml"), []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://clinic.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 32, cfg.Relay.BufferSize)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_BACKEND", "etcd")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadICEServers(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		servers, err := LoadICEServers(filepath.Join(dir, "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultICEServers(), servers)
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		servers, err := LoadICEServers(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultICEServers(), servers)
	})

	t.Run("stun and turn", func(t *testing.T) {
		path := filepath.Join(dir, "ice.yaml")
		content := `
iceServers:
  - urls: ["stun:stun.example:3478"]
  - urls: ["turn:turn.example:3478?transport=udp"]
    username: clinic
    credential: s3cret
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		servers, err := LoadICEServers(path)
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "clinic", servers[1].Username)

		converted := ToWebRTC(servers)
		require.Len(t, converted, 2)
		assert.Equal(t, []string{"turn:turn.example:3478?transport=udp"}, converted[1].URLs)
		assert.Equal(t, "s3cret", converted[1].Credential)
	})

	t.Run("entry without urls", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("iceServers:\n  - username: x\n"), 0o644))
		_, err := LoadICEServers(path)
		assert.Error(t, err)
	})
}

func TestICEProvider_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("iceServers:\n  - urls: [\"stun:one.example:3478\"]\n"), 0o644))

	p, err := NewICEProvider(path)
	require.NoError(t, err)
	require.Equal(t, []string{"stun:one.example:3478"}, p.Servers()[0].URLs)

	done := make(chan struct{})
	defer close(done)
	require.NoError(t, p.Watch(done))

	require.NoError(t, os.WriteFile(path, []byte("iceServers:\n  - urls: [\"stun:two.example:3478\"]\n"), 0o644))

	assert.Eventually(t, func() bool {
		servers := p.Servers()
		return len(servers) == 1 && servers[0].URLs[0] == "stun:two.example:3478"
	}, 3*time.Second, 20*time.Millisecond)
}
