package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string          `mapstructure:"port"`
	Environment    string          `mapstructure:"environment"`
	LogLevel       string          `mapstructure:"log_level"`
	AllowedOrigins []string        `mapstructure:"-"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	ICEFile        string          `mapstructure:"ice_file"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Relay          RelayConfig     `mapstructure:"relay"`
	WebSocket      WebSocketConfig `mapstructure:"websocket"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RelayConfig controls the room registry.
// Backend is "memory" (single instance) or "redis" (shared membership and fan-out).
type RelayConfig struct {
	Backend     string        `mapstructure:"backend"`
	BufferSize  int           `mapstructure:"buffer_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	RoomTTL     time.Duration `mapstructure:"room_ttl"`
}

type WebSocketConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
}

// Production reports whether the server runs with production settings.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Load reads signaling.yaml (if present) and environment variables.
// Environment variable names match the config keys with dots replaced by
// underscores, e.g. REDIS_HOST or RELAY_BACKEND.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("signaling")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("ice_file", "config/ice.yaml")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("relay.backend", "memory")
	v.SetDefault("relay.buffer_size", 256)
	v.SetDefault("relay.idle_timeout", "30m")
	v.SetDefault("relay.room_ttl", "24h")
	v.SetDefault("websocket.read_limit", 65536)
	v.SetDefault("websocket.ping_period", "54s")
	v.SetDefault("websocket.pong_wait", "60s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info().Str("module", "config").Msg("no signaling.yaml found, using defaults and environment")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = parseOrigins(v.Get("allowed_origins"))

	switch cfg.Relay.Backend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
	if cfg.Relay.BufferSize <= 0 {
		return nil, fmt.Errorf("relay.buffer_size must be positive, got %d", cfg.Relay.BufferSize)
	}

	return &cfg, nil
}

// parseOrigins accepts either a YAML list or the comma-separated form used by
// the ALLOWED_ORIGINS environment variable.
func parseOrigins(raw interface{}) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []interface{}:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = val
	}

	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
