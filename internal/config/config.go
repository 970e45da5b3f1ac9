package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends selectable through storage.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds runtime configuration values for the realtime service.
type Config struct {
	AppName               string
	AppEnv                string
	AppPort               string
	StorageBackend        string
	DatabaseURL           string
	RedisURL              string
	NATSURL               string
	ChannelPrefix         string
	RoomCapacity          int
	MaxBodyLength         int
	PersistAttempts       int
	DeliveryWorkers       int
	QueueCapacity         int
	QueueStream           string
	QueueGroup            string
	DedupeTTL             time.Duration
	PresenceTTL           time.Duration
	PresenceSweepInterval time.Duration
	JWTSecret             string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Realtime")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("realtime.channel_prefix", "gema")
	v.SetDefault("rooms.capacity", 50)
	v.SetDefault("chat.max_body_length", 1000)
	v.SetDefault("chat.persist_attempts", 2)
	v.SetDefault("chat.workers", 4)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.stream", "gema:delivery")
	v.SetDefault("queue.group", "delivery")
	v.SetDefault("queue.dedupe_ttl", "10m")
	v.SetDefault("presence.ttl", "60s")
	v.SetDefault("presence.sweep_interval", "10s")

	presenceTTL, err := parseDuration(v, "presence.ttl")
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := parseDuration(v, "presence.sweep_interval")
	if err != nil {
		return Config{}, err
	}
	dedupeTTL, err := parseDuration(v, "queue.dedupe_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:               v.GetString("app.name"),
		AppEnv:                strings.ToLower(v.GetString("app.env")),
		AppPort:               v.GetString("app.port"),
		StorageBackend:        strings.ToLower(strings.TrimSpace(v.GetString("storage.backend"))),
		DatabaseURL:           v.GetString("database.url"),
		RedisURL:              v.GetString("redis.url"),
		NATSURL:               v.GetString("nats.url"),
		ChannelPrefix:         v.GetString("realtime.channel_prefix"),
		RoomCapacity:          v.GetInt("rooms.capacity"),
		MaxBodyLength:         v.GetInt("chat.max_body_length"),
		PersistAttempts:       v.GetInt("chat.persist_attempts"),
		DeliveryWorkers:       v.GetInt("chat.workers"),
		QueueCapacity:         v.GetInt("queue.capacity"),
		QueueStream:           v.GetString("queue.stream"),
		QueueGroup:            v.GetString("queue.group"),
		DedupeTTL:             dedupeTTL,
		PresenceTTL:           presenceTTL,
		PresenceSweepInterval: sweepInterval,
		JWTSecret:             v.GetString("jwt.secret"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis url must be provided for the redis storage backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided in production")
	}
	if c.RoomCapacity <= 0 {
		return fmt.Errorf("rooms capacity must be positive")
	}
	if c.MaxBodyLength <= 0 {
		return fmt.Errorf("chat max body length must be positive")
	}
	if c.PresenceTTL <= 0 || c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence durations must be positive")
	}
	return nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
