package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Relay backends accepted by RELAY_BACKEND.
const (
	RelayBackendMemory = "memory"
	RelayBackendRedis  = "redis"
)

// Config holds runtime configuration values for the chat API service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	DatabaseDriver       string
	DatabaseURL          string
	DirectoryAutoMigrate bool
	RedisURL             string
	NATSURL              string
	JWTSecret            string

	StorageRoot      string
	PartitionPool    int
	BusyTimeout      time.Duration
	PartitionConns   int
	RetryAttempts    int
	RetryMaxInterval time.Duration

	StreamTick      time.Duration
	StreamBackoff   time.Duration
	HeartbeatEvery  int
	AuthorizeEvery  int
	StreamRetry     time.Duration
	TypingTTL       time.Duration
	RegistryTTL     time.Duration
	RelayBackend    string
	RelayRetention  time.Duration
	RelayCapacity   int
	KeyPrefix       string
	SendRateLimit   int
	SendRateWindow  time.Duration
	ShutdownTimeout time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ROOMCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Roomchat API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("directory.automigrate", false)
	v.SetDefault("storage.root", "./data/rooms")
	v.SetDefault("storage.pool_size", 256)
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.retry_attempts", 5)
	v.SetDefault("storage.retry_max_interval", "500ms")
	v.SetDefault("stream.tick", "1s")
	v.SetDefault("stream.error_backoff", "5s")
	v.SetDefault("stream.heartbeat_every", 30)
	v.SetDefault("stream.authorize_every", 5)
	v.SetDefault("stream.retry", "5s")
	v.SetDefault("typing.ttl", "10s")
	v.SetDefault("registry.ttl", "90s")
	v.SetDefault("relay.backend", RelayBackendMemory)
	v.SetDefault("relay.retention", "5m")
	v.SetDefault("relay.capacity", 512)
	v.SetDefault("key_prefix", "roomchat")
	v.SetDefault("rate_limit.send", 30)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("shutdown_timeout", "10s")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		LogLevel:             strings.ToLower(v.GetString("log.level")),
		DatabaseDriver:       strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:          v.GetString("database.url"),
		DirectoryAutoMigrate: v.GetBool("directory.automigrate"),
		RedisURL:             v.GetString("redis.url"),
		NATSURL:              v.GetString("nats.url"),
		JWTSecret:            v.GetString("jwt.secret"),
		StorageRoot:          v.GetString("storage.root"),
		PartitionPool:        v.GetInt("storage.pool_size"),
		PartitionConns:       v.GetInt("storage.max_conns"),
		RetryAttempts:        v.GetInt("storage.retry_attempts"),
		HeartbeatEvery:       v.GetInt("stream.heartbeat_every"),
		AuthorizeEvery:       v.GetInt("stream.authorize_every"),
		RelayBackend:         strings.ToLower(v.GetString("relay.backend")),
		RelayCapacity:        v.GetInt("relay.capacity"),
		KeyPrefix:            v.GetString("key_prefix"),
		SendRateLimit:        v.GetInt("rate_limit.send"),
	}
	durations["storage.busy_timeout"] = &cfg.BusyTimeout
	durations["storage.retry_max_interval"] = &cfg.RetryMaxInterval
	durations["stream.tick"] = &cfg.StreamTick
	durations["stream.error_backoff"] = &cfg.StreamBackoff
	durations["stream.retry"] = &cfg.StreamRetry
	durations["typing.ttl"] = &cfg.TypingTTL
	durations["registry.ttl"] = &cfg.RegistryTTL
	durations["relay.retention"] = &cfg.RelayRetention
	durations["rate_limit.window"] = &cfg.SendRateWindow
	durations["shutdown_timeout"] = &cfg.ShutdownTimeout

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage root must be provided")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	switch c.RelayBackend {
	case RelayBackendMemory:
	case RelayBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis relay backend requires a redis url")
		}
	default:
		return fmt.Errorf("unsupported relay backend %q", c.RelayBackend)
	}
	if c.PartitionPool <= 0 || c.PartitionConns <= 0 {
		return fmt.Errorf("storage pool size and max conns must be positive")
	}
	if c.RetryAttempts <= 0 || c.HeartbeatEvery <= 0 || c.AuthorizeEvery <= 0 || c.RelayCapacity <= 0 {
		return fmt.Errorf("retry attempts, heartbeat, authorize intervals and relay capacity must be positive")
	}
	// Sessions refresh their registry marker once per heartbeat.
	if touch := c.StreamTick * time.Duration(c.HeartbeatEvery); c.RegistryTTL <= touch {
		return fmt.Errorf("registry.ttl %s must exceed the heartbeat period %s", c.RegistryTTL, touch)
	}
	return nil
}
