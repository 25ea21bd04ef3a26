package config

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Hub        HubConfig        `yaml:"hub"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// HubConfig holds the device hub configuration.
type HubConfig struct {
	DeviceIDPrefix          string        `yaml:"device_id_prefix"`
	DefaultPassword         string        `yaml:"default_password"`
	LivenessIntervalSeconds int           `yaml:"liveness_interval_seconds"`
	LivenessInterval        time.Duration `yaml:"-"`
	SyncTimeoutSeconds      int           `yaml:"sync_timeout_seconds"`
	SyncTimeout             time.Duration `yaml:"-"`
	HeartbeatTimeoutSeconds int           `yaml:"heartbeat_timeout_seconds"`
	HeartbeatTimeout        time.Duration `yaml:"-"`
	HeartbeatSweepSpec      string        `yaml:"heartbeat_sweep_spec"`
	ReadLimitBytes          int64         `yaml:"read_limit_bytes"`
	LowGrainThreshold       float64       `yaml:"low_grain_threshold"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// MQTTConfig configures the optional device event bus.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with their defaults and derives durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Hub.DeviceIDPrefix == "" {
		cfg.Hub.DeviceIDPrefix = "ESP"
	}
	if cfg.Hub.DefaultPassword == "" {
		cfg.Hub.DefaultPassword = "123456"
	}
	// A negative interval disables the liveness monitor; HTTP-only fleets
	// then rely on the heartbeat sweep.
	if cfg.Hub.LivenessIntervalSeconds == 0 {
		cfg.Hub.LivenessIntervalSeconds = 5
	}
	cfg.Hub.LivenessInterval = time.Duration(cfg.Hub.LivenessIntervalSeconds) * time.Second

	if cfg.Hub.SyncTimeoutSeconds <= 0 {
		cfg.Hub.SyncTimeoutSeconds = 30
	}
	cfg.Hub.SyncTimeout = time.Duration(cfg.Hub.SyncTimeoutSeconds) * time.Second

	if cfg.Hub.HeartbeatTimeoutSeconds <= 0 {
		cfg.Hub.HeartbeatTimeoutSeconds = 300
	}
	cfg.Hub.HeartbeatTimeout = time.Duration(cfg.Hub.HeartbeatTimeoutSeconds) * time.Second

	if cfg.Hub.HeartbeatSweepSpec == "" {
		cfg.Hub.HeartbeatSweepSpec = "@every 1m"
	}
	if cfg.Hub.ReadLimitBytes <= 0 {
		cfg.Hub.ReadLimitBytes = 64 * 1024
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Warn().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "feeder"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "feeder-hub"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
