package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the hub configuration.
const (
	DefaultPort              = "8080"
	DefaultPresenceThreshold = 2 * time.Minute
	DefaultSweepInterval     = 10 * time.Second
	DefaultSendBuffer        = 256
	DefaultEventsPattern     = "hub:events:*"
	DefaultMembershipChannel = "hub:membership"
	DefaultPresenceKey       = "hub:presence"
	DefaultJWKSRefresh       = 24 * time.Hour
	DefaultGroupLookup       = 3 * time.Second
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Publish  PublishConfig  `yaml:"publish"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`

	// AllowedOrigins restricts WebSocket upgrades; empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// SendBuffer is the per-connection outbound frame queue depth.
	SendBuffer int `yaml:"send_buffer"`
}

type AuthConfig struct {
	// Secret is the HS256 shared secret. Ignored when JWKSURL is set.
	Secret string `yaml:"secret"`

	JWKSURL     string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
	Issuer      string        `yaml:"issuer"`

	// RejectUnauthenticated refuses the upgrade when no valid token is
	// presented. Off by default: such connections stay open without channels.
	RejectUnauthenticated bool `yaml:"reject_unauthenticated"`

	// AllowLegacyRegister lets a connection self-declare its principal with a
	// register frame.
	AllowLegacyRegister bool `yaml:"allow_legacy_register"`
}

// Enabled reports whether any token verification is configured.
func (a AuthConfig) Enabled() bool {
	return a.Secret != "" || a.JWKSURL != ""
}

// PresenceConfig is the single source of the online window for every
// presence consumer.
type PresenceConfig struct {
	Threshold     time.Duration `yaml:"threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type RedisConfig struct {
	// URL enables the Redis event feed and presence mirror when non-empty.
	URL               string `yaml:"url"`
	EventsPattern     string `yaml:"events_pattern"`
	MembershipChannel string `yaml:"membership_channel"`
	PresenceKey       string `yaml:"presence_key"`
}

type StorageConfig struct {
	// Driver is one of: postgres | sqlite | none.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// GroupsQuery overrides the membership lookup. It takes the principal id
	// as its only parameter and returns one group id per row.
	GroupsQuery   string        `yaml:"groups_query"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type PublishConfig struct {
	// KeyHash is the bcrypt hash of the key collaborators send in
	// X-Publish-Key. Empty disables the HTTP publish endpoint.
	KeyHash string `yaml:"key_hash"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       DefaultPort,
			SendBuffer: DefaultSendBuffer,
		},
		Auth: AuthConfig{
			JWKSRefresh:         DefaultJWKSRefresh,
			AllowLegacyRegister: true,
		},
		Presence: PresenceConfig{
			Threshold:     DefaultPresenceThreshold,
			SweepInterval: DefaultSweepInterval,
		},
		Redis: RedisConfig{
			EventsPattern:     DefaultEventsPattern,
			MembershipChannel: DefaultMembershipChannel,
			PresenceKey:       DefaultPresenceKey,
		},
		Storage: StorageConfig{
			Driver:        "none",
			LookupTimeout: DefaultGroupLookup,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.SendBuffer = getEnvInt("HUB_SEND_BUFFER", cfg.Server.SendBuffer)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Auth.Secret = getEnv("JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.JWKSURL = getEnv("JWKS_URL", cfg.Auth.JWKSURL)
	cfg.Auth.Issuer = getEnv("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.RejectUnauthenticated = getEnvBool("HUB_REJECT_UNAUTHENTICATED", cfg.Auth.RejectUnauthenticated)
	cfg.Presence.Threshold = getEnvDuration("PRESENCE_THRESHOLD", cfg.Presence.Threshold)
	cfg.Storage.DSN = getEnv("DATABASE_URL", cfg.Storage.DSN)
	cfg.Publish.KeyHash = getEnv("PUBLISH_KEY_HASH", cfg.Publish.KeyHash)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
}

func validate(cfg *Config) error {
	if p, err := strconv.Atoi(cfg.Server.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("server.port %q is not a valid port", cfg.Server.Port)
	}
	if cfg.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	if cfg.Auth.JWKSURL != "" && cfg.Auth.JWKSRefresh < time.Minute {
		return fmt.Errorf("auth.jwks_refresh must be at least 1m")
	}
	if cfg.Presence.Threshold <= 0 {
		return fmt.Errorf("presence.threshold must be positive")
	}
	if cfg.Presence.SweepInterval < time.Second {
		return fmt.Errorf("presence.sweep_interval must be at least 1s")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres", "sqlite":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	case "none", "":
	default:
		return fmt.Errorf("storage.driver %q unknown: want postgres|sqlite|none", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
