// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	AllowedOrigins  []string
	DBPath          string
	JWTSecret       string
	UploadDir       string
	MaxUploadBytes  int64
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Realtime        RealtimeConfig
	Relay           RelayConfig
	Media           MediaConfig
}

// RealtimeConfig controls websocket sessions.
type RealtimeConfig struct {
	SendQueueSize      int
	WriteTimeout       time.Duration
	ReadLimitBytes     int64
	StrictMembership   bool
	PresenceInterval   time.Duration
	PresenceStaleAfter time.Duration
}

// RelayConfig controls cross-instance fan-out over Redis.
type RelayConfig struct {
	RedisURL   string
	Channel    string
	InstanceID string
}

// MediaConfig selects where uploaded attachments are stored.
type MediaConfig struct {
	// Backend is "local" (files under UploadDir) or "s3".
	Backend    string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	// S3PublicURL, when set, is the base URL objects are publicly readable
	// under. Otherwise media requests are redirected to presigned URLs.
	S3PublicURL string
	PresignTTL  time.Duration
}

// Media backends.
const (
	MediaLocal = "local"
	MediaS3    = "s3"
)

// Enabled reports whether a Redis relay is configured.
func (r RelayConfig) Enabled() bool {
	return r.RedisURL != ""
}

// fileConfig is the optional TOML file named by CONFIG_FILE.
// Environment variables take precedence over it.
type fileConfig struct {
	Port            string   `toml:"port"`
	FrontendURL     string   `toml:"frontend_url"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	DBPath          string   `toml:"db_path"`
	JWTSecret       string   `toml:"jwt_secret"`
	UploadDir       string   `toml:"upload_dir"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`

	Realtime struct {
		SendQueueSize    int    `toml:"send_queue_size"`
		WriteTimeout     string `toml:"write_timeout"`
		ReadLimitBytes   int64  `toml:"read_limit_bytes"`
		StrictMembership *bool  `toml:"strict_membership"`

		PresenceInterval   string `toml:"presence_interval"`
		PresenceStaleAfter string `toml:"presence_stale_after"`
	} `toml:"realtime"`

	Relay struct {
		RedisURL   string `toml:"redis_url"`
		Channel    string `toml:"channel"`
		InstanceID string `toml:"instance_id"`
	} `toml:"relay"`

	Media struct {
		Backend     string `toml:"backend"`
		S3Bucket    string `toml:"s3_bucket"`
		S3Region    string `toml:"s3_region"`
		S3Endpoint  string `toml:"s3_endpoint"`
		S3PublicURL string `toml:"s3_public_url"`
		PresignTTL  string `toml:"presign_ttl"`
	} `toml:"media"`
}

// Load reads configuration from the optional CONFIG_FILE and environment variables.
func Load() (*Config, error) {
	var fc fileConfig
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	strict := true
	if fc.Realtime.StrictMembership != nil {
		strict = *fc.Realtime.StrictMembership
	}

	cfg := &Config{
		Port:            getEnv("PORT", or(fc.Port, "8080")),
		FrontendURL:     getEnv("FRONTEND_URL", fc.FrontendURL),
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", fc.AllowedOrigins),
		DBPath:          getEnv("DB_PATH", or(fc.DBPath, "./data/chat.db")),
		JWTSecret:       getEnv("JWT_SECRET", fc.JWTSecret),
		UploadDir:       getEnv("UPLOAD_DIR", or(fc.UploadDir, "./data/uploads")),
		MaxUploadBytes:  getEnvInt64("MAX_UPLOAD_BYTES", orInt64(fc.MaxUploadBytes, 10<<20)),
		LogLevel:        parseLevel(getEnv("LOG_LEVEL", or(fc.LogLevel, "info"))),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", parseDuration(fc.ShutdownTimeout, 10*time.Second)),
		Realtime: RealtimeConfig{
			SendQueueSize:      getEnvInt("SEND_QUEUE_SIZE", orInt(fc.Realtime.SendQueueSize, 64)),
			WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", parseDuration(fc.Realtime.WriteTimeout, 10*time.Second)),
			ReadLimitBytes:     getEnvInt64("READ_LIMIT_BYTES", orInt64(fc.Realtime.ReadLimitBytes, 64<<10)),
			StrictMembership:   getEnvBool("STRICT_MEMBERSHIP", strict),
			PresenceInterval:   getEnvDuration("PRESENCE_INTERVAL", parseDuration(fc.Realtime.PresenceInterval, time.Minute)),
			PresenceStaleAfter: getEnvDuration("PRESENCE_STALE_AFTER", parseDuration(fc.Realtime.PresenceStaleAfter, 3*time.Minute)),
		},
		Relay: RelayConfig{
			RedisURL:   getEnv("REDIS_URL", fc.Relay.RedisURL),
			Channel:    getEnv("REDIS_CHANNEL", or(fc.Relay.Channel, "chat:events")),
			InstanceID: getEnv("INSTANCE_ID", fc.Relay.InstanceID),
		},
		Media: MediaConfig{
			Backend:     strings.ToLower(getEnv("MEDIA_BACKEND", or(fc.Media.Backend, MediaLocal))),
			S3Bucket:    getEnv("S3_BUCKET", fc.Media.S3Bucket),
			S3Region:    getEnv("S3_REGION", or(fc.Media.S3Region, "us-east-1")),
			S3Endpoint:  getEnv("S3_ENDPOINT", fc.Media.S3Endpoint),
			S3PublicURL: strings.TrimSuffix(getEnv("S3_PUBLIC_URL", fc.Media.S3PublicURL), "/"),
			PresignTTL:  getEnvDuration("S3_PRESIGN_TTL", parseDuration(fc.Media.PresignTTL, 15*time.Minute)),
		},
	}
	if cfg.Relay.InstanceID == "" {
		cfg.Relay.InstanceID = uuid.NewString()
	}
	if len(cfg.AllowedOrigins) == 0 && cfg.FrontendURL != "" {
		cfg.AllowedOrigins = []string{cfg.FrontendURL}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ErrMissingSecret is returned when no token signing secret is configured.
var ErrMissingSecret = errors.New("JWT_SECRET cannot be empty")

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.Realtime.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be > 0")
	}
	if c.Realtime.ReadLimitBytes <= 0 {
		return fmt.Errorf("READ_LIMIT_BYTES must be > 0")
	}
	if c.Realtime.PresenceInterval <= 0 {
		return fmt.Errorf("PRESENCE_INTERVAL must be > 0")
	}
	if c.Realtime.PresenceStaleAfter <= c.Realtime.PresenceInterval {
		return fmt.Errorf("PRESENCE_STALE_AFTER must exceed PRESENCE_INTERVAL")
	}
	if c.Relay.Enabled() && c.Relay.Channel == "" {
		return fmt.Errorf("REDIS_CHANNEL cannot be empty when REDIS_URL is set")
	}
	switch c.Media.Backend {
	case MediaLocal:
	case MediaS3:
		if c.Media.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET cannot be empty when MEDIA_BACKEND is s3")
		}
		if c.Media.PresignTTL <= 0 {
			return fmt.Errorf("S3_PRESIGN_TTL must be > 0")
		}
	default:
		return fmt.Errorf("unknown MEDIA_BACKEND %q", c.Media.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the origins allowed for CORS and websocket upgrades.
func (c *Config) Origins() []string {
	if len(c.AllowedOrigins) > 0 {
		return c.AllowedOrigins
	}
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return parseDuration(value, fallback)
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func orInt64(value, fallback int64) int64 {
	if value != 0 {
		return value
	}
	return fallback
}
