package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds all agent configuration values, loaded from environment
// variables. This is the narrow typed surface a CLI flag layer or
// config-file reader would populate before starting a run.
type Config struct {
	Server    string
	Machine   string
	UserID    string
	UserToken string

	UploadInterval        time.Duration
	BatchSize             int
	BatchIntervalMS       int
	CompressionLevel      int
	PublishGrace          time.Duration
	UploadCircuitBreakMax int
	HeartbeatInterval     time.Duration
	RequestTimeout        time.Duration

	ForceOffline bool

	// SMTP fields for the notifier fallback. The notifier treats these as
	// an opaque collaborator configuration.
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPass     string
	SMTPUseTLS   bool
	EmailFrom    string
	EmailTo      string
	EmailEnabled bool
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		Server:                envOrDefault("LW_SERVER", "http://127.0.0.1:8000"),
		Machine:               os.Getenv("LW_MACHINE"),
		UserID:                os.Getenv("LW_USER_ID"),
		UserToken:             os.Getenv("LW_USER_TOKEN"),
		UploadInterval:        parseDuration("LW_UPLOAD_INTERVAL", 2*time.Second),
		BatchSize:             parseInt("LW_BATCH_SIZE", 100),
		BatchIntervalMS:       parseInt("LW_BATCH_INTERVAL_MS", 5000),
		CompressionLevel:      parseInt("LW_COMPRESSION_LEVEL", 6),
		PublishGrace:          parseDuration("LW_PUBLISH_GRACE_SECONDS", 1*time.Second),
		UploadCircuitBreakMax: parseInt("LW_UPLOAD_CIRCUIT_BREAK_MAX", 5),
		HeartbeatInterval:     parseDuration("LW_HEARTBEAT_INTERVAL", 30*time.Second),
		RequestTimeout:        parseDuration("LW_REQUEST_TIMEOUT", 5*time.Second),
		ForceOffline:          parseBool("LW_FORCE_OFFLINE", false),

		SMTPHost:     os.Getenv("LW_SMTP_HOST"),
		SMTPPort:     parseInt("LW_SMTP_PORT", 465),
		SMTPUser:     os.Getenv("LW_SMTP_USER"),
		SMTPPass:     os.Getenv("LW_SMTP_PASS"),
		SMTPUseTLS:   parseBool("LW_SMTP_USE_TLS", true),
		EmailFrom:    os.Getenv("LW_EMAIL_FROM"),
		EmailTo:      os.Getenv("LW_EMAIL_TO"),
		EmailEnabled: parseBool("LW_EMAIL_ENABLED", true),
	}

	if cfg.Machine == "" {
		if hn, err := os.Hostname(); err == nil {
			cfg.Machine = hn
		}
	}

	return cfg
}

// NewTaskID generates a fresh task identifier for one supervised run.
func NewTaskID() string {
	return uuid.New().String()
}

// NormalizedCompressionLevel clamps to the 1-9 range gzip.NewWriterLevel accepts.
func NormalizedCompressionLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 9 {
		return 9
	}
	return level
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
