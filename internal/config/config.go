package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Parley service.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Provider  ProviderConfig
	Auth      AuthConfig
	Limits    LimitsConfig
	Stream    StreamConfig
	Analytics AnalyticsConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig

	// AllowedOrigins are the origin patterns accepted by CORS and the
	// websocket upgrade.
	AllowedOrigins []string
}

type DatabaseConfig struct {
	// URL selects PostgreSQL when set; empty runs on the in-memory store.
	URL            string
	MaxConnections int
}

type ProviderConfig struct {
	BaseURL string
	// APIKey empty leaves generation disabled.
	APIKey  string
	Model   string
	Timeout time.Duration
}

type AuthConfig struct {
	// TokenSecret empty disables token minting and the auth endpoints.
	TokenSecret string
	TokenTTL    time.Duration
}

type LimitsConfig struct {
	MaxContextLength        int
	IdleTimeout             time.Duration
	HistoryLimit            int
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
}

type StreamConfig struct {
	ChunkWords int
	ChunkDelay time.Duration
}

type AnalyticsConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type RetentionConfig struct {
	// SessionKeep is how long soft-deleted sessions are kept before their
	// transcripts are archived and the rows purged. Zero disables archival.
	SessionKeep time.Duration
	// ArchiveDir is where transcripts land; empty means ~/.parley/archive.
	ArchiveDir string
	Compress   bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PARLEY_PORT", 8080),
		Version: envStr("PARLEY_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("PARLEY_DATABASE_URL", ""),
			MaxConnections: envInt("PARLEY_DATABASE_MAX_CONNECTIONS", 25),
		},
		Provider: ProviderConfig{
			BaseURL: envStr("PARLEY_PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  envStr("PARLEY_PROVIDER_API_KEY", ""),
			Model:   envStr("PARLEY_PROVIDER_MODEL", "gpt-4o-mini"),
			Timeout: envDur("PARLEY_PROVIDER_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			TokenSecret: envStr("PARLEY_TOKEN_SECRET", ""),
			TokenTTL:    envDur("PARLEY_TOKEN_TTL", 30*time.Minute),
		},
		Limits: LimitsConfig{
			MaxContextLength:        envInt("PARLEY_MAX_CONTEXT_LENGTH", 4000),
			IdleTimeout:             envDur("PARLEY_IDLE_TIMEOUT", 300*time.Second),
			HistoryLimit:            envInt("PARLEY_HISTORY_LIMIT", 50),
			BreakerFailureThreshold: envInt("PARLEY_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerRecoveryTimeout:  envDur("PARLEY_BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},
		Stream: StreamConfig{
			ChunkWords: envInt("PARLEY_STREAM_CHUNK_WORDS", 3),
			ChunkDelay: envDur("PARLEY_STREAM_CHUNK_DELAY", 20*time.Millisecond),
		},
		Analytics: AnalyticsConfig{
			WebhookURL:    envStr("PARLEY_ANALYTICS_WEBHOOK_URL", ""),
			WebhookSecret: envStr("PARLEY_ANALYTICS_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			SessionKeep: envDur("PARLEY_SESSION_RETENTION", 720*time.Hour),
			ArchiveDir:  envStr("PARLEY_ARCHIVE_DIR", ""),
			Compress:    envBool("PARLEY_ARCHIVE_COMPRESS", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "parley"),
		},
		AllowedOrigins: envList("PARLEY_ALLOWED_ORIGINS", []string{"*"}),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
