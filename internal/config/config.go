package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Parley gateway. Store
// persistence reads PARLEY_DATA_DIR and PARLEY_RUN_TTL directly, so they
// are not mirrored here.
type Config struct {
	Port      int
	Version   string
	Telemetry TelemetryConfig
	Limits    LimitsConfig
	Knowledge KnowledgeConfig
	Channels  ChannelsConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type LimitsConfig struct {
	MaxPerMinute int
	DedupWindow  time.Duration
}

type KnowledgeConfig struct {
	// PgvectorURL enables semantic knowledge search; empty falls back to
	// keyword scoring.
	PgvectorURL   string
	EmbeddingDims int
}

type ChannelsConfig struct {
	TelegramToken string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PARLEY_PORT", 8080),
		Version: envStr("PARLEY_VERSION", "0.2.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "parley-gateway"),
		},
		Limits: LimitsConfig{
			MaxPerMinute: envInt("PARLEY_RATE_LIMIT", 20),
			DedupWindow:  envDuration("PARLEY_DEDUP_WINDOW", 2*time.Second),
		},
		Knowledge: KnowledgeConfig{
			PgvectorURL:   envStr("PARLEY_PGVECTOR_URL", ""),
			EmbeddingDims: envInt("PARLEY_EMBEDDING_DIMS", 768),
		},
		Channels: ChannelsConfig{
			TelegramToken: envStr("PARLEY_TELEGRAM_TOKEN", ""),
		},
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
