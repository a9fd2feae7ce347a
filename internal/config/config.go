package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"shuttle-tracker/internal/tracking"
)

// Config holds service settings read from the environment
type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	DBDriver    string `validate:"oneof=sqlite3 pgx"`
	DatabaseURL string `validate:"required"`

	MaxReportAge     time.Duration `validate:"gt=0"`
	SessionTTL       time.Duration `validate:"gt=0"`
	LookbackWindow   time.Duration `validate:"gt=0"`
	StopRadiusMeters float64       `validate:"gt=0"`
	DwellThreshold   time.Duration `validate:"gt=0"`

	SampleRetention time.Duration `validate:"gtefield=LookbackWindow"`
	PruneInterval   time.Duration `validate:"gt=0"`

	NATSURL           string `validate:"omitempty,url"`
	NATSSubjectPrefix string `validate:"required"`

	RedisEnabled  bool
	RedisAddr     string        `validate:"required_if=RedisEnabled true"`
	RedisPassword string
	RedisDB       int           `validate:"gte=0"`
	CacheTTL      time.Duration `validate:"gt=0"`

	MetricsEnabled bool

	// Host patterns allowed to open the arrival stream from a browser.
	// Empty means same-origin only.
	StreamAllowedOrigins []string `validate:"dive,required"`
}

// Load reads .env (if present) and the environment, applying defaults. The
// result is not validated; callers apply flag overrides first and then call
// Validate.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		DBDriver:    getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL: getEnv("DATABASE_URL", "shuttle.db"),

		MaxReportAge:     getDurationEnv("MAX_REPORT_AGE", tracking.DefaultMaxReportAge),
		SessionTTL:       getDurationEnv("SESSION_TTL", tracking.DefaultSessionTTL),
		LookbackWindow:   getDurationEnv("LOOKBACK_WINDOW", tracking.DefaultLookback),
		StopRadiusMeters: getFloatEnv("STOP_RADIUS_METERS", tracking.DefaultStopRadiusMeters),
		DwellThreshold:   getDurationEnv("DWELL_THRESHOLD", tracking.DefaultDwellThreshold),

		SampleRetention: getDurationEnv("SAMPLE_RETENTION", 24*time.Hour),
		PruneInterval:   getDurationEnv("PRUNE_INTERVAL", 10*time.Minute),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "shuttle.arrivals"),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDurationEnv("CACHE_TTL", 10*time.Minute),

		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),

		StreamAllowedOrigins: getListEnv("STREAM_ALLOWED_ORIGINS"),
	}
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Windows returns the store query horizons
func (c *Config) Windows() tracking.Windows {
	return tracking.Windows{SessionTTL: c.SessionTTL, Lookback: c.LookbackWindow}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// getListEnv splits a comma-separated value, dropping empty items
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}
