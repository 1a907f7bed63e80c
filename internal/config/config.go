package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string        `mapstructure:"PORT"`
	Env         string        `mapstructure:"ENV"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32         `mapstructure:"DB_MIN_CONNS"`
	DBTimeout   time.Duration `mapstructure:"DB_TIMEOUT"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	NotifyStream       string `mapstructure:"NOTIFY_STREAM"`
	NotifyStreamMaxLen int64  `mapstructure:"NOTIFY_STREAM_MAXLEN"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	ScheduleTimezone       string        `mapstructure:"SCHEDULE_TIMEZONE"`
	DefaultDurationMinutes int           `mapstructure:"DEFAULT_DURATION_MINUTES"`
	DefaultBufferMinutes   int           `mapstructure:"DEFAULT_BUFFER_MINUTES"`
	SlotStepMinutes        int           `mapstructure:"SLOT_STEP_MINUTES"`
	ReminderOffsets        []int         `mapstructure:"-"`
	ReminderInterval       time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderBatchSize      int           `mapstructure:"REMINDER_BATCH_SIZE"`
	PriorityMediumAfter    time.Duration `mapstructure:"PRIORITY_MEDIUM_AFTER"`
	PriorityHighAfter      time.Duration `mapstructure:"PRIORITY_HIGH_AFTER"`

	OTLPEndpoint   string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure   bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`

	location *time.Location
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_TIMEOUT",
	"REDIS_URL", "NOTIFY_STREAM", "NOTIFY_STREAM_MAXLEN",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
	"SCHEDULE_TIMEZONE", "DEFAULT_DURATION_MINUTES", "DEFAULT_BUFFER_MINUTES", "SLOT_STEP_MINUTES",
	"REMINDER_OFFSETS", "REMINDER_INTERVAL", "REMINDER_BATCH_SIZE",
	"PRIORITY_MEDIUM_AFTER", "PRIORITY_HIGH_AFTER",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_STREAM", "counsel:notifications")
	v.SetDefault("NOTIFY_STREAM_MAXLEN", 100000)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("SCHEDULE_TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_DURATION_MINUTES", 60)
	v.SetDefault("DEFAULT_BUFFER_MINUTES", 15)
	v.SetDefault("SLOT_STEP_MINUTES", 30)
	v.SetDefault("REMINDER_OFFSETS", "1440,60")
	v.SetDefault("REMINDER_INTERVAL", "1m")
	v.SetDefault("REMINDER_BATCH_SIZE", 100)
	v.SetDefault("PRIORITY_MEDIUM_AFTER", "24h")
	v.SetDefault("PRIORITY_HIGH_AFTER", "72h")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}
	offsets, err := parseOffsets(v.GetString("REMINDER_OFFSETS"))
	if err != nil {
		return nil, err
	}
	cfg.ReminderOffsets = offsets

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOffsets(s string) ([]int, error) {
	out := []int{}
	for _, p := range splitList(s) {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("REMINDER_OFFSETS: %q is not a positive number of minutes", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the zone in which working hours are interpreted. Only
// valid after Validate.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key of at least 32 bytes is required so bearer tokens are
// actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
		}
	}

	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return fmt.Errorf("SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}
	c.location = loc

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_DURATION_MINUTES must be positive")
	}
	if c.DefaultBufferMinutes < 0 {
		return fmt.Errorf("DEFAULT_BUFFER_MINUTES must not be negative")
	}
	if c.SlotStepMinutes <= 0 {
		return fmt.Errorf("SLOT_STEP_MINUTES must be positive")
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL must be positive")
	}
	if c.PriorityMediumAfter <= 0 || c.PriorityHighAfter < c.PriorityMediumAfter {
		return fmt.Errorf("PRIORITY_HIGH_AFTER must not be shorter than PRIORITY_MEDIUM_AFTER, and both must be positive")
	}
	return nil
}
