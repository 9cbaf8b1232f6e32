// Package config loads process configuration from a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"syncbot/internal/models"
)

// Config holds the process configuration.
type Config struct {
	Environment string
	LogLevel    string

	DatabaseDSN string `validate:"required"`
	// SyncbotID identifies this scheduler instance as owner of the users it works on.
	SyncbotID string `validate:"required"`

	InitWorkers    int                 `validate:"gte=0"`
	TierWorkers    map[models.Plan]int `validate:"dive,gte=0"`
	PollInterval   time.Duration       `validate:"gt=0"`
	RetryBackoff   time.Duration       `validate:"gt=0"`
	SyncTimeout    time.Duration       `validate:"gt=0"`
	ErrorRetention time.Duration       `validate:"gt=0"`
	ForceExitGrace time.Duration       `validate:"gte=0"`
	// HousekeepingSpec is a cron spec; empty disables housekeeping.
	HousekeepingSpec string

	MaxAttempts        int `validate:"gte=1,lte=10"`
	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallInterval time.Duration `validate:"gte=0"`
	NotionCallInterval time.Duration `validate:"gte=0"`
	NotionAPIURL       string        `validate:"omitempty,url"`

	BackendURL   string `validate:"omitempty,url"`
	BackendToken string
	AdminToken   string
	HTTPAddr     string `validate:"required"`
}

// Load reads the .env file (if present) and the environment.
func Load() (*Config, error) {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()
	return FromLookup(os.Getenv)
}

// FromLookup builds and validates a Config from a key lookup function.
func FromLookup(get func(string) string) (*Config, error) {
	var errs []error
	str := func(key, fallback string) string {
		if v := strings.TrimSpace(get(key)); v != "" {
			return v
		}
		return fallback
	}
	num := func(key string, fallback int) int {
		raw := str(key, "")
		if raw == "" {
			return fallback
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", key, raw, err))
			return fallback
		}
		return v
	}
	dur := func(key string, fallback time.Duration) time.Duration {
		raw := str(key, "")
		if raw == "" {
			return fallback
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", key, raw, err))
			return fallback
		}
		return v
	}

	tiers, err := ParseTierWorkers(str("TIER_WORKERS", "FREE=1,BASIC=1,PRO=1"))
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Environment:        str("ENV", "development"),
		LogLevel:           str("LOG_LEVEL", "info"),
		DatabaseDSN:        str("DATABASE_DSN", "sqlite://syncbot.db"),
		SyncbotID:          str("SYNCBOT_ID", uuid.NewString()),
		InitWorkers:        num("INIT_WORKERS", 1),
		TierWorkers:        tiers,
		PollInterval:       dur("POLL_INTERVAL", 10*time.Second),
		RetryBackoff:       dur("RETRY_BACKOFF", time.Minute),
		SyncTimeout:        dur("SYNC_TIMEOUT", 10*time.Minute),
		ErrorRetention:     dur("ERROR_RETENTION", 7*24*time.Hour),
		ForceExitGrace:     dur("FORCE_EXIT_GRACE", 30*time.Second),
		HousekeepingSpec:   str("HOUSEKEEPING_SPEC", "@every 1h"),
		MaxAttempts:        num("MAX_ATTEMPTS", 3),
		GoogleClientID:     str("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: str("GOOGLE_CLIENT_SECRET", ""),
		GoogleCallInterval: dur("GOOGLE_CALL_INTERVAL", 100*time.Millisecond),
		NotionCallInterval: dur("NOTION_CALL_INTERVAL", 350*time.Millisecond),
		NotionAPIURL:       str("NOTION_API_URL", ""),
		BackendURL:         str("BACKEND_URL", ""),
		BackendToken:       str("BACKEND_TOKEN", ""),
		AdminToken:         str("ADMIN_TOKEN", ""),
		HTTPAddr:           str("HTTP_ADDR", ":8080"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.TotalWorkers() == 0 {
		return errors.New("invalid configuration: no worker loops configured")
	}
	return nil
}

// TotalWorkers is the number of scheduler loops the configuration asks for.
func (c *Config) TotalWorkers() int {
	total := c.InitWorkers
	for _, n := range c.TierWorkers {
		total += n
	}
	return total
}

// ParseTierWorkers parses "FREE=1,PRO=2" into a per-plan loop count.
func ParseTierWorkers(raw string) (map[models.Plan]int, error) {
	out := make(map[models.Plan]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, count, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid TIER_WORKERS entry %q", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid TIER_WORKERS count in %q", part)
		}
		out[models.Plan(strings.ToUpper(strings.TrimSpace(name)))] = n
	}
	return out, nil
}

// Plans returns the configured tiers in a stable order.
func (c *Config) Plans() []models.Plan {
	plans := make([]models.Plan, 0, len(c.TierWorkers))
	for p := range c.TierWorkers {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i] < plans[j] })
	return plans
}
