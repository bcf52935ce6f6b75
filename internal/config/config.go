// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the process configuration of the circulation service.
type Config struct {
	Port             string        `validate:"required,numeric"`
	StoreBackend     string        `validate:"oneof=postgres memory"`
	DatabaseURL      string        `validate:"required_if=StoreBackend postgres"`
	DatabaseDriver   string        `validate:"oneof=postgres pgx"`
	JWTSecret        string        `validate:"required,min=16"`
	NotificationURL  string        `validate:"omitempty,url"`
	CacheURL         string        `validate:"omitempty,url"`
	OTLPEndpoint     string        `validate:"omitempty,hostname_port"`
	SweepInterval    time.Duration `validate:"gte=1s"`
	FineAccrualAt    string        `validate:"datetime=15:04"`
	RemindersAt      string        `validate:"datetime=15:04"`
	PromotionWorkers int           `validate:"gte=1,lte=64"`
	Policy           Policy
}

// Load reads an optional .env file and the environment, then validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	policy, err := policyFromEnv()
	if err != nil {
		return Config{}, err
	}

	sweep, err := time.ParseDuration(getEnv("SWEEP_INTERVAL", "30m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	workers, err := strconv.Atoi(getEnv("PROMOTION_WORKERS", "4"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PROMOTION_WORKERS: %w", err)
	}

	cfg := Config{
		Port:             getEnv("PORT", "8082"),
		StoreBackend:     getEnv("STORE_BACKEND", BackendPostgres),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		NotificationURL:  os.Getenv("NOTIFICATION_URL"),
		CacheURL:         os.Getenv("CACHE_URL"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SweepInterval:    sweep,
		FineAccrualAt:    getEnv("FINE_ACCRUAL_AT", "08:05"),
		RemindersAt:      getEnv("REMINDERS_AT", "08:00"),
		PromotionWorkers: workers,
		Policy:           policy,
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints on cfg and its policy.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func policyFromEnv() (Policy, error) {
	p := DefaultPolicy()

	var err error
	if p.LoanDurationDays, err = intEnv("LOAN_DURATION_DAYS", p.LoanDurationDays); err != nil {
		return Policy{}, err
	}
	if p.MaxRenewals, err = intEnv("MAX_RENEWALS", p.MaxRenewals); err != nil {
		return Policy{}, err
	}
	if p.ReservationHoldHours, err = intEnv("RESERVATION_HOLD_HOURS", p.ReservationHoldHours); err != nil {
		return Policy{}, err
	}
	if raw, ok := os.LookupEnv("FINE_PER_DAY"); ok {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid FINE_PER_DAY: %w", err)
		}
		p.FinePerDay = rate
	}
	return p, nil
}

func intEnv(key string, defaultValue int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ClockTime parses an "HH:MM" value into hour and minute.
func ClockTime(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}
