// internal/config/chaos.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Chaos holds the configuration of the chaos game day runner.
type Chaos struct {
	StoreBackend   string        `validate:"oneof=postgres memory"`
	DatabaseURL    string        `validate:"required_if=StoreBackend postgres"`
	DatabaseDriver string        `validate:"oneof=postgres pgx"`
	Observe        time.Duration `validate:"gt=0"`
	SampleEvery    time.Duration `validate:"gt=0,ltefield=Observe"`
	Pause          time.Duration `validate:"gte=0"`
	Policy         Policy
}

// LoadChaos reads the game day configuration. The memory backend is the
// default so a run never touches a real database by accident.
func LoadChaos() (Chaos, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Chaos{}, fmt.Errorf("failed to load .env: %w", err)
	}

	policy, err := policyFromEnv()
	if err != nil {
		return Chaos{}, err
	}

	cfg := Chaos{
		StoreBackend:   getEnv("STORE_BACKEND", BackendMemory),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		Policy:         policy,
	}
	durations := []struct {
		key, fallback string
		dst           *time.Duration
	}{
		{"CHAOS_OBSERVE", "5s", &cfg.Observe},
		{"CHAOS_SAMPLE_EVERY", "500ms", &cfg.SampleEvery},
		{"CHAOS_PAUSE", "2s", &cfg.Pause},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return Chaos{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Chaos{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return Chaos{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
