package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", BackendMemory)
	t.Setenv("JWT_SECRET", "a-secret-of-sufficient-length")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "08:05", cfg.FineAccrualAt)
	assert.Equal(t, 4, cfg.PromotionWorkers)
	assert.Equal(t, DefaultPolicy().LoanDurationDays, cfg.Policy.LoanDurationDays)
	assert.True(t, cfg.Policy.FinePerDay.Equal(decimal.RequireFromString("0.25")))
}

func TestLoadPolicyOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LOAN_DURATION_DAYS", "21")
	t.Setenv("RESERVATION_HOLD_HOURS", "48")
	t.Setenv("FINE_PER_DAY", "0")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 21, cfg.Policy.LoanDurationDays)
	assert.Equal(t, 48*time.Hour, cfg.Policy.HoldWindow())
	assert.False(t, cfg.Policy.FinesEnabled())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"short secret", "JWT_SECRET", "short"},
		{"postgres without url", "STORE_BACKEND", BackendPostgres},
		{"unknown backend", "STORE_BACKEND", "sqlite"},
		{"bad duration", "SWEEP_INTERVAL", "soon"},
		{"tiny sweep", "SWEEP_INTERVAL", "10ms"},
		{"bad clock", "FINE_ACCRUAL_AT", "25:99"},
		{"too many workers", "PROMOTION_WORKERS", "500"},
		{"bad integer", "MAX_RENEWALS", "two"},
		{"bad fine", "FINE_PER_DAY", "cheap"},
		{"negative fine", "FINE_PER_DAY", "-1"},
		{"negative renewals", "MAX_RENEWALS", "-1"},
		{"zero hold", "RESERVATION_HOLD_HOURS", "0"},
		{"bad url", "NOTIFICATION_URL", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()

			assert.Error(t, err)
		})
	}
}

func TestClockTime(t *testing.T) {
	hour, minute, err := ClockTime("08:05")
	require.NoError(t, err)
	assert.Equal(t, 8, hour)
	assert.Equal(t, 5, minute)

	_, _, err = ClockTime("8am")
	assert.Error(t, err)
}

func TestPolicyDueDate(t *testing.T) {
	from := time.Date(2026, 3, 28, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 4, 11, 12, 0, 0, 0, time.UTC), DefaultPolicy().DueDate(from))
}

func TestLoadChaos(t *testing.T) {
	t.Run("defaults to memory", func(t *testing.T) {
		t.Setenv("STORE_BACKEND", "")

		cfg, err := LoadChaos()

		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.StoreBackend)
		assert.Equal(t, 5*time.Second, cfg.Observe)
		assert.Equal(t, 500*time.Millisecond, cfg.SampleEvery)
	})

	t.Run("sample slower than observe", func(t *testing.T) {
		t.Setenv("CHAOS_OBSERVE", "1s")
		t.Setenv("CHAOS_SAMPLE_EVERY", "2s")

		_, err := LoadChaos()

		assert.Error(t, err)
	})
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	negative := DefaultPolicy()
	negative.MaxRenewals = -1
	assert.Error(t, negative.Validate())

	free := DefaultPolicy()
	free.FinePerDay = decimal.Zero
	assert.NoError(t, free.Validate())

	refund := DefaultPolicy()
	refund.FinePerDay = decimal.RequireFromString("-0.25")
	assert.Error(t, refund.Validate())
}
