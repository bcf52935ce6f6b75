package chaos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clients"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/store/memory"
)

var quick = Timing{Duration: 30 * time.Millisecond, SampleEvery: 10 * time.Millisecond}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSubject(t *testing.T) Subject {
	t.Helper()
	logger := discard()
	st := memory.New()
	policy := config.DefaultPolicy()
	clock := &Clock{}
	invalidator := clients.NoopInvalidator{Logger: logger}

	return Subject{
		Circulation: circulation.NewService(st, config.StaticPolicy(policy), clients.LogNotifier{Logger: logger}, invalidator, logger,
			circulation.WithClock(clock.Now)),
		Catalog:   catalog.NewService(st, invalidator, logger),
		Inspector: st,
		Clock:     clock,
		Hold:      policy.HoldWindow(),
	}
}

func TestThresholdHolds(t *testing.T) {
	tests := []struct {
		operator string
		value    float64
		want     bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.operator, func(t *testing.T) {
			assert.Equal(t, tt.want, Threshold{Operator: tt.operator, Value: 1}.Holds(tt.value))
		})
	}
}

func TestRunAbortsOnInvalidSteadyState(t *testing.T) {
	engine := NewEngine(discard())
	injected := false

	result, err := engine.Run(context.Background(), Experiment{
		Name: "broken",
		SteadyState: []Probe{{
			Name:      "always_bad",
			Query:     func(context.Context) (float64, error) { return 5, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
	})

	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.False(t, injected)
	assert.Empty(t, engine.Results())
}

func TestRunRecordsActionErrorsAndRollsBack(t *testing.T) {
	engine := NewEngine(discard())
	rolledBack := false

	result, err := engine.Run(context.Background(), Experiment{
		Name: "failing action",
		Probes: []Probe{{
			Name:      "constant",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: Threshold{Operator: "==", Value: 1},
		}},
		Method: []Action{{
			Target:  "store",
			Execute: func(context.Context) error { return errors.New("connection reset") },
		}},
		Rollback: []Action{{Execute: func(context.Context) error { rolledBack = true; return nil }}},
		Validation: []Assertion{{
			Metric:    "constant",
			Condition: func(v float64) bool { return v == 1 },
			Message:   "constant must stay 1",
		}},
		Duration:    quick.Duration,
		SampleEvery: quick.SampleEvery,
	})

	require.NoError(t, err)
	assert.True(t, rolledBack)
	assert.True(t, result.HypothesisHeld)
	require.NotEmpty(t, result.ErrorEvents)
	assert.Equal(t, "store", result.ErrorEvents[0].Component)
	assert.NotEmpty(t, result.Observations["constant"])
}

func TestAssertionWithoutObservationsFails(t *testing.T) {
	engine := NewEngine(discard())

	result, err := engine.Run(context.Background(), Experiment{
		Name: "unobserved",
		Validation: []Assertion{{
			Metric:    "missing",
			Condition: func(float64) bool { return true },
			Message:   "missing metric",
		}},
		Duration: quick.Duration,
	})

	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"missing metric"}, result.Failed)
}

func TestBorrowRace(t *testing.T) {
	s := newSubject(t)
	engine := NewEngine(discard())

	result, err := engine.Run(context.Background(), BorrowRace(s, 100, quick))

	require.NoError(t, err)
	assert.Empty(t, result.ErrorEvents)
	assert.Empty(t, result.Violations)
	assert.True(t, result.HypothesisHeld, "failed: %v", result.Failed)
	rejections := result.Observations["borrow_rejections"]
	require.NotEmpty(t, rejections)
	assert.Equal(t, float64(99), rejections[len(rejections)-1].Value)
}

func TestPromotionRace(t *testing.T) {
	s := newSubject(t)
	engine := NewEngine(discard())

	result, err := engine.Run(context.Background(), PromotionRace(s, 20, quick))

	require.NoError(t, err)
	assert.Empty(t, result.ErrorEvents)
	assert.Empty(t, result.Violations)
	assert.True(t, result.HypothesisHeld, "failed: %v", result.Failed)
}

func TestExecuteGameDay(t *testing.T) {
	s := newSubject(t)
	engine := NewEngine(discard())
	for _, exp := range Experiments(s, quick) {
		engine.Register(exp)
	}

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "test game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})

	require.NoError(t, err)
	assert.True(t, held)
	assert.Len(t, engine.Results(), 2)
}

func TestClockAdvance(t *testing.T) {
	c := &Clock{}
	before := c.Now()

	c.Advance(48 * time.Hour)

	assert.WithinDuration(t, before.Add(48*time.Hour), c.Now(), time.Second)
}
