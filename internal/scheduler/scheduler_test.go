package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/libranexus/circulation/internal/circulation"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNextDaily(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC),
		},
		{
			name: "exactly at the slot rolls to tomorrow",
			now:  time.Date(2026, 3, 10, 8, 5, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 8, 5, 0, 0, time.UTC),
		},
		{
			name: "after the slot",
			now:  time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC),
			want: time.Date(2027, 1, 1, 8, 5, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDaily(tt.now, 8, 5))
		})
	}
}

func TestEveryRunsUntilCancelled(t *testing.T) {
	s := New(discardLogger())
	var runs atomic.Int32
	s.Every("tick", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type recordingPromoter struct {
	mu       sync.Mutex
	triggers []uuid.UUID
}

func (p *recordingPromoter) Promote(_ context.Context, titleID, triggerID uuid.UUID) (*circulation.PromotionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = append(p.triggers, triggerID)
	return &circulation.PromotionResult{TitleID: titleID, Outcome: circulation.OutcomeReleased}, nil
}

func (p *recordingPromoter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.triggers)
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	promoter := &recordingPromoter{}
	d := NewDispatcher(4, 8, discardLogger())
	d.Start(promoter)

	for range 100 {
		d.Dispatch(context.Background(), circulation.PromotionRequest{TitleID: uuid.New(), TriggerID: uuid.New()})
	}
	d.Close()

	assert.Equal(t, 100, promoter.count())
}

func TestDispatchAfterCloseRunsInline(t *testing.T) {
	promoter := &recordingPromoter{}
	d := NewDispatcher(1, 1, discardLogger())
	d.Start(promoter)
	d.Close()

	d.Dispatch(context.Background(), circulation.PromotionRequest{TitleID: uuid.New(), TriggerID: uuid.New()})

	assert.Equal(t, 1, promoter.count())
}
