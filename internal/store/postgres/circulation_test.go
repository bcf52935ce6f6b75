package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/clients"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/membership"
)

func newCirculation(t *testing.T) (*Store, circulation.Service) {
	t.Helper()
	s := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := circulation.NewService(s, NewSettings(s, config.DefaultPolicy()),
		clients.LogNotifier{Logger: logger}, clients.NoopInvalidator{Logger: logger}, logger)
	return s, svc
}

func member() membership.Identity {
	return membership.Identity{UserID: uuid.New(), Role: membership.RoleMember}
}

func TestBorrowReturnPromotesWaiter(t *testing.T) {
	s, svc := newCirculation(t)
	ctx := context.Background()
	title := newTitle(t, s, 1)
	holder, waiter := member(), member()

	loan, err := svc.Borrow(ctx, holder, title.ID)
	require.NoError(t, err)
	entry, err := svc.JoinQueue(ctx, waiter, title.ID)
	require.NoError(t, err)

	_, err = svc.Return(ctx, holder, loan.ID)
	require.NoError(t, err)

	reserved, err := s.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReserved, reserved.Status)
	stored, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), stored.AvailableCopies)

	_, err = svc.Borrow(ctx, waiter, title.ID)
	require.NoError(t, err)
	history, err := svc.TitleHistory(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.EventLoanOpened, history[len(history)-1].EventType)
}

func TestConcurrentBorrowsPreventDoubleLending(t *testing.T) {
	s, svc := newCirculation(t)
	ctx := context.Background()
	title := newTitle(t, s, 1)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Borrow(ctx, member(), title.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, circulation.ErrNotAvailable):
				t.Errorf("unexpected borrow error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	stored, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), stored.AvailableCopies)
}
