package clients

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
)

func TestNotificationClientSend(t *testing.T) {
	var got circulation.Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, codec.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewNotificationClient(server.URL, server.Client())
	user := uuid.New()

	err := client.Send(context.Background(), circulation.Notification{
		Type:    circulation.NotifyReservationReady,
		UserID:  user,
		Context: map[string]any{"title_id": "abc"},
	})

	require.NoError(t, err)
	assert.Equal(t, circulation.NotifyReservationReady, got.Type)
	assert.Equal(t, user, got.UserID)
	assert.Equal(t, "abc", got.Context["title_id"])
}

func TestNotificationClientRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewNotificationClient(server.URL, server.Client())

	err := client.Send(context.Background(), circulation.Notification{Type: circulation.NotifyFine})

	assert.ErrorContains(t, err, "unexpected status code: 502")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewCacheClient(server.URL, server.Client())
	ctx := context.Background()

	for range breakerFailures {
		assert.Error(t, client.Invalidate(ctx, uuid.New()))
	}
	err := client.Invalidate(ctx, uuid.New())

	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(breakerFailures), calls.Load())
}

func TestCacheClientInvalidate(t *testing.T) {
	titleID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/titles/"+titleID.String(), r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewCacheClient(server.URL, server.Client())

	assert.NoError(t, client.Invalidate(context.Background(), titleID))
}

func TestRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewNotificationClient(server.URL, server.Client())
	client.hook.limiter.SetBurst(0)

	err := client.Send(context.Background(), circulation.Notification{})

	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLogFallbacks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.NoError(t, LogNotifier{Logger: logger}.Send(context.Background(), circulation.Notification{}))
	assert.NoError(t, NoopInvalidator{Logger: logger}.Invalidate(context.Background(), uuid.New()))
}
