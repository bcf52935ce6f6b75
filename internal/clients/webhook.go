// internal/clients/webhook.go
package clients

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRateLimited is returned when the local limiter refuses a call.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultTimeout      = 5 * time.Second
	defaultRate         = 50
	defaultBurst        = 100
	breakerFailures     = 5
	breakerOpenDuration = 30 * time.Second
)

// webhook is an HTTP collaborator guarded by a rate limiter and a circuit
// breaker. A tripped breaker fails calls fast until it half-opens.
type webhook struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newWebhook(name, baseURL string, client *http.Client) *webhook {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &webhook{
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultRate), defaultBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     breakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
		}),
	}
}

// do sends body (JSON encoded when not nil) and expects a 2xx response.
func (w *webhook) do(ctx context.Context, method, path string, body any) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			payload, err := codec.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
