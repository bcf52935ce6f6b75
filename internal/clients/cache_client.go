// internal/clients/cache_client.go
package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// CacheClient drops cached title read models in the edge cache.
type CacheClient struct {
	hook *webhook
}

func NewCacheClient(baseURL string, client *http.Client) *CacheClient {
	return &CacheClient{hook: newWebhook("cache", baseURL, client)}
}

func (c *CacheClient) Invalidate(ctx context.Context, titleID uuid.UUID) error {
	return c.hook.do(ctx, http.MethodDelete, fmt.Sprintf("/titles/%s", titleID), nil)
}

// NoopInvalidator is used when no cache is configured.
type NoopInvalidator struct {
	Logger *slog.Logger
}

func (n NoopInvalidator) Invalidate(ctx context.Context, titleID uuid.UUID) error {
	n.Logger.DebugContext(ctx, "cache invalidation skipped", "title_id", titleID)
	return nil
}
