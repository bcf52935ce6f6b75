// internal/clients/notification_client.go
package clients

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/libranexus/circulation/internal/circulation"
)

// NotificationClient posts notifications to the notification service.
type NotificationClient struct {
	hook *webhook
}

func NewNotificationClient(baseURL string, client *http.Client) *NotificationClient {
	return &NotificationClient{hook: newWebhook("notifications", baseURL, client)}
}

func (c *NotificationClient) Send(ctx context.Context, n circulation.Notification) error {
	return c.hook.do(ctx, http.MethodPost, "/notifications", n)
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Send(ctx context.Context, n circulation.Notification) error {
	l.Logger.InfoContext(ctx, "notification", "type", n.Type, "user_id", n.UserID, "context", n.Context)
	return nil
}
