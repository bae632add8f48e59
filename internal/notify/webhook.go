package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// WebhookNotifier POSTs each notification as JSON to a URL.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &WebhookNotifier{client: client, url: url, logger: logger.Named("notify-webhook")}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(n).Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", n.Kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: status %s", n.Kind, resp.Status())
	}
	w.logger.Debug("Webhook delivered", zap.String("kind", string(n.Kind)))
	return nil
}
