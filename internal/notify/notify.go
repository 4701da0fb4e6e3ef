// Package notify delivers owner-facing messages. The chat transport itself
// lives outside this system; deliveries go to a webhook that fans out to
// whatever messenger the deployment uses.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Webhook posts messages to a configured delivery endpoint.
type Webhook struct {
	url  string
	http *retryablehttp.Client
}

type messagePayload struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// NewWebhook builds a webhook notifier.
func NewWebhook(url string) *Webhook {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	return &Webhook{url: url, http: rc}
}

// Notify delivers one message to the chat address.
func (w *Webhook) Notify(ctx context.Context, chatID, message string) error {
	payload, err := json.Marshal(messagePayload{ChatID: chatID, Message: message})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint status %d", resp.StatusCode)
	}
	return nil
}

// LogSink logs messages instead of delivering them. It is the fallback when
// no webhook is configured, and keeps development setups dependency-free.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a logging notifier.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the message at info level.
func (l *LogSink) Notify(_ context.Context, chatID, message string) error {
	l.logger.Info("report ready", "chat_id", chatID, "message", message)
	return nil
}
