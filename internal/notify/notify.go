// Package notify delivers execution completion notifications.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	jsoniter "github.com/json-iterator/go"

	"querybook/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	_ domain.Notifier = (*LogNotifier)(nil)
	_ domain.Notifier = (*WebhookNotifier)(nil)
	_ domain.Notifier = Multi(nil)
)

// LogNotifier writes notifications to the log. It is the fallback when no
// delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify implements domain.Notifier.
func (n *LogNotifier) Notify(ctx context.Context, uid, templateName string, params map[string]any) error {
	n.logger.InfoContext(ctx, "notification", "uid", uid, "template", templateName, "params", params)
	return nil
}

// Payload is the JSON body a WebhookNotifier posts.
type Payload struct {
	UID      string         `json:"uid"`
	Template string         `json:"template"`
	Params   map[string]any `json:"params"`
	SentAt   time.Time      `json:"sent_at"`
}

// WebhookOptions configures a WebhookNotifier.
type WebhookOptions struct {
	URL          string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// WebhookNotifier posts notifications as JSON to an HTTP endpoint, retrying
// transient failures.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(o WebhookOptions, logger *slog.Logger) (*WebhookNotifier, error) {
	if o.URL == "" {
		return nil, domain.ErrValidation("webhook url is required")
	}
	client := retryablehttp.NewClient()
	client.Logger = logger.With("component", "notify")
	client.HTTPClient.Timeout = 30 * time.Second
	if o.Timeout > 0 {
		client.HTTPClient.Timeout = o.Timeout
	}
	if o.RetryMax > 0 {
		client.RetryMax = o.RetryMax
	}
	if o.RetryWaitMin > 0 {
		client.RetryWaitMin = o.RetryWaitMin
	}
	if o.RetryWaitMax > 0 {
		client.RetryWaitMax = o.RetryWaitMax
	}
	return &WebhookNotifier{url: o.URL, client: client}, nil
}

// Notify implements domain.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, uid, templateName string, params map[string]any) error {
	body, err := json.Marshal(Payload{
		UID:      uid,
		Template: templateName,
		Params:   params,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []domain.Notifier

// Notify implements domain.Notifier.
func (m Multi) Notify(ctx context.Context, uid, templateName string, params map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, uid, templateName, params); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
