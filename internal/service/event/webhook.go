package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/akis/internal/service"
)

// WebhookSink forwards dispatched events to an HTTP endpoint as JSON.
// Register its Handler on a dispatcher or orchestrator; delivery failures
// surface as handler errors and are collected like any other subscriber
// failure.
type WebhookSink struct {
	url    string
	client *klient.Client
}

// WebhookOption customizes a webhook sink.
type WebhookOption func(*webhookConfig)

type webhookConfig struct {
	insecureSkipVerify bool
	retry              bool
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify() WebhookOption {
	return func(c *webhookConfig) { c.insecureSkipVerify = true }
}

// WithRetry enables klient's automatic retry on transient failures.
func WithRetry() WebhookOption {
	return func(c *webhookConfig) { c.retry = true }
}

// NewWebhookSink creates a sink posting events to the given URL.
func NewWebhookSink(url string, opts ...WebhookOption) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required: %w", service.ErrInvalidArgument)
	}

	cfg := webhookConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	kopts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(!cfg.retry),
	}

	if cfg.insecureSkipVerify {
		kopts = append(kopts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create webhook client: %w", err)
	}

	return &WebhookSink{url: url, client: client}, nil
}

// Handler posts the event as a JSON body. Non-2xx responses are errors.
func (w *WebhookSink) Handler(ctx context.Context, ev service.Event, _ DispatchContext) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w: %w", ev.ID, service.ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return w.client.Do(req, func(resp *http.Response) error {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s: unexpected status %d", w.url, resp.StatusCode)
		}

		return nil
	})
}
