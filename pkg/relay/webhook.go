// Copyright 2024-2026 Aiku AI

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
)

const webhookTimeout = 5 * time.Second

// WebhookPayload is posted to the configured webhook after each relay.
type WebhookPayload struct {
	Author            string `json:"author"`
	Content           string `json:"content"`
	SourceChannelID   string `json:"sourceChannelId"`
	TargetChannelID   string `json:"targetChannelId"`
	OriginalMessageID string `json:"originalMessageId"`
	Timestamp         string `json:"timestamp"`
}

// WebhookNotifier delivers best-effort relay notifications. An empty URL
// disables it.
type WebhookNotifier struct {
	url    atomic.Pointer[string]
	client *http.Client
	log    zerolog.Logger
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, log zerolog.Logger) *WebhookNotifier {
	wn := &WebhookNotifier{
		client: exhttp.SensibleClientSettings.WithGlobalTimeout(webhookTimeout).Compile(),
		log:    log,
	}
	wn.SetURL(url)
	return wn
}

// SetURL replaces the target URL.
func (wn *WebhookNotifier) SetURL(url string) {
	wn.url.Store(&url)
}

// URL returns the current target URL.
func (wn *WebhookNotifier) URL() string {
	return *wn.url.Load()
}

// Notify posts payload and logs any failure. It never returns an error.
func (wn *WebhookNotifier) Notify(ctx context.Context, payload *WebhookPayload) {
	url := wn.URL()
	if url == "" {
		return
	}
	if err := wn.post(ctx, url, payload); err != nil {
		wn.log.Warn().Err(err).
			Str("source_channel_id", payload.SourceChannelID).
			Str("target_channel_id", payload.TargetChannelID).
			Msg("Webhook notification failed")
	}
}

func (wn *WebhookNotifier) post(ctx context.Context, url string, payload *WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := wn.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
