// Package relay forwards audit events to an external webhook.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradegate/internal/domain"
)

type Client struct {
	webhookURL string
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	httpClient *http.Client
}

func NewClient(webhookURL string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		webhookURL: webhookURL,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.webhookURL != ""
}

// Publish posts the event, retrying 5xx, 429 and transport errors with
// capped exponential backoff. The event id doubles as the idempotency key.
func (c *Client) Publish(ctx context.Context, event domain.Event) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
		retry, err := c.send(ctx, event, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("relay event %s: %w", event.ID, lastErr)
}

func (c *Client) send(ctx context.Context, event domain.Event, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))
	req.Header.Set("X-Idempotency-Key", event.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("relay status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("relay status %d", resp.StatusCode)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << (attempt - 1)
	if c.retryMax > 0 && (d > c.retryMax || d <= 0) {
		d = c.retryMax
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
