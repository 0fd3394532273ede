package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	ColorInfo  = 0x3498db
	ColorWarn  = 0xf1c40f
	ColorError = 0xe74c3c
)

// Notifier sends alerts to a Discord webhook as embeds.
type Notifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
}

func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	return n.SendAlert(ctx, "tradegate", text, ColorInfo)
}

func (n *Notifier) SendAlert(ctx context.Context, title, message string, color int) error {
	if !n.Enabled() {
		return nil
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   n.now().UTC().Format(time.RFC3339),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}
