// Package telegram delivers gateway alerts through the Bot API sendMessage
// call.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	// maxMessage is the Bot API limit for a message text, in characters.
	maxMessage = 4096
)

type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at another Bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = base
	return n
}

func (n *Notifier) Enabled() bool {
	return n.botToken != "" && n.chatID != ""
}

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
	Silent    bool   `json:"disable_notification,omitempty"`
}

type apiReply struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Notify sends text as an HTML message with a bold gateway prefix. The text
// itself is escaped.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() || text == "" {
		return nil
	}
	msg := sendMessage{
		ChatID:    n.chatID,
		Text:      truncate("<b>tradegate</b>\n"+html.EscapeString(text), maxMessage),
		ParseMode: "HTML",
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	var reply apiReply
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	if resp.StatusCode >= 300 || (reply.ErrorCode != 0 && !reply.OK) {
		if reply.Description != "" {
			return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, reply.Description)
		}
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
