package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

var severityIcon = map[Severity]string{
	SeverityInfo:     "ℹ️",
	SeverityWarning:  "⚠️",
	SeverityCritical: "🚨",
}

// markdownEscaper escapes the characters legacy Markdown treats as markup so
// that wallet addresses and error text render verbatim.
var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// TelegramSender delivers alerts via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert to the configured chat with sendMessage.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)

	text := fmt.Sprintf("%s *%s*\n%s\n_%s_",
		severityIcon[msg.Severity],
		markdownEscaper.Replace(msg.Title),
		markdownEscaper.Replace(msg.Body),
		markdownEscaper.Replace(msg.Event),
	)

	body, err := json.Marshal(map[string]any{
		"chat_id":              t.chatID,
		"text":                 text,
		"parse_mode":           "Markdown",
		"disable_notification": msg.Severity == SeverityInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		return fmt.Errorf("telegram: send request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
