package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// telegramTextMax is the Bot API limit for a message body.
const telegramTextMax = 4096

// TelegramSender posts notifications through the Bot API sendMessage call.
// Messages use HTML parse mode; market questions and addresses routinely
// contain characters Markdown would treat as markup.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the sender at a different Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(message)
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     truncateRunes(text, telegramTextMax),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	endpoint := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram: sendMessage: %w", redactToken(err, t.token))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var reply telegramReply
	decoded := json.Unmarshal(raw, &reply) == nil
	switch {
	case resp.StatusCode/100 != 2:
		msg := strings.TrimSpace(string(raw))
		if decoded && reply.Description != "" {
			msg = reply.Description
		}
		return fmt.Errorf("telegram: sendMessage returned %d: %s", resp.StatusCode, msg)
	case decoded && !reply.OK:
		return fmt.Errorf("telegram: sendMessage rejected: %s", reply.Description)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
