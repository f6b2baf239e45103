package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Telegram pushes messages through the Telegram Bot API.
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram constructs a Telegram notifier.
func NewTelegram(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &Telegram{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Send delivers Markdown text to a chat id.
func (t *Telegram) Send(ctx context.Context, chatID, text string) Delivery {
	return t.send(ctx, chatID, text, "Markdown")
}

// SendHTML delivers HTML text to a chat id. Used for bot command replies.
func (t *Telegram) SendHTML(ctx context.Context, chatID, text string) Delivery {
	return t.send(ctx, chatID, text, "HTML")
}

func (t *Telegram) send(ctx context.Context, chatID, text, parseMode string) Delivery {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               parseMode,
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Failed(fmt.Errorf("marshal telegram payload: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed(fmt.Errorf("create telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Failed(fmt.Errorf("send telegram request: %w", err))
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Failed(fmt.Errorf("decode telegram response (status %d): %w", resp.StatusCode, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !result.OK {
		reason := result.Description
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		t.logger.Warn().Str("chat_id", chatID).Str("reason", reason).Msg("telegram delivery failed")
		return Delivery{Err: fmt.Sprintf("telegram: %s", reason)}
	}

	ref := strconv.FormatInt(result.Result.MessageID, 10)
	t.logger.Info().Str("chat_id", chatID).Str("message_ref", ref).Msg("telegram message sent")
	return Delivery{Success: true, MessageRef: ref}
}

var _ Notifier = (*Telegram)(nil)
