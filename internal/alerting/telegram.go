package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
	"travel-price-alerts/internal/version"
)

// TelegramSender 通过 Telegram Bot API 的 sendMessage 推送告警。
type TelegramSender struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// NewTelegramSender 构造 Telegram 通道。
func NewTelegramSender(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramSender{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(baseURL, "/"), botToken),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (t *TelegramSender) Channel() storage.Channel { return storage.ChannelTelegram }

func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	chatID := strings.TrimSpace(msg.Recipient.TelegramChatID)
	if chatID == "" {
		return ErrNoRecipient
	}

	body, err := json.Marshal(telegramRequest{ChatID: chatID, Text: renderMessage(msg)})
	if err != nil {
		return fmt.Errorf("%w: marshal telegram payload: %v", ErrSendFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create telegram request: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.client.Do(req)
	if err != nil {
		return Classify(ctx, fmt.Errorf("send telegram request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Classify(ctx, fmt.Errorf("read telegram response: %w", err))
	}
	var result telegramResponse
	decodeErr := json.Unmarshal(raw, &result)

	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return telegramError(resp.StatusCode, result)
	case decodeErr != nil:
		// 2xx 但响应体无法解析时，按已送达处理
		t.logger.Debug().Err(decodeErr).Msg("unparseable telegram response")
	case !result.OK:
		return telegramError(resp.StatusCode, result)
	}

	t.logger.Info().
		Int64("alert_id", msg.AlertID).
		Str("attempt_id", msg.AttemptID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func telegramError(status int, r telegramResponse) error {
	desc := r.Description
	if desc == "" {
		desc = http.StatusText(status)
	}
	if r.Parameters.RetryAfter > 0 {
		return fmt.Errorf("%w: telegram %d: %s (retry after %ds)", ErrSendFailed, status, desc, r.Parameters.RetryAfter)
	}
	return fmt.Errorf("%w: telegram %d: %s", ErrSendFailed, status, desc)
}

var _ Sender = (*TelegramSender)(nil)
