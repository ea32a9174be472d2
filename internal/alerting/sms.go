package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

// SMSOptions carry the Twilio account settings.
type SMSOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Timeout    time.Duration
}

// SMSSender posts messages through the Twilio REST API.
type SMSSender struct {
	opts    SMSOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSMSSender constructs the SMS channel.
func NewSMSSender(opts SMSOptions, logger zerolog.Logger) *SMSSender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.APIBase, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &SMSSender{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_sms").Logger(),
	}
}

func (s *SMSSender) Channel() storage.Channel { return storage.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.Recipient.Phone)
	if to == "" {
		return ErrNoRecipient
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.opts.From)
	form.Set("Body", renderMessage(msg))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(s.opts.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: create sms request: %v", ErrSendFailed, err)
	}
	req.SetBasicAuth(s.opts.AccountSID, s.opts.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Classify(ctx, fmt.Errorf("send sms request: %w", err))
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%w: twilio error (%d/%d): %s", ErrSendFailed, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%w: twilio status %d", ErrSendFailed, resp.StatusCode)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(payload, &result)

	s.logger.Info().
		Int64("alert_id", msg.AlertID).
		Str("attempt_id", msg.AttemptID).
		Str("message_sid", result.SID).
		Msg("告警已发送 (SMS)")
	return nil
}

var _ Sender = (*SMSSender)(nil)
