package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

// PushOptions carry the VAPID identity.
type PushOptions struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             time.Duration
	Timeout         time.Duration
}

// PushSender delivers Web Push notifications.
type PushSender struct {
	opts   PushOptions
	client *http.Client
	logger zerolog.Logger
}

// NewPushSender constructs the push channel.
func NewPushSender(opts PushOptions, logger zerolog.Logger) *PushSender {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &PushSender{
		opts:   opts,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_push").Logger(),
	}
}

func (p *PushSender) Channel() storage.Channel { return storage.ChannelPush }

func (p *PushSender) Send(ctx context.Context, msg Message) error {
	r := msg.Recipient
	if strings.TrimSpace(r.PushEndpoint) == "" || r.PushP256dh == "" || r.PushAuth == "" {
		return ErrNoRecipient
	}

	body, err := json.Marshal(map[string]any{
		"title":      msg.Subject(),
		"body":       renderMessage(msg),
		"alert_id":   msg.AlertID,
		"attempt_id": msg.AttemptID,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal push payload: %v", ErrSendFailed, err)
	}

	sub := &webpush.Subscription{
		Endpoint: r.PushEndpoint,
		Keys: webpush.Keys{
			P256dh: r.PushP256dh,
			Auth:   r.PushAuth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.opts.Subscriber,
		VAPIDPublicKey:  p.opts.VAPIDPublicKey,
		VAPIDPrivateKey: p.opts.VAPIDPrivateKey,
		TTL:             int(p.opts.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return Classify(ctx, fmt.Errorf("send push: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: push service status %d", ErrSendFailed, resp.StatusCode)
	}

	p.logger.Info().
		Int64("alert_id", msg.AlertID).
		Str("attempt_id", msg.AttemptID).
		Msg("告警已发送 (Push)")
	return nil
}

var _ Sender = (*PushSender)(nil)
