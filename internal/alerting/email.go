package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

// EmailOptions describe the SMTP relay.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// EmailSender delivers alerts through an SMTP relay.
type EmailSender struct {
	opts     EmailOptions
	addr     string
	auth     sasl.Client
	sendMail sendMailFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEmailSender builds the email channel. Port 465 uses implicit TLS,
// other ports upgrade with STARTTLS when offered.
func NewEmailSender(opts EmailOptions, logger zerolog.Logger) *EmailSender {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	var auth sasl.Client
	if opts.Username != "" {
		auth = sasl.NewPlainClient("", opts.Username, opts.Password)
	}
	send := sendMailFunc(smtp.SendMail)
	if opts.Port == 465 {
		send = smtp.SendMailTLS
	}
	return &EmailSender{
		opts:     opts,
		addr:     net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		auth:     auth,
		sendMail: send,
		logger:   logger.With().Str("component", "alert_email").Logger(),
		now:      time.Now,
	}
}

func (e *EmailSender) Channel() storage.Channel { return storage.ChannelEmail }

// Send renders a MIME message and relays it. The SMTP client has no context
// support, so the relay runs in a goroutine bounded by ctx.
func (e *EmailSender) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.Recipient.Email)
	if to == "" {
		return ErrNoRecipient
	}

	raw, err := e.compose(to, msg)
	if err != nil {
		return fmt.Errorf("%w: compose email: %v", ErrSendFailed, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(e.addr, e.auth, e.opts.From, []string{to}, bytes.NewReader(raw))
	}()

	select {
	case <-ctx.Done():
		return Classify(ctx, ctx.Err())
	case err := <-done:
		if err != nil {
			return Classify(ctx, fmt.Errorf("smtp relay: %w", err))
		}
	}

	e.logger.Info().
		Int64("alert_id", msg.AlertID).
		Str("attempt_id", msg.AttemptID).
		Msg("告警已发送 (Email)")
	return nil
}

func (e *EmailSender) compose(to string, msg Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(e.now())
	h.SetAddressList("From", []*mail.Address{{Address: e.opts.From}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(msg.Subject())
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, renderMessage(msg)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ Sender = (*EmailSender)(nil)
