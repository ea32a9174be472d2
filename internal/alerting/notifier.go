package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

var (
	// ErrSendFailed 表示通道拒绝或投递失败。
	ErrSendFailed = errors.New("alerting: send failed")
	// ErrSendTimeout 表示投递超过时限。
	ErrSendTimeout = errors.New("alerting: send timeout")
	// ErrNoRecipient means the owner has no contact point for the channel.
	// It wraps ErrSendFailed and is never worth retrying.
	ErrNoRecipient = fmt.Errorf("%w: recipient has no contact for channel", ErrSendFailed)
)

// Message 封装告警上下文。
type Message struct {
	AttemptID   string
	AlertID     int64
	Channel     storage.Channel
	Destination string
	RouteKey    string
	Price       decimal.Decimal
	Currency    string
	Threshold   decimal.Decimal
	Direction   storage.Direction
	ObservedAt  time.Time
	Recipient   storage.Recipient
}

// NewMessage builds the message of a delivery.
func NewMessage(d storage.Delivery) Message {
	return Message{
		AttemptID:   d.Attempt.ID,
		AlertID:     d.Alert.ID,
		Channel:     d.Alert.Channel,
		Destination: d.Destination.Name,
		RouteKey:    d.Destination.RouteKey,
		Price:       d.Observation.Price,
		Currency:    d.Observation.Currency,
		Threshold:   d.Alert.Threshold,
		Direction:   d.Alert.Direction,
		ObservedAt:  d.Observation.ObservedAt,
		Recipient:   d.Recipient,
	}
}

// Subject is the one-line summary used by email and push titles.
func (m Message) Subject() string {
	return fmt.Sprintf("Price alert: %s %s %s", m.Destination, m.Price.StringFixed(2), m.Currency)
}

// Sender 定义单一通道的投递接口。
type Sender interface {
	Channel() storage.Channel
	Send(ctx context.Context, msg Message) error
}

// Router maps channels to senders.
type Router struct {
	senders map[storage.Channel]Sender
}

// NewRouter registers senders by their channel. Later senders win.
func NewRouter(senders ...Sender) *Router {
	r := &Router{senders: make(map[storage.Channel]Sender, len(senders))}
	for _, s := range senders {
		if s != nil {
			r.senders[s.Channel()] = s
		}
	}
	return r
}

// Sender returns the sender of a channel.
func (r *Router) Sender(channel storage.Channel) (Sender, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.senders[channel]
	return s, ok
}

// Channels lists the configured channels.
func (r *Router) Channels() []storage.Channel {
	if r == nil {
		return nil
	}
	out := make([]storage.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify maps a raw delivery error onto ErrSendTimeout or ErrSendFailed.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSendTimeout) || errors.Is(err, ErrSendFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %v", ErrSendTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrSendFailed, err)
}

func renderMessage(m Message) string {
	builder := strings.Builder{}
	builder.WriteString("[Travel Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Destination: %s (%s)\n", m.Destination, m.RouteKey))
	builder.WriteString(fmt.Sprintf("Price: %s %s\n", m.Price.StringFixed(2), m.Currency))
	builder.WriteString(fmt.Sprintf("Threshold: %s %s (%s)\n", m.Direction, m.Threshold.StringFixed(2), m.Currency))
	builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", m.ObservedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Alert: #%d", m.AlertID))
	return builder.String()
}
