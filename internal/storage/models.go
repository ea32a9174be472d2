package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of the threshold an alert watches.
type Direction string

const (
	DirectionBelow Direction = "below"
	DirectionAbove Direction = "above"
)

// ParseDirection validates a direction string.
func ParseDirection(v string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(v))); d {
	case DirectionBelow, DirectionAbove:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported direction %q", v)
	}
}

// Channel names a notification delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelTelegram Channel = "telegram"
)

// ParseChannel validates a channel string.
func ParseChannel(v string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(v))); c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelTelegram:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported channel %q", v)
	}
}

// AttemptStatus tracks a notification attempt lifecycle.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptFailed    AttemptStatus = "failed"
	AttemptAbandoned AttemptStatus = "abandoned"
)

// Terminal reports whether no further delivery may happen.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSent || s == AttemptAbandoned
}

// Destination is read-only reference data owned by the CRUD layer.
type Destination struct {
	ID           int64
	Name         string
	RouteKey     string
	Source       string
	PollInterval time.Duration
	Tracked      bool
}

// Observation is one immutable price point. ID is the insertion sequence.
type Observation struct {
	ID            int64
	DestinationID int64
	SourceID      string
	Price         decimal.Decimal
	Currency      string
	ObservedAt    time.Time
	SourceTime    time.Time
	RecordedAt    time.Time
}

// SameContent reports whether o is a replay of other.
func (o Observation) SameContent(other Observation) bool {
	return o.DestinationID == other.DestinationID &&
		o.SourceID == other.SourceID &&
		o.SourceTime.Equal(other.SourceTime) &&
		o.Price.Equal(other.Price) &&
		o.Currency == other.Currency
}

// Alert is a user threshold on a destination price.
type Alert struct {
	ID            int64
	OwnerID       int64
	DestinationID int64
	Threshold     decimal.Decimal
	Direction     Direction
	Channel       Channel
	Active        bool
	LastFiredAt   *time.Time
	Cooldown      time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InCooldown reports whether the alert fired less than Cooldown before now.
func (a Alert) InCooldown(now time.Time) bool {
	if a.LastFiredAt == nil || a.Cooldown <= 0 {
		return false
	}
	return now.Sub(*a.LastFiredAt) < a.Cooldown
}

// Breached reports whether price satisfies the alert condition.
func (a Alert) Breached(price decimal.Decimal) bool {
	switch a.Direction {
	case DirectionBelow:
		return price.LessThan(a.Threshold)
	case DirectionAbove:
		return price.GreaterThan(a.Threshold)
	default:
		return false
	}
}

// NotificationAttempt is the audit and idempotency record of one fire.
type NotificationAttempt struct {
	ID            string
	AlertID       int64
	ObservationID int64
	Channel       Channel
	Status        AttemptStatus
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Recipient holds the contact points of an alert owner.
type Recipient struct {
	OwnerID        int64
	Email          string
	Phone          string
	PushEndpoint   string
	PushP256dh     string
	PushAuth       string
	TelegramChatID string
}

// Delivery bundles everything a sender needs for one attempt.
type Delivery struct {
	Attempt     NotificationAttempt
	Alert       Alert
	Destination Destination
	Observation Observation
	Recipient   Recipient
}

// FireRequest asks the registry to record a fire atomically.
type FireRequest struct {
	AlertID           int64
	ObservationID     int64
	Channel           Channel
	ExpectedLastFired *time.Time
	FiredAt           time.Time
	AttemptID         string
}

// ScheduleState is the persisted next-due time of a destination.
type ScheduleState struct {
	DestinationID int64
	NextDueAt     time.Time
}
