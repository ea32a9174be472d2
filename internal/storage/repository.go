package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional update lost its race.
	ErrConflict = errors.New("storage: conditional update conflict")
)

// HistoryStore is the append-only price series.
type HistoryStore interface {
	// AppendObservation stores obs and returns the stored row. A content-identical
	// replay returns the existing row with inserted=false.
	AppendObservation(ctx context.Context, obs Observation) (stored Observation, inserted bool, err error)
	LatestObservation(ctx context.Context, destinationID int64) (*Observation, error)
	// ObservationBefore returns the observation inserted immediately before id, or nil.
	ObservationBefore(ctx context.Context, destinationID, id int64) (*Observation, error)
	// WindowedTrend returns at most window observations, most recent insertion first.
	WindowedTrend(ctx context.Context, destinationID int64, window int) ([]Observation, error)
	ListObservationsBetween(ctx context.Context, destinationID int64, from, to time.Time) ([]Observation, error)
	// PurgeObservationsBefore deletes rows recorded before cutoff, keeping the
	// latest observation of every destination.
	PurgeObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertStore is the durable alert registry.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	// UpdateAlert rewrites the CRUD-owned fields; last_fired_at is never touched.
	UpdateAlert(ctx context.Context, alert Alert) error
	SetAlertActive(ctx context.Context, id int64, active bool) error
	DeleteAlert(ctx context.Context, id int64) error
	GetAlert(ctx context.Context, id int64) (Alert, error)
	// ListAlerts lists alerts of a destination, or all alerts when destinationID is 0.
	ListAlerts(ctx context.Context, destinationID int64) ([]Alert, error)
	ActiveAlerts(ctx context.Context, destinationID int64) ([]Alert, error)
	// FireAlert sets last_fired_at and inserts a pending attempt in one
	// transaction. It returns ErrConflict when the alert is inactive, missing,
	// or last_fired_at no longer matches ExpectedLastFired.
	FireAlert(ctx context.Context, req FireRequest) (NotificationAttempt, error)
}

// AttemptFilter narrows attempt listings.
type AttemptFilter struct {
	AlertID  int64
	Statuses []AttemptStatus
	Limit    int
}

// AttemptStore persists notification attempts.
type AttemptStore interface {
	GetAttempt(ctx context.Context, id string) (NotificationAttempt, error)
	// UpdateAttempt writes status, counters and error. It returns ErrConflict
	// if the stored attempt is already terminal.
	UpdateAttempt(ctx context.Context, attempt NotificationAttempt) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]NotificationAttempt, error)
	LoadDelivery(ctx context.Context, attemptID string) (Delivery, error)
}

// DestinationStore reads reference destinations and keeps scheduler state.
type DestinationStore interface {
	GetDestination(ctx context.Context, id int64) (Destination, error)
	ListDestinations(ctx context.Context, trackedOnly bool) ([]Destination, error)
	UpsertDestination(ctx context.Context, dest Destination) (Destination, error)
	SetDestinationTracked(ctx context.Context, id int64, tracked bool) error
	LoadScheduleState(ctx context.Context) ([]ScheduleState, error)
	SaveScheduleState(ctx context.Context, states []ScheduleState) error
}

// RecipientStore reads the owner contact directory.
type RecipientStore interface {
	GetRecipient(ctx context.Context, ownerID int64) (Recipient, error)
	UpsertRecipient(ctx context.Context, recipient Recipient) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend aggregates every store the engine needs.
type Backend interface {
	HistoryStore
	AlertStore
	AttemptStore
	DestinationStore
	RecipientStore
	Migrate(ctx context.Context) error
	Close()
}
