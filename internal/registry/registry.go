// Package registry is the validated write path for alerts and destinations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

// ErrInvalid marks a rejected CRUD request.
var ErrInvalid = errors.New("registry: invalid request")

// Store is the persistence the registry writes to.
type Store interface {
	CreateAlert(ctx context.Context, alert storage.Alert) (storage.Alert, error)
	UpdateAlert(ctx context.Context, alert storage.Alert) error
	SetAlertActive(ctx context.Context, id int64, active bool) error
	DeleteAlert(ctx context.Context, id int64) error
	GetAlert(ctx context.Context, id int64) (storage.Alert, error)
	GetDestination(ctx context.Context, id int64) (storage.Destination, error)
	UpsertDestination(ctx context.Context, dest storage.Destination) (storage.Destination, error)
	SetDestinationTracked(ctx context.Context, id int64, tracked bool) error
}

// Scheduler receives destination registration changes.
type Scheduler interface {
	Schedule(destinationID int64, interval time.Duration)
	Unschedule(destinationID int64)
}

// Registry validates CRUD requests before they reach the store.
type Registry struct {
	store  Store
	sched  Scheduler
	logger zerolog.Logger
}

// New constructs a registry. sched may be nil when no scheduler runs in
// this process.
func New(store Store, sched Scheduler, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		sched:  sched,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// ValidateAlert checks the user-editable fields of an alert.
func ValidateAlert(a storage.Alert) error {
	if !a.Threshold.IsPositive() {
		return fmt.Errorf("%w: threshold must be greater than zero", ErrInvalid)
	}
	if _, err := storage.ParseDirection(string(a.Direction)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := storage.ParseChannel(string(a.Channel)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if a.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalid)
	}
	if a.DestinationID <= 0 {
		return fmt.Errorf("%w: destination is required", ErrInvalid)
	}
	return nil
}

// CreateAlert validates and stores a new alert. last_fired_at always starts empty.
func (r *Registry) CreateAlert(ctx context.Context, a storage.Alert) (storage.Alert, error) {
	if err := ValidateAlert(a); err != nil {
		return storage.Alert{}, err
	}
	if _, err := r.store.GetDestination(ctx, a.DestinationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Alert{}, fmt.Errorf("%w: destination %d does not exist", ErrInvalid, a.DestinationID)
		}
		return storage.Alert{}, err
	}
	a.LastFiredAt = nil
	created, err := r.store.CreateAlert(ctx, a)
	if err != nil {
		return storage.Alert{}, err
	}
	r.logger.Info().
		Int64("alert_id", created.ID).
		Int64("destination_id", created.DestinationID).
		Str("threshold", created.Threshold.String()).
		Str("direction", string(created.Direction)).
		Str("channel", string(created.Channel)).
		Msg("alert created")
	return created, nil
}

// UpdateAlert rewrites threshold, direction, channel, cooldown and active flag.
func (r *Registry) UpdateAlert(ctx context.Context, a storage.Alert) error {
	if a.ID <= 0 {
		return fmt.Errorf("%w: alert id is required", ErrInvalid)
	}
	if err := ValidateAlert(a); err != nil {
		return err
	}
	return r.store.UpdateAlert(ctx, a)
}

// SetAlertActive toggles an alert.
func (r *Registry) SetAlertActive(ctx context.Context, id int64, active bool) error {
	if err := r.store.SetAlertActive(ctx, id, active); err != nil {
		return err
	}
	r.logger.Info().Int64("alert_id", id).Bool("active", active).Msg("alert toggled")
	return nil
}

// DeleteAlert removes an alert. Open attempts are abandoned by the dispatcher.
func (r *Registry) DeleteAlert(ctx context.Context, id int64) error {
	if err := r.store.DeleteAlert(ctx, id); err != nil {
		return err
	}
	r.logger.Info().Int64("alert_id", id).Msg("alert deleted")
	return nil
}

// RegisterDestination upserts a destination by name and notifies the scheduler.
func (r *Registry) RegisterDestination(ctx context.Context, d storage.Destination) (storage.Destination, error) {
	d.Name = strings.TrimSpace(d.Name)
	d.RouteKey = strings.TrimSpace(d.RouteKey)
	if d.Name == "" || d.RouteKey == "" {
		return storage.Destination{}, fmt.Errorf("%w: destination name and route key are required", ErrInvalid)
	}
	if d.PollInterval < 0 {
		return storage.Destination{}, fmt.Errorf("%w: poll interval must not be negative", ErrInvalid)
	}

	stored, err := r.store.UpsertDestination(ctx, d)
	if err != nil {
		return storage.Destination{}, err
	}
	if r.sched != nil {
		if stored.Tracked {
			r.sched.Schedule(stored.ID, stored.PollInterval)
		} else {
			r.sched.Unschedule(stored.ID)
		}
	}
	r.logger.Info().
		Int64("destination_id", stored.ID).
		Str("name", stored.Name).
		Str("route_key", stored.RouteKey).
		Bool("tracked", stored.Tracked).
		Msg("destination registered")
	return stored, nil
}

// RemoveDestination stops tracking a destination. Its history and alerts stay.
func (r *Registry) RemoveDestination(ctx context.Context, id int64) error {
	if err := r.store.SetDestinationTracked(ctx, id, false); err != nil {
		return err
	}
	if r.sched != nil {
		r.sched.Unschedule(id)
	}
	r.logger.Info().Int64("destination_id", id).Msg("destination untracked")
	return nil
}
