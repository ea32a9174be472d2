// Package evaluator decides which alerts fire for a newly stored observation.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

// ErrLockContention marks an alert deferred because another evaluation holds
// it or won the conditional update.
var ErrLockContention = errors.New("evaluator: alert lock contention")

// Policy selects when a breached observation fires.
type Policy string

const (
	// PolicyCrossing fires when the price crosses the threshold, or on the
	// first observation if it is already breached. Use PolicyRearm to also
	// fire on a still-breached price once the cooldown has expired.
	PolicyCrossing Policy = "crossing"
	// PolicyRearm additionally fires on a breach once the cooldown expired.
	PolicyRearm Policy = "rearm"
	// PolicyBreach fires on every breach outside the cooldown.
	PolicyBreach Policy = "breach"
)

// ParsePolicy validates a policy name. Empty means crossing.
func ParsePolicy(v string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PolicyCrossing, nil
	case PolicyCrossing, PolicyRearm, PolicyBreach:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported evaluation policy %q", v)
	}
}

// Outcome is the result of evaluating one alert.
type Outcome string

const (
	OutcomeFired      Outcome = "fired"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeNoCrossing Outcome = "no_crossing"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeError      Outcome = "error"
)

// Decision reports what happened to one alert.
type Decision struct {
	Alert   storage.Alert
	Outcome Outcome
	Attempt *storage.NotificationAttempt
	Err     error
}

// Store is the persistence the engine needs.
type Store interface {
	ActiveAlerts(ctx context.Context, destinationID int64) ([]storage.Alert, error)
	FireAlert(ctx context.Context, req storage.FireRequest) (storage.NotificationAttempt, error)
	ObservationBefore(ctx context.Context, destinationID, id int64) (*storage.Observation, error)
}

// Options parameterise the engine.
type Options struct {
	Policy Policy
	Now    func() time.Time
	NewID  func() string
}

// Engine evaluates observations against active alerts.
type Engine struct {
	store  Store
	opts   Options
	locks  *KeyedLock
	logger zerolog.Logger
}

// New constructs an engine.
func New(store Store, opts Options, logger zerolog.Logger) *Engine {
	if opts.Policy == "" {
		opts.Policy = PolicyCrossing
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		store:  store,
		opts:   opts,
		locks:  NewKeyedLock(),
		logger: logger.With().Str("component", "evaluator").Logger(),
	}
}

// Locks exposes the per-alert lock table.
func (e *Engine) Locks() *KeyedLock { return e.locks }

// Evaluate checks every active alert of the observation's destination. obs
// must already be stored. The lock of an alert is never held across I/O
// other than the fire transaction.
func (e *Engine) Evaluate(ctx context.Context, obs storage.Observation) ([]Decision, error) {
	alerts, err := e.store.ActiveAlerts(ctx, obs.DestinationID)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}

	prev, err := e.previous(ctx, obs)
	if err != nil {
		return nil, err
	}

	decisions := make([]Decision, 0, len(alerts))
	for _, alert := range alerts {
		decisions = append(decisions, e.evaluateAlert(ctx, alert, prev, obs))
	}
	return decisions, nil
}

func (e *Engine) evaluateAlert(ctx context.Context, alert storage.Alert, prev *storage.Observation, obs storage.Observation) Decision {
	log := e.logger.With().
		Int64("alert_id", alert.ID).
		Int64("observation_id", obs.ID).
		Logger()

	unlock, ok := e.locks.TryLock(alert.ID)
	if !ok {
		log.Debug().Msg("alert busy, deferred")
		return Decision{Alert: alert, Outcome: OutcomeDeferred, Err: ErrLockContention}
	}
	defer unlock()

	now := e.opts.Now().UTC()
	if alert.InCooldown(now) {
		return Decision{Alert: alert, Outcome: OutcomeCooldown}
	}
	if !ShouldFire(e.opts.Policy, alert, prev, obs) {
		return Decision{Alert: alert, Outcome: OutcomeNoCrossing}
	}

	attempt, err := e.store.FireAlert(ctx, storage.FireRequest{
		AlertID:           alert.ID,
		ObservationID:     obs.ID,
		Channel:           alert.Channel,
		ExpectedLastFired: alert.LastFiredAt,
		FiredAt:           now,
		AttemptID:         e.opts.NewID(),
	})
	if errors.Is(err, storage.ErrConflict) {
		log.Debug().Msg("conditional fire lost, deferred")
		return Decision{Alert: alert, Outcome: OutcomeDeferred, Err: ErrLockContention}
	}
	if err != nil {
		log.Error().Err(err).Msg("fire alert failed")
		return Decision{Alert: alert, Outcome: OutcomeError, Err: err}
	}

	alert.LastFiredAt = &now
	log.Info().
		Str("price", obs.Price.String()).
		Str("threshold", alert.Threshold.String()).
		Str("direction", string(alert.Direction)).
		Str("attempt_id", attempt.ID).
		Msg("alert fired")
	return Decision{Alert: alert, Outcome: OutcomeFired, Attempt: &attempt}
}

// previous returns the latest observation inserted before obs.
func (e *Engine) previous(ctx context.Context, obs storage.Observation) (*storage.Observation, error) {
	prev, err := e.store.ObservationBefore(ctx, obs.DestinationID, obs.ID)
	if err != nil {
		return nil, fmt.Errorf("load previous observation: %w", err)
	}
	return prev, nil
}

// ShouldFire applies the firing policy. Cooldown is checked by the caller.
func ShouldFire(policy Policy, alert storage.Alert, prev *storage.Observation, obs storage.Observation) bool {
	if !alert.Breached(obs.Price) {
		return false
	}
	crossed := prev == nil || !alert.Breached(prev.Price)
	switch policy {
	case PolicyBreach:
		return true
	case PolicyRearm:
		return crossed || alert.LastFiredAt != nil
	default:
		return crossed
	}
}

// Fired filters the decisions that produced an attempt.
func Fired(decisions []Decision) []storage.NotificationAttempt {
	out := make([]storage.NotificationAttempt, 0, len(decisions))
	for _, d := range decisions {
		if d.Outcome == OutcomeFired && d.Attempt != nil {
			out = append(out, *d.Attempt)
		}
	}
	return out
}
