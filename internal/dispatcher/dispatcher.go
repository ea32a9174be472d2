// Package dispatcher delivers notification attempts with bounded retries.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"travel-price-alerts/internal/alerting"
	"travel-price-alerts/internal/metrics"
	"travel-price-alerts/internal/retry"
	"travel-price-alerts/internal/storage"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetAttempt(ctx context.Context, id string) (storage.NotificationAttempt, error)
	UpdateAttempt(ctx context.Context, attempt storage.NotificationAttempt) error
	ListAttempts(ctx context.Context, filter storage.AttemptFilter) ([]storage.NotificationAttempt, error)
	LoadDelivery(ctx context.Context, attemptID string) (storage.Delivery, error)
}

// Options tune delivery.
type Options struct {
	Policy        retry.Policy
	SendTimeout   time.Duration
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Dispatcher routes attempts to channel senders.
type Dispatcher struct {
	store   Store
	router  *alerting.Router
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	queue chan string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New constructs a dispatcher.
func New(store Store, router *alerting.Router, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Policy.Attempts <= 0 {
		opts.Policy.Attempts = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Dispatcher{
		store:    store,
		router:   router,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
		queue:    make(chan string, opts.QueueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Enqueue hands an attempt to the workers. It returns false when the attempt
// is already queued or the queue is full; the sweep picks those up later.
func (d *Dispatcher) Enqueue(attemptID string) bool {
	d.mu.Lock()
	if _, busy := d.inFlight[attemptID]; busy {
		d.mu.Unlock()
		return false
	}
	d.inFlight[attemptID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- attemptID:
		d.metrics.SetQueueDepth(len(d.queue))
		return true
	default:
		d.release(attemptID)
		d.logger.Warn().Str("attempt_id", attemptID).Msg("dispatch queue full, left for sweep")
		return false
	}
}

func (d *Dispatcher) release(attemptID string) {
	d.mu.Lock()
	delete(d.inFlight, attemptID)
	d.mu.Unlock()
}

// ResumePending queues every pending or failed attempt. Sent and abandoned
// attempts are never picked up again.
func (d *Dispatcher) ResumePending(ctx context.Context) (int, error) {
	attempts, err := d.store.ListAttempts(ctx, storage.AttemptFilter{
		Statuses: []storage.AttemptStatus{storage.AttemptPending, storage.AttemptFailed},
	})
	if err != nil {
		return 0, fmt.Errorf("list open attempts: %w", err)
	}
	queued := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		if d.Enqueue(attempts[i].ID) {
			queued++
		}
	}
	return queued, nil
}

// Run starts the workers and the periodic sweep. It returns once ctx is done
// and every worker has finished its current attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			d.worker(gctx)
			return nil
		})
	}

	if d.opts.SweepInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(d.opts.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n, err := d.ResumePending(gctx); err != nil {
						d.logger.Error().Err(err).Msg("sweep failed")
					} else if n > 0 {
						d.logger.Info().Int("queued", n).Msg("sweep requeued attempts")
					}
				}
			}
		})
	}

	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			if _, err := d.Dispatch(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error().Err(err).Str("attempt_id", id).Msg("dispatch failed")
			}
			d.release(id)
		}
	}
}

// Dispatch delivers one attempt, retrying until it is sent or abandoned. An
// interrupted dispatch leaves the attempt failed or pending for a later resume.
func (d *Dispatcher) Dispatch(ctx context.Context, attemptID string) (storage.AttemptStatus, error) {
	delivery, err := d.store.LoadDelivery(ctx, attemptID)
	if errors.Is(err, storage.ErrNotFound) {
		return d.abandonOrphan(ctx, attemptID)
	}
	if err != nil {
		return "", fmt.Errorf("load delivery: %w", err)
	}

	attempt := delivery.Attempt
	if attempt.Status.Terminal() {
		return attempt.Status, nil
	}

	log := d.logger.With().
		Str("attempt_id", attempt.ID).
		Int64("alert_id", attempt.AlertID).
		Str("channel", string(attempt.Channel)).
		Logger()

	machine := retry.NewMachine(d.opts.Policy, attempt.AttemptCount)
	if machine.State() == retry.StateAbandoned {
		return d.abandon(ctx, log, attempt, "retry budget exhausted")
	}

	if attempt.NextAttemptAt != nil {
		if wait := attempt.NextAttemptAt.Sub(d.opts.Now()); wait > 0 {
			if err := d.opts.Sleep(ctx, wait); err != nil {
				return attempt.Status, err
			}
		}
	}

	for {
		if !delivery.Alert.Active {
			return d.abandon(ctx, log, attempt, "alert deactivated")
		}
		sender, ok := d.router.Sender(attempt.Channel)
		if !ok {
			return d.abandon(ctx, log, attempt, fmt.Sprintf("channel %s not configured", attempt.Channel))
		}

		sendErr := d.send(ctx, sender, delivery)
		if sendErr != nil && ctx.Err() != nil {
			return attempt.Status, ctx.Err()
		}

		if sendErr == nil {
			_ = machine.Succeed()
			attempt.Status = storage.AttemptSent
			attempt.AttemptCount = machine.Failures() + 1
			attempt.LastError = ""
			attempt.NextAttemptAt = nil
			if err := d.persist(ctx, attempt); err != nil {
				return attempt.Status, err
			}
			d.metrics.Delivery(string(attempt.Channel), string(storage.AttemptSent))
			log.Info().Int("attempts", attempt.AttemptCount).Msg("notification sent")
			return storage.AttemptSent, nil
		}

		wait, _ := machine.Fail(sendErr, !errors.Is(sendErr, alerting.ErrNoRecipient))
		attempt.AttemptCount = machine.Failures()
		attempt.LastError = sendErr.Error()

		if machine.State() == retry.StateAbandoned {
			return d.abandon(ctx, log, attempt, sendErr.Error())
		}

		next := d.opts.Now().Add(wait).UTC()
		attempt.Status = storage.AttemptFailed
		attempt.NextAttemptAt = &next
		if err := d.persist(ctx, attempt); err != nil {
			return attempt.Status, err
		}
		d.metrics.Delivery(string(attempt.Channel), string(storage.AttemptFailed))
		log.Warn().Err(sendErr).
			Int("attempt", attempt.AttemptCount).
			Dur("backoff", wait).
			Msg("send failed, backing off")

		if err := d.opts.Sleep(ctx, wait); err != nil {
			return attempt.Status, err
		}
		_ = machine.Resume()

		delivery, err = d.store.LoadDelivery(ctx, attemptID)
		if errors.Is(err, storage.ErrNotFound) {
			return d.abandon(ctx, log, attempt, "alert removed")
		}
		if err != nil {
			return attempt.Status, fmt.Errorf("reload delivery: %w", err)
		}
		if delivery.Attempt.Status.Terminal() {
			return delivery.Attempt.Status, nil
		}
		delivery.Attempt = attempt
	}
}

func (d *Dispatcher) send(ctx context.Context, sender alerting.Sender, delivery storage.Delivery) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	err := sender.Send(sendCtx, alerting.NewMessage(delivery))
	d.metrics.SendDuration(string(sender.Channel()), time.Since(start))
	return alerting.Classify(sendCtx, err)
}

// abandonOrphan handles attempts whose alert, destination or observation is gone.
func (d *Dispatcher) abandonOrphan(ctx context.Context, attemptID string) (storage.AttemptStatus, error) {
	attempt, err := d.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", fmt.Errorf("load attempt: %w", err)
	}
	if attempt.Status.Terminal() {
		return attempt.Status, nil
	}
	log := d.logger.With().Str("attempt_id", attempt.ID).Int64("alert_id", attempt.AlertID).Logger()
	return d.abandon(ctx, log, attempt, "alert removed")
}

func (d *Dispatcher) abandon(ctx context.Context, log zerolog.Logger, attempt storage.NotificationAttempt, reason string) (storage.AttemptStatus, error) {
	attempt.Status = storage.AttemptAbandoned
	attempt.NextAttemptAt = nil
	attempt.LastError = reason
	if err := d.persist(ctx, attempt); err != nil {
		return attempt.Status, err
	}
	d.metrics.Delivery(string(attempt.Channel), string(storage.AttemptAbandoned))
	log.Error().
		Int("attempts", attempt.AttemptCount).
		Str("reason", reason).
		Msg("notification abandoned")
	return storage.AttemptAbandoned, nil
}

// persistTimeout bounds a state write that outlives the caller's ctx.
const persistTimeout = 5 * time.Second

// persist records a state transition. The write is detached from ctx so a
// shutdown right after a successful send still marks the attempt sent.
func (d *Dispatcher) persist(ctx context.Context, attempt storage.NotificationAttempt) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := d.store.UpdateAttempt(writeCtx, attempt)
	if errors.Is(err, storage.ErrConflict) {
		// another worker already finished this attempt
		return nil
	}
	if err != nil {
		return fmt.Errorf("update attempt %s: %w", attempt.ID, err)
	}
	return nil
}
