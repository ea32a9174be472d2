package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"travel-price-alerts/internal/dispatcher"
	"travel-price-alerts/internal/evaluator"
	"travel-price-alerts/internal/events"
	"travel-price-alerts/internal/fetcher"
	"travel-price-alerts/internal/metrics"
	"travel-price-alerts/internal/scheduler"
	"travel-price-alerts/internal/storage"
)

// Store is the persistence the pipeline reads and appends to.
type Store interface {
	scheduler.StateStore
	GetDestination(ctx context.Context, id int64) (storage.Destination, error)
	AppendObservation(ctx context.Context, obs storage.Observation) (storage.Observation, bool, error)
	PurgeObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tune the pipeline.
type Options struct {
	Scheduler scheduler.Options
	// LockKey namespaces per-destination advisory locks; 0 disables them.
	LockKey       int64
	Retention     time.Duration
	PurgeInterval time.Duration
	MetricsListen string
	MetricsPath   string
	// EventsDSN enables the Postgres destination event listener.
	EventsDSN string
	Now       func() time.Time
}

// CycleResult summarises one fetch cycle.
type CycleResult struct {
	Observation storage.Observation
	Inserted    bool
	Skipped     bool
	Decisions   []evaluator.Decision
	Queued      int
}

// Service orchestrates fetching, persistence, evaluation and dispatch.
type Service struct {
	store      Store
	fetcher    fetcher.Source
	engine     *evaluator.Engine
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	listener   *events.Listener
	locker     storage.AdvisoryLocker
	metrics    *metrics.Metrics
	opts       Options
	logger     zerolog.Logger
}

// New constructs the monitoring service and its scheduler.
func New(store Store, src fetcher.Source, engine *evaluator.Engine, disp *dispatcher.Dispatcher, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Hour
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		store:      store,
		fetcher:    src,
		engine:     engine,
		dispatcher: disp,
		locker:     locker,
		metrics:    m,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
	}
	s.scheduler = scheduler.New(store, s.runJob, opts.Scheduler, logger, m)
	if opts.EventsDSN != "" {
		s.listener = events.NewListener(opts.EventsDSN, s.scheduler, events.Options{
			OnReconnect: s.scheduler.Resync,
		}, logger)
	}
	return s
}

// Scheduler exposes the destination scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Run initialises the scheduler, resumes open attempts and runs every loop
// until ctx is cancelled. Scheduler state is persisted on the way out.
func (s *Service) Run(ctx context.Context) error {
	if s.dispatcher == nil {
		return fmt.Errorf("dispatcher not configured")
	}
	if err := s.scheduler.Init(ctx); err != nil {
		return err
	}
	if n, err := s.dispatcher.ResumePending(ctx); err != nil {
		return fmt.Errorf("resume pending attempts: %w", err)
	} else if n > 0 {
		s.logger.Info().Int("attempts", n).Msg("resumed open notification attempts")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	if s.opts.MetricsListen != "" {
		g.Go(func() error {
			return s.metrics.Serve(gctx, s.opts.MetricsListen, s.opts.MetricsPath, s.logger)
		})
	}
	if s.listener != nil {
		g.Go(func() error { return s.listener.Run(gctx) })
	}
	if s.opts.Retention > 0 {
		g.Go(func() error { return s.purgeLoop(gctx) })
	}

	err := g.Wait()

	drain := s.opts.Scheduler.DrainTimeout + 10*time.Second
	teardownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if terr := s.scheduler.Teardown(teardownCtx); terr != nil {
		err = errors.Join(err, terr)
	}
	return err
}

func (s *Service) runJob(ctx context.Context, job scheduler.Job) error {
	dest, err := s.store.GetDestination(ctx, job.DestinationID)
	if errors.Is(err, storage.ErrNotFound) {
		s.scheduler.Unschedule(job.DestinationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load destination %d: %w", job.DestinationID, err)
	}
	if !dest.Tracked {
		s.scheduler.Unschedule(dest.ID)
		return nil
	}
	_, err = s.cycle(ctx, dest, job.Valid)
	return err
}

// RunCycle fetches one destination and pushes the price through the pipeline.
func (s *Service) RunCycle(ctx context.Context, dest storage.Destination) (CycleResult, error) {
	return s.cycle(ctx, dest, nil)
}

func (s *Service) cycle(ctx context.Context, dest storage.Destination, valid func() bool) (CycleResult, error) {
	unlock, proceed, err := s.acquireLock(ctx, dest.ID)
	if err != nil {
		return CycleResult{}, err
	}
	if !proceed {
		s.logger.Debug().Int64("destination_id", dest.ID).Msg("skip destination because advisory lock held elsewhere")
		return CycleResult{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	source := dest.Source
	if source == "" {
		source = "default"
	}
	obs, err := s.fetcher.FetchPrice(ctx, dest)
	if err != nil {
		kind := fetcher.KindOf(err)
		s.metrics.FetchResult(source, string(kind))
		event := s.logger.Error()
		if kind == fetcher.KindRateLimited {
			event = s.logger.Warn()
		}
		event.Err(err).
			Int64("destination_id", dest.ID).
			Str("kind", string(kind)).
			Msg("fetch failed, waiting for next interval")
		return CycleResult{}, nil
	}
	s.metrics.FetchResult(source, "ok")

	if valid != nil && !valid() {
		s.logger.Info().Int64("destination_id", dest.ID).Msg("destination unscheduled during fetch, result discarded")
		return CycleResult{Skipped: true}, nil
	}

	result, err := s.Ingest(ctx, obs)
	if err != nil {
		return result, err
	}
	for _, attempt := range evaluator.Fired(result.Decisions) {
		if s.dispatcher != nil && s.dispatcher.Enqueue(attempt.ID) {
			result.Queued++
		}
	}
	return result, nil
}

// Ingest stores an observation and evaluates it when it is new. Fired
// attempts are returned, not dispatched.
func (s *Service) Ingest(ctx context.Context, obs storage.Observation) (CycleResult, error) {
	stored, inserted, err := s.store.AppendObservation(ctx, obs)
	if err != nil {
		return CycleResult{}, fmt.Errorf("append observation: %w", err)
	}
	s.metrics.ObservationStored(inserted)

	result := CycleResult{Observation: stored, Inserted: inserted}
	if !inserted {
		s.logger.Debug().
			Int64("destination_id", stored.DestinationID).
			Int64("observation_id", stored.ID).
			Msg("duplicate observation ignored")
		return result, nil
	}

	s.logger.Info().
		Int64("destination_id", stored.DestinationID).
		Int64("observation_id", stored.ID).
		Str("price", stored.Price.String()).
		Str("currency", stored.Currency).
		Msg("price recorded")

	decisions, err := s.engine.Evaluate(ctx, stored)
	if err != nil {
		return result, fmt.Errorf("evaluate observation %d: %w", stored.ID, err)
	}
	for _, d := range decisions {
		s.metrics.AlertDecision(string(d.Outcome))
	}
	result.Decisions = decisions
	return result, nil
}

// Purge deletes observations older than the retention window.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	if s.opts.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention).UTC()
	n, err := s.store.PurgeObservationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge observations: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("purged old observations")
	}
	return n, nil
}

func (s *Service) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				s.logger.Error().Err(err).Msg("retention purge failed")
			}
		}
	}
}

// lockKeyFor packs the namespace and destination into one advisory key.
func (s *Service) lockKeyFor(destinationID int64) int64 {
	return s.opts.LockKey<<32 | destinationID&0xffffffff
}

func (s *Service) acquireLock(ctx context.Context, destinationID int64) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKeyFor(destinationID))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
