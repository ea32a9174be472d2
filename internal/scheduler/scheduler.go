package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"travel-price-alerts/internal/metrics"
	"travel-price-alerts/internal/storage"
)

// Job is one fetch submitted for a destination.
type Job struct {
	DestinationID int64
	Due           time.Time

	generation uint64
	sched      *Scheduler
}

// Valid reports whether the destination is still scheduled under the same
// registration. Results of an invalid job must be discarded.
func (j Job) Valid() bool {
	if j.sched == nil {
		return true
	}
	return j.sched.valid(j.DestinationID, j.generation)
}

// JobFunc performs one fetch cycle.
type JobFunc func(ctx context.Context, job Job) error

// StateStore loads tracked destinations and persists next-due times.
type StateStore interface {
	ListDestinations(ctx context.Context, trackedOnly bool) ([]storage.Destination, error)
	LoadScheduleState(ctx context.Context) ([]storage.ScheduleState, error)
	SaveScheduleState(ctx context.Context, states []storage.ScheduleState) error
}

// Options tune scheduler behaviour.
type Options struct {
	Tick            time.Duration
	DefaultInterval time.Duration
	Jitter          float64
	Workers         int
	ResyncInterval  time.Duration
	StartupDelay    time.Duration
	DrainTimeout    time.Duration
	Now             func() time.Time
	// Rand returns a value in [0, 1).
	Rand func() float64
}

type entry struct {
	interval   time.Duration
	nextDue    time.Time
	generation uint64
}

// Scheduler keeps a next-due time per destination and submits due fetches to
// a bounded worker pool. A destination never has two fetches running.
type Scheduler struct {
	store   StateStore
	job     JobFunc
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	pool      *errgroup.Group
	jobCtx    context.Context
	cancelJob context.CancelFunc

	mu       sync.Mutex
	entries  map[int64]*entry
	running  map[int64]struct{}
	nextGen  uint64
	stopping bool
}

// New constructs a Scheduler instance.
func New(store StateStore, job JobFunc, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Scheduler {
	if opts.Tick <= 0 {
		panic("scheduler tick must be positive")
	}
	if opts.DefaultInterval <= 0 {
		panic("scheduler default interval must be positive")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	pool := new(errgroup.Group)
	pool.SetLimit(opts.Workers)
	jobCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:     store,
		job:       job,
		opts:      opts,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		metrics:   m,
		pool:      pool,
		jobCtx:    jobCtx,
		cancelJob: cancel,
		entries:   make(map[int64]*entry),
		running:   make(map[int64]struct{}),
	}
}

// Init schedules every tracked destination. Persisted next-due times are
// restored; destinations without one are staggered across their interval.
func (s *Scheduler) Init(ctx context.Context) error {
	dests, err := s.store.ListDestinations(ctx, true)
	if err != nil {
		return fmt.Errorf("list tracked destinations: %w", err)
	}
	states, err := s.store.LoadScheduleState(ctx)
	if err != nil {
		return fmt.Errorf("load schedule state: %w", err)
	}
	due := make(map[int64]time.Time, len(states))
	for _, st := range states {
		due[st.DestinationID] = st.NextDueAt
	}

	now := s.opts.Now()
	var fresh []storage.Destination
	for _, d := range dests {
		if at, ok := due[d.ID]; ok {
			s.scheduleAt(d.ID, s.intervalOf(d), at)
			continue
		}
		fresh = append(fresh, d)
	}
	for i, d := range fresh {
		interval := s.intervalOf(d)
		offset := time.Duration(int64(interval) * int64(i) / int64(len(fresh)))
		s.scheduleAt(d.ID, interval, now.Add(offset))
	}

	s.logger.Info().
		Int("destinations", len(dests)).
		Int("restored", len(dests)-len(fresh)).
		Msg("scheduler initialised")
	return nil
}

// Schedule registers a destination, due immediately. Rescheduling a known
// destination only updates its interval.
func (s *Scheduler) Schedule(destinationID int64, interval time.Duration) {
	s.scheduleAt(destinationID, interval, s.opts.Now())
}

func (s *Scheduler) scheduleAt(destinationID int64, interval time.Duration, due time.Time) {
	if interval <= 0 {
		interval = s.opts.DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[destinationID]; ok {
		e.interval = interval
		if limit := s.opts.Now().Add(interval); e.nextDue.After(limit) {
			e.nextDue = limit
		}
		return
	}
	s.nextGen++
	s.entries[destinationID] = &entry{interval: interval, nextDue: due, generation: s.nextGen}
	s.metrics.SetScheduled(len(s.entries))
}

// Unschedule removes future fetches. A fetch already running completes but
// its job reports Valid() == false.
func (s *Scheduler) Unschedule(destinationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[destinationID]; !ok {
		return
	}
	delete(s.entries, destinationID)
	s.metrics.SetScheduled(len(s.entries))
	s.logger.Info().Int64("destination_id", destinationID).Msg("destination unscheduled")
}

// Scheduled reports whether a destination has an entry.
func (s *Scheduler) Scheduled(destinationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[destinationID]
	return ok
}

// NextDue returns the next due time of a destination.
func (s *Scheduler) NextDue(destinationID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[destinationID]
	if !ok {
		return time.Time{}, false
	}
	return e.nextDue, true
}

func (s *Scheduler) valid(destinationID int64, generation uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[destinationID]
	return ok && e.generation == generation
}

// Tick submits every destination due at now and returns how many jobs
// started. Destinations still fetching are skipped; destinations that do not
// fit in the pool stay due for the next tick.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return 0
	}

	ids := make([]int64, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.nextDue.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.entries[ids[i]].nextDue.Before(s.entries[ids[j]].nextDue)
	})

	started := 0
	for _, id := range ids {
		e := s.entries[id]
		if _, busy := s.running[id]; busy {
			s.metrics.SchedulerSkip("in_flight")
			s.logger.Info().Int64("destination_id", id).Msg("skip destination, previous fetch still running")
			continue
		}

		job := Job{DestinationID: id, Due: e.nextDue, generation: e.generation, sched: s}
		s.running[id] = struct{}{}
		if !s.pool.TryGo(func() error {
			s.run(job)
			return nil
		}) {
			delete(s.running, id)
			s.metrics.SchedulerSkip("saturated")
			s.logger.Debug().Int64("destination_id", id).Msg("worker pool saturated, destination stays due")
			continue
		}
		e.nextDue = now.Add(s.jittered(e.interval))
		started++
	}
	return started
}

func (s *Scheduler) run(job Job) {
	s.metrics.FetchStarted()
	defer func() {
		s.metrics.FetchFinished()
		s.mu.Lock()
		delete(s.running, job.DestinationID)
		s.mu.Unlock()
	}()

	if err := s.job(s.jobCtx, job); err != nil {
		s.logger.Error().Err(err).Int64("destination_id", job.DestinationID).Msg("fetch cycle failed")
	}
}

// jittered spreads interval by up to ±Jitter of itself.
func (s *Scheduler) jittered(interval time.Duration) time.Duration {
	if s.opts.Jitter <= 0 {
		return interval
	}
	spread := (s.opts.Rand()*2 - 1) * s.opts.Jitter
	d := interval + time.Duration(float64(interval)*spread)
	if d <= 0 {
		return interval
	}
	return d
}

// Resync reconciles entries with the tracked destinations.
func (s *Scheduler) Resync(ctx context.Context) error {
	dests, err := s.store.ListDestinations(ctx, true)
	if err != nil {
		return fmt.Errorf("list tracked destinations: %w", err)
	}
	tracked := make(map[int64]struct{}, len(dests))
	for _, d := range dests {
		tracked[d.ID] = struct{}{}
		s.Schedule(d.ID, s.intervalOf(d))
	}

	s.mu.Lock()
	var stale []int64
	for id := range s.entries {
		if _, ok := tracked[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Unschedule(id)
	}
	return nil
}

func (s *Scheduler) intervalOf(d storage.Destination) time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return s.opts.DefaultInterval
}

// Snapshot returns the next-due time of every scheduled destination.
func (s *Scheduler) Snapshot() []storage.ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ScheduleState, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, storage.ScheduleState{DestinationID: id, NextDueAt: e.nextDue})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	var resync <-chan time.Time
	if s.opts.ResyncInterval > 0 {
		t := time.NewTicker(s.opts.ResyncInterval)
		defer t.Stop()
		resync = t.C
	}

	s.Tick(s.opts.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Tick(s.opts.Now()); n > 0 {
				s.logger.Debug().Int("started", n).Msg("tick dispatched fetches")
			}
		case <-resync:
			if err := s.Resync(ctx); err != nil {
				s.logger.Error().Err(err).Msg("resync failed")
			}
		}
	}
}

// Teardown stops new ticks, waits up to DrainTimeout for running fetches,
// then cancels them and persists next-due state.
func (s *Scheduler) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		_ = s.pool.Wait()
		close(drained)
	}()

	var timeout <-chan time.Time
	if s.opts.DrainTimeout > 0 {
		timer := time.NewTimer(s.opts.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-drained:
	case <-timeout:
		s.logger.Warn().Dur("drain_timeout", s.opts.DrainTimeout).Msg("cancelling running fetches")
		s.cancelJob()
		<-drained
	case <-ctx.Done():
		s.cancelJob()
		<-drained
	}
	s.cancelJob()

	states := s.Snapshot()
	if err := s.store.SaveScheduleState(ctx, states); err != nil {
		return fmt.Errorf("save schedule state: %w", err)
	}
	s.logger.Info().Int("destinations", len(states)).Msg("scheduler state saved")
	return nil
}
