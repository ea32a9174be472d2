package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"travel-price-alerts/internal/storage"
)

type memoryState struct {
	mu     sync.Mutex
	dests  []storage.Destination
	states []storage.ScheduleState
	saved  []storage.ScheduleState
}

func (m *memoryState) ListDestinations(ctx context.Context, trackedOnly bool) ([]storage.Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Destination
	for _, d := range m.dests {
		if trackedOnly && !d.Tracked {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *memoryState) LoadScheduleState(ctx context.Context) ([]storage.ScheduleState, error) {
	return m.states, nil
}

func (m *memoryState) SaveScheduleState(ctx context.Context, states []storage.ScheduleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = states
	return nil
}

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newScheduler(store StateStore, job JobFunc, workers int, jitter float64) *Scheduler {
	return New(store, job, Options{
		Tick:            time.Second,
		DefaultInterval: time.Minute,
		Jitter:          jitter,
		Workers:         workers,
		Now:             func() time.Time { return epoch },
		Rand:            func() float64 { return 1 },
	}, zerolog.Nop(), nil)
}

func TestNoConcurrentFetchPerDestination(t *testing.T) {
	release := make(chan struct{})
	var (
		running int32
		maxSeen int32
		calls   int32
	)
	job := func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}

	s := newScheduler(&memoryState{}, job, 4, 0)
	s.Schedule(1, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every tick is far past any next-due time
			s.Tick(epoch.Add(time.Duration(i) * time.Hour))
		}(i)
	}
	wg.Wait()
	close(release)
	_ = s.pool.Wait()

	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Fatalf("expected at most one running fetch, saw %d", got)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one fetch while the first was running, got %d", got)
	}
}

func TestUnscheduleInvalidatesRunningJob(t *testing.T) {
	started := make(chan Job, 1)
	release := make(chan struct{})
	valid := make(chan bool, 1)
	job := func(ctx context.Context, job Job) error {
		started <- job
		<-release
		valid <- job.Valid()
		return nil
	}

	s := newScheduler(&memoryState{}, job, 2, 0)
	s.Schedule(7, time.Minute)
	if n := s.Tick(epoch); n != 1 {
		t.Fatalf("expected one job, got %d", n)
	}
	<-started
	s.Unschedule(7)
	close(release)

	if <-valid {
		t.Fatal("job of an unscheduled destination must be invalid")
	}
	if s.Tick(epoch.Add(time.Hour)) != 0 {
		t.Fatal("unscheduled destination fetched again")
	}
}

func TestRescheduleKeepsOldJobInvalid(t *testing.T) {
	s := newScheduler(&memoryState{}, func(context.Context, Job) error { return nil }, 1, 0)
	s.Schedule(3, time.Minute)
	job := Job{DestinationID: 3, generation: s.entries[3].generation, sched: s}
	s.Unschedule(3)
	s.Schedule(3, time.Minute)
	if job.Valid() {
		t.Fatal("job from an earlier registration must stay invalid")
	}
}

func TestJitterBounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		s := New(&memoryState{}, func(context.Context, Job) error { return nil }, Options{
			Tick:            time.Second,
			DefaultInterval: time.Minute,
			Jitter:          0.1,
			Rand:            func() float64 { return r },
		}, zerolog.Nop(), nil)

		d := s.jittered(10 * time.Minute)
		if d < 9*time.Minute || d > 11*time.Minute {
			t.Fatalf("rand=%v: jittered interval %s outside ±10%%", r, d)
		}
	}
}

func TestSaturatedPoolLeavesDestinationDue(t *testing.T) {
	release := make(chan struct{})
	job := func(ctx context.Context, job Job) error {
		<-release
		return nil
	}

	s := newScheduler(&memoryState{}, job, 1, 0)
	s.Schedule(1, time.Minute)
	s.Schedule(2, time.Minute)

	if n := s.Tick(epoch); n != 1 {
		t.Fatalf("single worker should start one job, got %d", n)
	}
	due1, _ := s.NextDue(1)
	due2, _ := s.NextDue(2)
	stayed := 0
	for _, d := range []time.Time{due1, due2} {
		if !d.After(epoch) {
			stayed++
		}
	}
	if stayed != 1 {
		t.Fatalf("exactly one destination should stay due, next-due %s %s", due1, due2)
	}

	close(release)
	_ = s.pool.Wait()
	if n := s.Tick(epoch); n != 1 {
		t.Fatalf("left-over destination should start on the next tick, got %d", n)
	}
	_ = s.pool.Wait()
}

func TestFailingFetchDoesNotBuildBacklog(t *testing.T) {
	var calls int32
	job := func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("rate limited")
	}

	s := newScheduler(&memoryState{}, job, 2, 0)
	s.Schedule(1, time.Minute)

	// three cycles, ticking every second
	for sec := 0; sec < 180; sec++ {
		s.Tick(epoch.Add(time.Duration(sec) * time.Second))
		_ = s.pool.Wait()
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 fetches over three intervals, got %d", got)
	}
}

func TestInitStaggersAndTeardownPersists(t *testing.T) {
	known := epoch.Add(5 * time.Minute)
	store := &memoryState{
		dests: []storage.Destination{
			{ID: 1, Tracked: true},
			{ID: 2, Tracked: true},
			{ID: 3, Tracked: true, PollInterval: 10 * time.Minute},
			{ID: 4, Tracked: false},
		},
		states: []storage.ScheduleState{{DestinationID: 3, NextDueAt: known}},
	}
	s := newScheduler(store, func(context.Context, Job) error { return nil }, 2, 0)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	if s.Scheduled(4) {
		t.Fatal("untracked destination scheduled")
	}
	d1, _ := s.NextDue(1)
	d2, _ := s.NextDue(2)
	d3, _ := s.NextDue(3)
	if !d3.Equal(known) {
		t.Fatalf("persisted next-due not restored: %s", d3)
	}
	if !d1.Equal(epoch) || !d2.Equal(epoch.Add(30*time.Second)) {
		t.Fatalf("fresh destinations not staggered: %s %s", d1, d2)
	}

	if err := s.Teardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if len(store.saved) != 3 {
		t.Fatalf("expected 3 saved states, got %d", len(store.saved))
	}
	if s.Tick(epoch.Add(time.Hour)) != 0 {
		t.Fatal("tick after teardown started a job")
	}
}

func TestResyncDropsUntracked(t *testing.T) {
	store := &memoryState{dests: []storage.Destination{{ID: 1, Tracked: true}, {ID: 2, Tracked: true}}}
	s := newScheduler(store, func(context.Context, Job) error { return nil }, 1, 0)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	store.mu.Lock()
	store.dests = []storage.Destination{{ID: 2, Tracked: true}, {ID: 5, Tracked: true}}
	store.mu.Unlock()

	if err := s.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if s.Scheduled(1) || !s.Scheduled(2) || !s.Scheduled(5) {
		t.Fatalf("unexpected schedule after resync: %+v", s.Snapshot())
	}
}
