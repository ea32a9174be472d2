package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/alerting"
	"travel-price-alerts/internal/dispatcher"
	"travel-price-alerts/internal/evaluator"
	"travel-price-alerts/internal/fetcher"
	"travel-price-alerts/internal/metrics"
	"travel-price-alerts/internal/retry"
	"travel-price-alerts/internal/scheduler"
	"travel-price-alerts/internal/storage"
)

type countingSource struct {
	fetcher.Source
	calls int32
}

func (c *countingSource) FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.Source.FetchPrice(ctx, dest)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []alerting.Message
}

func (r *recordingSender) Channel() storage.Channel { return storage.ChannelTelegram }

func (r *recordingSender) Send(_ context.Context, msg alerting.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type harness struct {
	store  *storage.SQLiteStore
	static *fetcher.Static
	sender *recordingSender
	svc    *Service
	dest   storage.Destination
}

func newHarness(t *testing.T, src func(*fetcher.Static) fetcher.Source, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)

	dest, err := store.UpsertDestination(ctx, storage.Destination{Name: "Lisbon", RouteKey: "LIS-sky", Tracked: true})
	if err != nil {
		t.Fatalf("destination: %v", err)
	}
	if err := store.UpsertRecipient(ctx, storage.Recipient{OwnerID: 1, TelegramChatID: "42"}); err != nil {
		t.Fatalf("recipient: %v", err)
	}
	if _, err := store.CreateAlert(ctx, storage.Alert{
		OwnerID:       1,
		DestinationID: dest.ID,
		Threshold:     decimal.NewFromInt(500),
		Direction:     storage.DirectionBelow,
		Channel:       storage.ChannelTelegram,
		Active:        true,
		Cooldown:      24 * time.Hour,
	}); err != nil {
		t.Fatalf("alert: %v", err)
	}

	static := fetcher.NewStatic("USD", map[string]float64{"LIS-sky": 600})
	var source fetcher.Source = static
	if src != nil {
		source = src(static)
	}
	adapter := fetcher.NewAdapter(fetcher.AdapterOptions{
		Default: "static",
		Policy:  retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout: time.Second,
	}, zerolog.Nop(), source)

	m := metrics.New()
	sender := &recordingSender{}
	disp := dispatcher.New(store, alerting.NewRouter(sender), dispatcher.Options{
		Policy:  retry.Policy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Workers: 1,
	}, zerolog.Nop(), m)
	engine := evaluator.New(store, evaluator.Options{}, zerolog.Nop())

	if opts.Scheduler.Tick == 0 {
		opts.Scheduler = scheduler.Options{Tick: 10 * time.Millisecond, DefaultInterval: time.Hour, Workers: 2}
	}
	svc := New(store, adapter, engine, disp, opts, zerolog.Nop(), m)
	return &harness{store: store, static: static, sender: sender, svc: svc, dest: dest}
}

func (h *harness) cycle(t *testing.T, price int64) CycleResult {
	t.Helper()
	h.static.Set("LIS-sky", decimal.NewFromInt(price))
	res, err := h.svc.RunCycle(context.Background(), h.dest)
	if err != nil {
		t.Fatalf("cycle %d: %v", price, err)
	}
	return res
}

func TestPipelineScenario(t *testing.T) {
	h := newHarness(t, nil, Options{})

	steps := []struct {
		price  int64
		queued int
	}{
		{600, 0}, {520, 0}, {480, 1}, {490, 0}, {470, 0},
	}
	for _, step := range steps {
		res := h.cycle(t, step.price)
		if !res.Inserted {
			t.Fatalf("price %d not stored", step.price)
		}
		if res.Queued != step.queued {
			t.Fatalf("price %d queued %d want %d", step.price, res.Queued, step.queued)
		}
	}

	trend, err := h.store.WindowedTrend(context.Background(), h.dest.ID, 10)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend) != 5 || !trend[0].Price.Equal(decimal.NewFromInt(470)) {
		t.Fatalf("unexpected trend %+v", trend)
	}
}

func TestIngestReplayIsIgnored(t *testing.T) {
	h := newHarness(t, nil, Options{})
	obs := storage.Observation{
		DestinationID: h.dest.ID,
		SourceID:      "static",
		Price:         decimal.NewFromInt(450),
		Currency:      "USD",
		SourceTime:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}

	first, err := h.svc.Ingest(context.Background(), obs)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(evaluator.Fired(first.Decisions)) != 1 {
		t.Fatalf("first ingest should fire")
	}
	second, err := h.svc.Ingest(context.Background(), obs)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Inserted || len(second.Decisions) != 0 {
		t.Fatalf("replay must be neither stored nor evaluated: %+v", second)
	}
	if second.Observation.ID != first.Observation.ID {
		t.Fatalf("replay should report the existing row")
	}
}

func TestRateLimitedCyclesDoNotBacklog(t *testing.T) {
	var counter *countingSource
	h := newHarness(t, func(s *fetcher.Static) fetcher.Source {
		counter = &countingSource{Source: s}
		return fetcher.NewLimited(counter, 1, time.Hour)
	}, Options{})

	h.cycle(t, 600)
	for i := 0; i < 3; i++ {
		res := h.cycle(t, 400)
		if res.Inserted {
			t.Fatalf("cycle %d should have been rate limited", i)
		}
	}

	if got := atomic.LoadInt32(&counter.calls); got != 1 {
		t.Fatalf("rate limited cycles must not reach the source, got %d calls", got)
	}
	latest, err := h.store.LatestObservation(context.Background(), h.dest.ID)
	if err != nil || latest == nil || !latest.Price.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected only the first observation, got %+v err=%v", latest, err)
	}
}

func TestUnavailableSourceIsRetried(t *testing.T) {
	var counter *countingSource
	h := newHarness(t, func(s *fetcher.Static) fetcher.Source {
		counter = &countingSource{Source: failing{}}
		return counter
	}, Options{})

	if _, err := h.svc.RunCycle(context.Background(), h.dest); err != nil {
		t.Fatalf("failed fetch must not fail the cycle: %v", err)
	}
	if got := atomic.LoadInt32(&counter.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

type failing struct{}

func (failing) Name() string { return "static" }

func (failing) FetchPrice(context.Context, storage.Destination) (storage.Observation, error) {
	return storage.Observation{}, errors.New("connection refused")
}

func TestRunDeliversAndPersistsSchedule(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.static.Set("LIS-sky", decimal.NewFromInt(450))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for h.sender.Count() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("no notification delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	states, err := h.store.LoadScheduleState(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(states) != 1 || states[0].DestinationID != h.dest.ID {
		t.Fatalf("schedule state not persisted: %+v", states)
	}

	attempts, _ := h.store.ListAttempts(context.Background(), storage.AttemptFilter{})
	if len(attempts) != 1 || attempts[0].Status != storage.AttemptSent {
		t.Fatalf("expected one sent attempt, got %+v", attempts)
	}
}

func TestLockKeyPacksDestination(t *testing.T) {
	s := &Service{opts: Options{LockKey: 0x7072}}
	if got := s.lockKeyFor(5); got != 0x7072<<32|5 {
		t.Fatalf("unexpected lock key %x", got)
	}
}

func TestPurgeRespectsRetention(t *testing.T) {
	now := time.Now()
	h := newHarness(t, nil, Options{Retention: time.Hour, Now: func() time.Time { return now.Add(48 * time.Hour) }})
	h.cycle(t, 600)
	h.cycle(t, 610)

	n, err := h.svc.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged observation, got %d", n)
	}
	latest, _ := h.store.LatestObservation(context.Background(), h.dest.ID)
	if latest == nil || !latest.Price.Equal(decimal.NewFromInt(610)) {
		t.Fatalf("latest observation must survive purge")
	}
}
