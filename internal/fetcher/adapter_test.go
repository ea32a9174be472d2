package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/retry"
	"travel-price-alerts/internal/storage"
)

type scriptedSource struct {
	name string

	mu    sync.Mutex
	calls int
	errs  []error
	price decimal.Decimal
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) FetchPrice(_ context.Context, dest storage.Destination) (storage.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return storage.Observation{}, err
		}
	}
	return storage.Observation{
		DestinationID: dest.ID,
		SourceID:      s.name,
		Price:         s.price,
		Currency:      "USD",
		SourceTime:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testAdapter(src Source) *Adapter {
	return NewAdapter(AdapterOptions{
		Default: src.Name(),
		Policy:  retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Timeout: time.Second,
	}, noopLogger(), src)
}

func TestAdapterRetriesUnavailable(t *testing.T) {
	src := &scriptedSource{
		name:  "fake",
		price: decimal.NewFromInt(480),
		errs: []error{
			newFetchError(KindSourceUnavailable, "fake", errors.New("502")),
			errors.New("connection reset"),
		},
	}
	obs, err := testAdapter(src).FetchPrice(context.Background(), storage.Destination{ID: 1})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if src.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", src.Calls())
	}
	if !obs.Price.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("unexpected price %s", obs.Price)
	}
}

func TestAdapterGivesUpAfterPolicy(t *testing.T) {
	unavailable := newFetchError(KindSourceUnavailable, "fake", errors.New("down"))
	src := &scriptedSource{name: "fake", errs: []error{unavailable, unavailable, unavailable, unavailable}}
	_, err := testAdapter(src).FetchPrice(context.Background(), storage.Destination{ID: 1})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if src.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", src.Calls())
	}
}

func TestAdapterDoesNotRetryRateLimitedOrInvalid(t *testing.T) {
	for _, kind := range []Kind{KindRateLimited, KindInvalidResponse} {
		src := &scriptedSource{name: "fake", errs: []error{newFetchError(kind, "fake", nil)}}
		_, err := testAdapter(src).FetchPrice(context.Background(), storage.Destination{ID: 1})
		if KindOf(err) != kind {
			t.Fatalf("expected %s, got %v", kind, err)
		}
		if src.Calls() != 1 {
			t.Fatalf("%s must not be retried, got %d calls", kind, src.Calls())
		}
	}
}

func TestAdapterUnknownSource(t *testing.T) {
	a := testAdapter(&scriptedSource{name: "fake"})
	_, err := a.FetchPrice(context.Background(), storage.Destination{ID: 1, Source: "missing"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response for unknown source, got %v", err)
	}
}

func TestLimitedFailsFastWhenEmpty(t *testing.T) {
	src := &scriptedSource{name: "fake", price: decimal.NewFromInt(1)}
	limited := NewLimited(src, 1, time.Hour)

	if _, err := limited.FetchPrice(context.Background(), storage.Destination{}); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	start := time.Now()
	_, err := limited.FetchPrice(context.Background(), storage.Destination{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("rate limiter must not block")
	}
	if src.Calls() != 1 {
		t.Fatalf("limited call reached the source")
	}
}

func TestStaticSource(t *testing.T) {
	s := NewStatic("EUR", map[string]float64{"lis": 480})
	obs, err := s.FetchPrice(context.Background(), storage.Destination{ID: 2, Name: "LIS"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !obs.Price.Equal(decimal.NewFromInt(480)) || obs.Currency != "EUR" {
		t.Fatalf("unexpected observation %+v", obs)
	}

	if _, err := s.FetchPrice(context.Background(), storage.Destination{Name: "OPO"}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("missing price should be invalid, got %v", err)
	}
}

type memoryCache struct {
	mu     sync.Mutex
	quotes map[string]CachedQuote
}

func (m *memoryCache) Get(_ context.Context, key string) (CachedQuote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[key]
	return q, ok, nil
}

func (m *memoryCache) Set(_ context.Context, key string, q CachedQuote, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[key] = q
	return nil
}

func TestCachedServesRepeatQuote(t *testing.T) {
	src := &scriptedSource{name: "fake", price: decimal.NewFromInt(300)}
	cache := &memoryCache{quotes: map[string]CachedQuote{}}
	cached := NewCached(src, cache, time.Minute, noopLogger())

	dest := storage.Destination{ID: 4, RouteKey: "LIS"}
	first, err := cached.FetchPrice(context.Background(), dest)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := cached.FetchPrice(context.Background(), dest)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if src.Calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", src.Calls())
	}
	if !first.SameContent(second) {
		t.Fatalf("cached quote must replay the same content")
	}
}

func TestCacheHitsDoNotSpendRateBudget(t *testing.T) {
	src := &scriptedSource{name: "fake", price: decimal.NewFromInt(300)}
	cache := &memoryCache{quotes: map[string]CachedQuote{}}
	guarded := NewCachedLimited(src, cache, time.Minute, RateLimit{Requests: 1, Window: time.Hour}, noopLogger())

	dest := storage.Destination{ID: 4, RouteKey: "LIS"}
	for i := 0; i < 3; i++ {
		if _, err := guarded.FetchPrice(context.Background(), dest); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if src.Calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", src.Calls())
	}

	// a different route misses the cache and hits the spent bucket
	_, err := guarded.FetchPrice(context.Background(), storage.Destination{ID: 5, RouteKey: "OPO"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited on cache miss, got %v", err)
	}
}
