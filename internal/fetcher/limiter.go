package fetcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"travel-price-alerts/internal/storage"
)

// RateLimit is a budget of Requests per Window.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Limited guards a source with a token bucket. An empty bucket fails
// immediately with a rate-limited error instead of waiting.
type Limited struct {
	source  Source
	limiter *rate.Limiter
}

// NewLimited allows requests per window. A non-positive budget disables limiting.
func NewLimited(source Source, requests int, window time.Duration) Source {
	if requests <= 0 || window <= 0 {
		return source
	}
	return &Limited{
		source:  source,
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests),
	}
}

func (l *Limited) Name() string { return l.source.Name() }

func (l *Limited) FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error) {
	if !l.limiter.AllowN(time.Now(), 1) {
		return storage.Observation{}, newFetchError(KindRateLimited, l.source.Name(),
			fmt.Errorf("local budget of %.0f tokens exhausted", float64(l.limiter.Burst())))
	}
	return l.source.FetchPrice(ctx, dest)
}

var _ Source = (*Limited)(nil)
