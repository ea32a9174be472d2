package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"travel-price-alerts/internal/retry"
	"travel-price-alerts/internal/storage"
)

// AdapterOptions tune the retrying adapter.
type AdapterOptions struct {
	Default string
	Policy  retry.Policy
	Timeout time.Duration
}

// Adapter routes a destination to its source and retries transient failures.
// Rate-limited and invalid responses are returned immediately.
type Adapter struct {
	sources map[string]Source
	opts    AdapterOptions
	logger  zerolog.Logger
}

// NewAdapter builds an adapter over the given sources.
func NewAdapter(opts AdapterOptions, logger zerolog.Logger, sources ...Source) *Adapter {
	if opts.Policy.Attempts <= 0 {
		opts.Policy.Attempts = 1
	}
	byName := make(map[string]Source, len(sources))
	for _, src := range sources {
		byName[src.Name()] = src
	}
	return &Adapter{
		sources: byName,
		opts:    opts,
		logger:  logger.With().Str("component", "price_adapter").Logger(),
	}
}

// SourceFor resolves the source serving a destination.
func (a *Adapter) SourceFor(dest storage.Destination) (Source, error) {
	name := dest.Source
	if name == "" {
		name = a.opts.Default
	}
	src, ok := a.sources[name]
	if !ok {
		return nil, newFetchError(KindInvalidResponse, name, fmt.Errorf("source %q is not configured", name))
	}
	return src, nil
}

func (a *Adapter) Name() string { return "adapter" }

// FetchPrice fetches with a per-attempt timeout, retrying only unavailable sources.
func (a *Adapter) FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error) {
	src, err := a.SourceFor(dest)
	if err != nil {
		return storage.Observation{}, err
	}

	var obs storage.Observation
	err = retry.Do(ctx, a.opts.Policy, isRetryable, func(ctx context.Context, attempt int) error {
		attemptCtx := ctx
		if a.opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
			defer cancel()
		}

		result, fetchErr := src.FetchPrice(attemptCtx, dest)
		if fetchErr != nil {
			fetchErr = classify(src.Name(), fetchErr)
			a.logger.Debug().
				Err(fetchErr).
				Int64("destination_id", dest.ID).
				Int("attempt", attempt).
				Msg("fetch attempt failed")
			return fetchErr
		}
		obs = result
		return nil
	})
	if err != nil {
		return storage.Observation{}, err
	}
	return obs, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// classify wraps untyped failures; deadlines count as unavailable.
func classify(source string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return newFetchError(KindSourceUnavailable, source, err)
}

var _ Source = (*Adapter)(nil)
