package fetcher

import (
	"context"
	"errors"
	"fmt"

	"travel-price-alerts/internal/storage"
)

// Source retrieves the current fare of a destination. The returned
// observation carries DestinationID, SourceID, Price, Currency and SourceTime.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error)
}

// Kind classifies a fetch failure.
type Kind string

const (
	KindRateLimited       Kind = "rate_limited"
	KindSourceUnavailable Kind = "source_unavailable"
	KindInvalidResponse   Kind = "invalid_response"
)

var (
	// ErrRateLimited matches failures caused by the local token bucket or a 429.
	ErrRateLimited = errors.New("fetcher: rate limited")
	// ErrSourceUnavailable matches transient network and 5xx failures.
	ErrSourceUnavailable = errors.New("fetcher: source unavailable")
	// ErrInvalidResponse matches malformed or unusable payloads.
	ErrInvalidResponse = errors.New("fetcher: invalid response")
)

// FetchError is the typed failure of a fetch.
type FetchError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrSourceUnavailable:
		return e.Kind == KindSourceUnavailable
	case ErrInvalidResponse:
		return e.Kind == KindInvalidResponse
	default:
		return false
	}
}

func newFetchError(kind Kind, source string, err error) *FetchError {
	return &FetchError{Kind: kind, Source: source, Err: err}
}

// KindOf extracts the failure kind, treating unknown errors as unavailable.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindSourceUnavailable
}
