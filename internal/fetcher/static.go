package fetcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

const staticName = "static"

// Static serves fixed prices keyed by destination name or route key. Keys
// are case-insensitive because viper lowercases map keys.
type Static struct {
	currency string
	now      func() time.Time

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic constructs a static source.
func NewStatic(currency string, prices map[string]float64) *Static {
	if currency == "" {
		currency = "USD"
	}
	s := &Static{
		currency: currency,
		now:      time.Now,
		prices:   make(map[string]decimal.Decimal, len(prices)),
	}
	for key, price := range prices {
		s.prices[strings.ToLower(key)] = decimal.NewFromFloat(price)
	}
	return s
}

func (s *Static) Name() string { return staticName }

// Set overrides the price of a key.
func (s *Static) Set(key string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToLower(key)] = price
}

func (s *Static) FetchPrice(_ context.Context, dest storage.Destination) (storage.Observation, error) {
	s.mu.RLock()
	price, ok := s.prices[strings.ToLower(dest.RouteKey)]
	if !ok {
		price, ok = s.prices[strings.ToLower(dest.Name)]
	}
	s.mu.RUnlock()

	if !ok {
		return storage.Observation{}, newFetchError(KindInvalidResponse, staticName,
			fmt.Errorf("no static price for %q", dest.Name))
	}
	if !price.IsPositive() {
		return storage.Observation{}, newFetchError(KindInvalidResponse, staticName,
			fmt.Errorf("non-positive static price %s", price))
	}

	return storage.Observation{
		DestinationID: dest.ID,
		SourceID:      staticName,
		Price:         price,
		Currency:      s.currency,
		SourceTime:    s.now().UTC(),
	}, nil
}

var _ Source = (*Static)(nil)
