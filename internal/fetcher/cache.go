package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

// CachedQuote is the cached form of a fetched price.
type CachedQuote struct {
	SourceID   string          `json:"source_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	SourceTime time.Time       `json:"source_time"`
}

// QuoteCache stores recent quotes by key.
type QuoteCache interface {
	Get(ctx context.Context, key string) (CachedQuote, bool, error)
	Set(ctx context.Context, key string, quote CachedQuote, ttl time.Duration) error
}

// RedisCache keeps quotes in Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wires a go-redis client.
func NewRedisCache(opts *redis.Options, prefix string) *RedisCache {
	return &RedisCache{client: redis.NewClient(opts), prefix: prefix}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, key string) (CachedQuote, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedQuote{}, false, nil
	}
	if err != nil {
		return CachedQuote{}, false, err
	}
	var q CachedQuote
	if err := json.Unmarshal(data, &q); err != nil {
		return CachedQuote{}, false, fmt.Errorf("decode cached quote: %w", err)
	}
	return q, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, quote CachedQuote, ttl time.Duration) error {
	data, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Cached serves recent quotes from a cache before asking the source. A hit
// keeps the original SourceTime so the history store deduplicates it.
type Cached struct {
	source Source
	cache  QuoteCache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCached decorates source. A nil cache or zero ttl returns source unchanged.
func NewCached(source Source, cache QuoteCache, ttl time.Duration, logger zerolog.Logger) Source {
	if cache == nil || ttl <= 0 {
		return source
	}
	return &Cached{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "quote_cache").Str("source", source.Name()).Logger(),
	}
}

// NewCachedLimited puts the token bucket behind the cache, so only upstream
// calls spend the source's request budget.
func NewCachedLimited(source Source, cache QuoteCache, ttl time.Duration, limit RateLimit, logger zerolog.Logger) Source {
	return NewCached(NewLimited(source, limit.Requests, limit.Window), cache, ttl, logger)
}

func (c *Cached) Name() string { return c.source.Name() }

func (c *Cached) FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error) {
	key := c.source.Name() + ":" + dest.RouteKey

	quote, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	if ok {
		return storage.Observation{
			DestinationID: dest.ID,
			SourceID:      quote.SourceID,
			Price:         quote.Price,
			Currency:      quote.Currency,
			SourceTime:    quote.SourceTime,
		}, nil
	}

	obs, err := c.source.FetchPrice(ctx, dest)
	if err != nil {
		return storage.Observation{}, err
	}

	if setErr := c.cache.Set(ctx, key, CachedQuote{
		SourceID:   obs.SourceID,
		Price:      obs.Price,
		Currency:   obs.Currency,
		SourceTime: obs.SourceTime,
	}, c.ttl); setErr != nil {
		c.logger.Warn().Err(setErr).Str("key", key).Msg("cache write failed")
	}
	return obs, nil
}

var (
	_ QuoteCache = (*RedisCache)(nil)
	_ Source     = (*Cached)(nil)
)
