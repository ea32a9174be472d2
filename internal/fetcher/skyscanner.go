package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

const (
	skyscannerName      = "skyscanner"
	browseQuotesPathFmt = "/apiservices/browsequotes/v1.0/%s/%s/%s/%s/%s/cheapest"
	maxSkyscannerBody   = 4 << 20
)

// SkyscannerOptions parameterise the browse-quotes source.
type SkyscannerOptions struct {
	BaseURL   string
	APIKey    string
	Market    string
	Currency  string
	Locale    string
	Origin    string
	Timeout   time.Duration
	UserAgent string
}

// Skyscanner fetches the cheapest quote for a route.
type Skyscanner struct {
	opts    SkyscannerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewSkyscanner constructs a Skyscanner source.
func NewSkyscanner(opts SkyscannerOptions, logger zerolog.Logger) *Skyscanner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://partners.api.skyscanner.net"
	}
	if opts.Market == "" {
		opts.Market = "US"
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.Locale == "" {
		opts.Locale = "en-US"
	}

	return &Skyscanner{
		opts:    opts,
		logger:  logger.With().Str("component", "skyscanner_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

func (s *Skyscanner) Name() string { return skyscannerName }

// FetchPrice retrieves the browse quotes of the destination route and keeps
// the lowest MinPrice. Equal prices resolve to the lowest QuoteId.
func (s *Skyscanner) FetchPrice(ctx context.Context, dest storage.Destination) (storage.Observation, error) {
	origin, destination := s.route(dest.RouteKey)
	if origin == "" || destination == "" {
		return storage.Observation{}, newFetchError(KindInvalidResponse, skyscannerName,
			fmt.Errorf("route %q lacks origin or destination", dest.RouteKey))
	}

	endpoint := s.baseURL + fmt.Sprintf(browseQuotesPathFmt,
		url.PathEscape(s.opts.Market),
		url.PathEscape(s.opts.Currency),
		url.PathEscape(s.opts.Locale),
		url.PathEscape(origin),
		url.PathEscape(destination),
	)
	query := url.Values{}
	query.Set("apiKey", s.opts.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return storage.Observation{}, newFetchError(KindInvalidResponse, skyscannerName, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return storage.Observation{}, newFetchError(KindSourceUnavailable, skyscannerName, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxSkyscannerBody))
	if err != nil {
		return storage.Observation{}, newFetchError(KindSourceUnavailable, skyscannerName, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return storage.Observation{}, newFetchError(KindRateLimited, skyscannerName, parseHTTPError(resp.StatusCode, payload))
	case resp.StatusCode >= http.StatusInternalServerError:
		return storage.Observation{}, newFetchError(KindSourceUnavailable, skyscannerName, parseHTTPError(resp.StatusCode, payload))
	case resp.StatusCode != http.StatusOK:
		return storage.Observation{}, newFetchError(KindInvalidResponse, skyscannerName, parseHTTPError(resp.StatusCode, payload))
	}

	var res browseQuotesResponse
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&res); err != nil {
		return storage.Observation{}, newFetchError(KindInvalidResponse, skyscannerName, fmt.Errorf("decode quotes: %w", err))
	}

	best, price, err := cheapestQuote(res.Quotes)
	if err != nil {
		return storage.Observation{}, newFetchError(KindInvalidResponse, skyscannerName, err)
	}

	currency := s.opts.Currency
	if len(res.Currencies) > 0 && res.Currencies[0].Code != "" {
		currency = res.Currencies[0].Code
	}

	sourceTime := s.now().UTC()
	if best.QuoteDateTime != "" {
		if ts, parseErr := time.Parse("2006-01-02T15:04:05", best.QuoteDateTime); parseErr == nil {
			sourceTime = ts.UTC()
		} else if ts, parseErr := time.Parse(time.RFC3339, best.QuoteDateTime); parseErr == nil {
			sourceTime = ts.UTC()
		}
	}

	s.logger.Debug().
		Int64("destination_id", dest.ID).
		Int64("quote_id", best.QuoteID).
		Str("price", price.String()).
		Str("currency", currency).
		Msg("skyscanner quote selected")

	return storage.Observation{
		DestinationID: dest.ID,
		SourceID:      skyscannerName,
		Price:         price,
		Currency:      currency,
		SourceTime:    sourceTime,
	}, nil
}

// route splits "ORIGIN/DEST" keys; a bare key uses the configured origin.
func (s *Skyscanner) route(key string) (string, string) {
	key = strings.TrimSpace(key)
	if origin, destination, ok := strings.Cut(key, "/"); ok {
		return strings.TrimSpace(origin), strings.TrimSpace(destination)
	}
	return s.opts.Origin, key
}

func cheapestQuote(quotes []quote) (quote, decimal.Decimal, error) {
	var (
		best      quote
		bestPrice decimal.Decimal
		found     bool
	)
	for _, q := range quotes {
		price, err := decimal.NewFromString(q.MinPrice.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		if !found || price.LessThan(bestPrice) || (price.Equal(bestPrice) && q.QuoteID < best.QuoteID) {
			best, bestPrice, found = q, price, true
		}
	}
	if !found {
		return quote{}, decimal.Decimal{}, errors.New("no usable quotes")
	}
	return best, bestPrice, nil
}

type browseQuotesResponse struct {
	Quotes     []quote `json:"Quotes"`
	Currencies []struct {
		Code string `json:"Code"`
	} `json:"Currencies"`
}

type quote struct {
	QuoteID       int64       `json:"QuoteId"`
	MinPrice      json.Number `json:"MinPrice"`
	Direct        bool        `json:"Direct"`
	QuoteDateTime string      `json:"QuoteDateTime"`
}

type errorResponse struct {
	Message          string `json:"message"`
	ValidationErrors []struct {
		Message string `json:"Message"`
	} `json:"ValidationErrors"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("skyscanner api error (%d): %s", status, apiErr.Message)
		}
		if len(apiErr.ValidationErrors) > 0 && apiErr.ValidationErrors[0].Message != "" {
			return fmt.Errorf("skyscanner api error (%d): %s", status, apiErr.ValidationErrors[0].Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("skyscanner api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("skyscanner api error (%d)", status)
}

var _ Source = (*Skyscanner)(nil)
