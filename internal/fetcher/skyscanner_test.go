package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestSkyscanner(t *testing.T, handler http.HandlerFunc) *Skyscanner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSkyscanner(SkyscannerOptions{
		BaseURL:   srv.URL,
		APIKey:    "k",
		Market:    "US",
		Currency:  "USD",
		Locale:    "en-US",
		Origin:    "LAX-sky",
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())
}

func TestSkyscannerPicksLowestQuote(t *testing.T) {
	var gotPath string
	s := newTestSkyscanner(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Get("apiKey") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Quotes": [
				{"QuoteId": 3, "MinPrice": 512.40, "QuoteDateTime": "2024-05-01T10:00:00"},
				{"QuoteId": 2, "MinPrice": 480.10, "QuoteDateTime": "2024-05-01T09:00:00"},
				{"QuoteId": 1, "MinPrice": 480.10, "QuoteDateTime": "2024-05-01T08:00:00"}
			],
			"Currencies": [{"Code": "USD"}]
		}`))
	})

	obs, err := s.FetchPrice(context.Background(), storage.Destination{ID: 9, RouteKey: "LIS-sky"})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/US/USD/en-US/LAX-sky/LIS-sky/cheapest") {
		t.Fatalf("unexpected request path %s", gotPath)
	}
	if !obs.Price.Equal(decimal.RequireFromString("480.10")) {
		t.Fatalf("期望价格 480.10, 实际 %s", obs.Price)
	}
	want := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if !obs.SourceTime.Equal(want) {
		t.Fatalf("tie should resolve to QuoteId 1, got source time %s", obs.SourceTime)
	}
	if obs.DestinationID != 9 || obs.SourceID != "skyscanner" || obs.Currency != "USD" {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestSkyscannerRouteWithOrigin(t *testing.T) {
	var gotPath string
	s := newTestSkyscanner(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"Quotes":[{"QuoteId":1,"MinPrice":99}]}`))
	})
	if _, err := s.FetchPrice(context.Background(), storage.Destination{RouteKey: "JFK-sky/CDG-sky"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/JFK-sky/CDG-sky/cheapest") {
		t.Fatalf("unexpected request path %s", gotPath)
	}
}

func TestSkyscannerErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "429", status: http.StatusTooManyRequests, body: `{"message":"slow down"}`, want: ErrRateLimited},
		{name: "503", status: http.StatusServiceUnavailable, want: ErrSourceUnavailable},
		{name: "400", status: http.StatusBadRequest, body: `{"ValidationErrors":[{"Message":"bad place"}]}`, want: ErrInvalidResponse},
		{name: "malformed", status: http.StatusOK, body: `{"Quotes":`, want: ErrInvalidResponse},
		{name: "empty", status: http.StatusOK, body: `{"Quotes":[]}`, want: ErrInvalidResponse},
		{name: "non-positive", status: http.StatusOK, body: `{"Quotes":[{"QuoteId":1,"MinPrice":0}]}`, want: ErrInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSkyscanner(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := s.FetchPrice(context.Background(), storage.Destination{RouteKey: "LIS-sky"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSkyscannerNetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewSkyscanner(SkyscannerOptions{BaseURL: url, Origin: "LAX-sky", Timeout: time.Second}, noopLogger())
	_, err := s.FetchPrice(context.Background(), storage.Destination{RouteKey: "LIS-sky"})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
