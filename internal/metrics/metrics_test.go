package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FetchResult("static", "ok")
	m.ObservationStored(true)
	m.AlertDecision("fired")
	m.Delivery("email", "sent")
	m.SendDuration("email", time.Second)
	m.SchedulerSkip("in_flight")
	m.FetchStarted()
	m.FetchFinished()
	m.SetQueueDepth(3)
	m.SetScheduled(2)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Delivery("sms", "abandoned")
	m.Delivery("sms", "abandoned")
	m.ObservationStored(false)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("sms", "abandoned")); got != 2 {
		t.Fatalf("expected 2 abandoned deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.observations.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate observation, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pricewatch_deliveries_total{channel="sms",status="abandoned"} 2`) {
		t.Fatalf("metrics output missing delivery counter:\n%s", body)
	}
}
