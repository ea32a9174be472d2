package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func seedDestination(t *testing.T, store *SQLiteStore) Destination {
	t.Helper()
	dest, err := store.UpsertDestination(context.Background(), Destination{
		Name:         "LIS",
		RouteKey:     "LON-LIS",
		PollInterval: 30 * time.Minute,
		Tracked:      true,
	})
	if err != nil {
		t.Fatalf("upsert destination: %v", err)
	}
	return dest
}

func TestAppendObservationDeduplicatesReplays(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	obs := Observation{
		DestinationID: dest.ID,
		SourceID:      "static",
		Price:         decimal.RequireFromString("480.00"),
		Currency:      "EUR",
		SourceTime:    ts,
	}

	first, inserted, err := store.AppendObservation(ctx, obs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !inserted || first.ID == 0 {
		t.Fatalf("expected insert, got inserted=%v id=%d", inserted, first.ID)
	}

	again, inserted, err := store.AppendObservation(ctx, obs)
	if err != nil {
		t.Fatalf("append replay: %v", err)
	}
	if inserted {
		t.Fatalf("replay must not insert")
	}
	if again.ID != first.ID {
		t.Fatalf("replay returned id %d, want %d", again.ID, first.ID)
	}

	trend, err := store.WindowedTrend(ctx, dest.ID, 10)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(trend))
	}
}

func TestAppendObservationClampsObservedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	late := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)

	if _, _, err := store.AppendObservation(ctx, Observation{
		DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(500), Currency: "EUR", SourceTime: late,
	}); err != nil {
		t.Fatalf("append late: %v", err)
	}
	second, _, err := store.AppendObservation(ctx, Observation{
		DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(490), Currency: "EUR", SourceTime: early,
	})
	if err != nil {
		t.Fatalf("append early: %v", err)
	}
	if !second.ObservedAt.Equal(late) {
		t.Fatalf("observed_at went backwards: %s", second.ObservedAt)
	}
	if !second.SourceTime.Equal(early) {
		t.Fatalf("source time lost: %s", second.SourceTime)
	}

	latest, err := store.LatestObservation(ctx, dest.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("latest should be the last insertion, got %+v", latest)
	}
}

func TestWindowedTrendOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range []int64{600, 520, 480, 490} {
		if _, _, err := store.AppendObservation(ctx, Observation{
			DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(p), Currency: "EUR",
			SourceTime: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append %d: %v", p, err)
		}
	}

	trend, err := store.WindowedTrend(ctx, dest.ID, 3)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	want := []int64{490, 480, 520}
	if len(trend) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(trend))
	}
	for i, w := range want {
		if !trend[i].Price.Equal(decimal.NewFromInt(w)) {
			t.Fatalf("trend[%d]=%s want %d", i, trend[i].Price, w)
		}
	}

	prev, err := store.ObservationBefore(ctx, dest.ID, trend[0].ID)
	if err != nil {
		t.Fatalf("observation before: %v", err)
	}
	if prev == nil || !prev.Price.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("predecessor of 490 = %+v, want 480", prev)
	}
	first, err := store.ObservationBefore(ctx, dest.ID, trend[2].ID-1)
	if err != nil || first != nil {
		t.Fatalf("first observation has no predecessor, got %+v, %v", first, err)
	}

	empty, err := store.WindowedTrend(ctx, dest.ID+1, 3)
	if err != nil {
		t.Fatalf("trend for unknown destination: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty trend, got %d", len(empty))
	}
}

func TestFireAlertConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	alert, err := store.CreateAlert(ctx, Alert{
		OwnerID:       7,
		DestinationID: dest.ID,
		Threshold:     decimal.NewFromInt(500),
		Direction:     DirectionBelow,
		Channel:       ChannelEmail,
		Active:        true,
		Cooldown:      24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	obs, _, err := store.AppendObservation(ctx, Observation{
		DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(480), Currency: "EUR",
		SourceTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	firedAt := time.Now().UTC()
	attempt, err := store.FireAlert(ctx, FireRequest{
		AlertID:       alert.ID,
		ObservationID: obs.ID,
		Channel:       alert.Channel,
		FiredAt:       firedAt,
		AttemptID:     uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if attempt.Status != AttemptPending {
		t.Fatalf("expected pending attempt, got %s", attempt.Status)
	}

	// stale expectation loses
	_, err = store.FireAlert(ctx, FireRequest{
		AlertID:       alert.ID,
		ObservationID: obs.ID + 1,
		Channel:       alert.Channel,
		FiredAt:       firedAt.Add(time.Minute),
		AttemptID:     uuid.NewString(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, err := store.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if stored.LastFiredAt == nil {
		t.Fatalf("last_fired_at not recorded")
	}

	// same observation twice never yields two attempts
	_, err = store.FireAlert(ctx, FireRequest{
		AlertID:           alert.ID,
		ObservationID:     obs.ID,
		Channel:           alert.Channel,
		ExpectedLastFired: stored.LastFiredAt,
		FiredAt:           firedAt.Add(2 * time.Minute),
		AttemptID:         uuid.NewString(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for duplicate observation, got %v", err)
	}
	again, err := store.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if !again.LastFiredAt.Equal(*stored.LastFiredAt) {
		t.Fatalf("rolled back fire must not move last_fired_at")
	}
}

func TestFireAlertRejectsInactive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	alert, err := store.CreateAlert(ctx, Alert{
		OwnerID: 1, DestinationID: dest.ID, Threshold: decimal.NewFromInt(500),
		Direction: DirectionBelow, Channel: ChannelSMS, Active: false,
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	_, err = store.FireAlert(ctx, FireRequest{
		AlertID: alert.ID, ObservationID: 1, Channel: ChannelSMS,
		FiredAt: time.Now(), AttemptID: uuid.NewString(),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for inactive alert, got %v", err)
	}
}

func TestUpdateAttemptRefusesTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	alert, _ := store.CreateAlert(ctx, Alert{
		OwnerID: 1, DestinationID: dest.ID, Threshold: decimal.NewFromInt(500),
		Direction: DirectionBelow, Channel: ChannelEmail, Active: true,
	})
	obs, _, _ := store.AppendObservation(ctx, Observation{
		DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(450), Currency: "EUR",
		SourceTime: time.Now(),
	})
	attempt, err := store.FireAlert(ctx, FireRequest{
		AlertID: alert.ID, ObservationID: obs.ID, Channel: ChannelEmail,
		FiredAt: time.Now(), AttemptID: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}

	attempt.Status = AttemptSent
	attempt.AttemptCount = 1
	if err := store.UpdateAttempt(ctx, attempt); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	attempt.Status = AttemptFailed
	if err := store.UpdateAttempt(ctx, attempt); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on terminal attempt, got %v", err)
	}

	open, err := store.ListAttempts(ctx, AttemptFilter{Statuses: []AttemptStatus{AttemptPending, AttemptFailed}})
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open attempts, got %d", len(open))
	}

	if err := store.UpsertRecipient(ctx, Recipient{OwnerID: 1, Email: "a@example.com"}); err != nil {
		t.Fatalf("upsert recipient: %v", err)
	}
	delivery, err := store.LoadDelivery(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("load delivery: %v", err)
	}
	if delivery.Recipient.Email != "a@example.com" || delivery.Destination.Name != "LIS" {
		t.Fatalf("unexpected delivery %+v", delivery)
	}

	if err := store.DeleteAlert(ctx, alert.ID); err != nil {
		t.Fatalf("delete alert: %v", err)
	}
	if _, err := store.LoadDelivery(ctx, attempt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPurgeKeepsLatestObservation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dest := seedDestination(t, store)

	for i := 0; i < 3; i++ {
		if _, _, err := store.AppendObservation(ctx, Observation{
			DestinationID: dest.ID, SourceID: "static", Price: decimal.NewFromInt(int64(500 + i)), Currency: "EUR",
			SourceTime: time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	deleted, err := store.PurgeObservationsBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
	latest, err := store.LatestObservation(ctx, dest.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest missing after purge: %v", err)
	}
	if !latest.Price.Equal(decimal.NewFromInt(502)) {
		t.Fatalf("purge removed the latest observation: %s", latest.Price)
	}
}

func TestScheduleStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	due := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	if err := store.SaveScheduleState(ctx, []ScheduleState{{DestinationID: 3, NextDueAt: due}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveScheduleState(ctx, []ScheduleState{{DestinationID: 4, NextDueAt: due}}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	states, err := store.LoadScheduleState(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(states) != 1 || states[0].DestinationID != 4 || !states[0].NextDueAt.Equal(due) {
		t.Fatalf("unexpected schedule state %+v", states)
	}
}
