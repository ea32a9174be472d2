package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/storage"
)

// AddAlert validates and stores a new alert.
func (a *App) AddAlert(ctx context.Context, in AlertInput) error {
	threshold, err := decimal.NewFromString(in.Threshold)
	if err != nil {
		return fmt.Errorf("invalid threshold %q: %w", in.Threshold, err)
	}
	direction, err := storage.ParseDirection(in.Direction)
	if err != nil {
		return err
	}
	channel, err := storage.ParseChannel(in.Channel)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := resolveDestination(ctx, store, in.Destination)
	if err != nil {
		return err
	}

	created, err := a.newRegistry(store).CreateAlert(ctx, storage.Alert{
		OwnerID:       in.OwnerID,
		DestinationID: dest.ID,
		Threshold:     threshold,
		Direction:     direction,
		Channel:       channel,
		Active:        !in.Inactive,
		Cooldown:      in.Cooldown,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created alert %d on %s\n", created.ID, dest.Name)
	return nil
}

// ListAlerts prints the alerts of a destination, or every alert.
func (a *App) ListAlerts(ctx context.Context, destination string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var destID int64
	if destination != "" {
		dest, err := resolveDestination(ctx, store, destination)
		if err != nil {
			return err
		}
		destID = dest.ID
	}

	alerts, err := store.ListAlerts(ctx, destID)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}
	writeAlerts(os.Stdout, alerts)
	return nil
}

// ToggleAlert activates or deactivates an alert.
func (a *App) ToggleAlert(ctx context.Context, id int64, active bool) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return a.newRegistry(store).SetAlertActive(ctx, id, active)
}

// RemoveAlert deletes an alert.
func (a *App) RemoveAlert(ctx context.Context, id int64) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return a.newRegistry(store).DeleteAlert(ctx, id)
}

// AddDestination registers or updates a destination.
func (a *App) AddDestination(ctx context.Context, in DestinationInput) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := a.newRegistry(store).RegisterDestination(ctx, storage.Destination{
		Name:         in.Name,
		RouteKey:     in.RouteKey,
		Source:       in.Source,
		PollInterval: in.PollInterval,
		Tracked:      !in.Untracked,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "destination %d %s registered\n", dest.ID, dest.Name)
	return nil
}

// ListDestinations prints destinations.
func (a *App) ListDestinations(ctx context.Context, trackedOnly bool) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dests, err := store.ListDestinations(ctx, trackedOnly)
	if err != nil {
		return err
	}
	if len(dests) == 0 {
		fmt.Fprintln(os.Stdout, "no destinations found")
		return nil
	}
	writeDestinations(os.Stdout, dests)
	return nil
}

// RemoveDestination stops tracking a destination.
func (a *App) RemoveDestination(ctx context.Context, ref string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := resolveDestination(ctx, store, ref)
	if err != nil {
		return err
	}
	return a.newRegistry(store).RemoveDestination(ctx, dest.ID)
}

// Attempts prints notification attempts for auditing.
func (a *App) Attempts(ctx context.Context, opts AttemptsOptions) error {
	filter := storage.AttemptFilter{AlertID: opts.AlertID, Limit: opts.Limit}
	for _, s := range opts.Statuses {
		status := storage.AttemptStatus(s)
		switch status {
		case storage.AttemptPending, storage.AttemptSent, storage.AttemptFailed, storage.AttemptAbandoned:
		default:
			return fmt.Errorf("unknown attempt status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	attempts, err := store.ListAttempts(ctx, filter)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(os.Stdout, "no attempts found")
		return nil
	}
	writeAttempts(os.Stdout, attempts)
	return nil
}

// Purge deletes observations older than retention, keeping the latest of
// every destination. A zero retention uses history.retention.
func (a *App) Purge(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		retention = a.Config.History.Retention
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be greater than zero")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-retention).UTC()
	n, err := store.PurgeObservationsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("observations purged")
	fmt.Fprintf(os.Stdout, "deleted %d observations recorded before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
