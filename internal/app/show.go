package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"travel-price-alerts/internal/storage"
)

// Show prints the recent price trend of a destination and its alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := resolveDestination(ctx, store, opts.Destination)
	if err != nil {
		return err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.History.TrendSize
	}
	trend, err := store.WindowedTrend(ctx, dest.ID, limit)
	if err != nil {
		return err
	}
	alerts, err := store.ListAlerts(ctx, dest.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s (%s)\n\n", dest.Name, dest.RouteKey)
	if len(trend) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
	} else {
		writeTrend(os.Stdout, trend)
	}
	if len(alerts) > 0 {
		fmt.Fprintln(os.Stdout)
		writeAlerts(os.Stdout, alerts)
	}
	return nil
}

func writeTrend(w io.Writer, trend []storage.Observation) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tObserved (UTC)\tSource\tPrice\tCurrency")
	for _, obs := range trend {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\n",
			obs.ID,
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.SourceID,
			formatDecimal(obs.Price, 2),
			obs.Currency,
		)
	}
	writer.Flush()
}

func writeAlerts(w io.Writer, alerts []storage.Alert) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert\tOwner\tDestination\tCondition\tChannel\tActive\tCooldown\tLast fired (UTC)")
	for _, alert := range alerts {
		lastFired := "-"
		if alert.LastFiredAt != nil {
			lastFired = alert.LastFiredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%d\t%s %s\t%s\t%t\t%s\t%s\n",
			alert.ID,
			alert.OwnerID,
			alert.DestinationID,
			alert.Direction,
			formatDecimal(alert.Threshold, 2),
			alert.Channel,
			alert.Active,
			alert.Cooldown,
			lastFired,
		)
	}
	writer.Flush()
}

func writeAttempts(w io.Writer, attempts []storage.NotificationAttempt) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Attempt\tAlert\tObservation\tChannel\tStatus\tCount\tUpdated (UTC)\tError")
	for _, attempt := range attempts {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			attempt.ID,
			attempt.AlertID,
			attempt.ObservationID,
			attempt.Channel,
			attempt.Status,
			attempt.AttemptCount,
			attempt.UpdatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(attempt.LastError),
		)
	}
	writer.Flush()
}

func writeDestinations(w io.Writer, dests []storage.Destination) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tRoute\tSource\tInterval\tTracked")
	for _, d := range dests {
		source := d.Source
		if source == "" {
			source = "(default)"
		}
		interval := "(default)"
		if d.PollInterval > 0 {
			interval = d.PollInterval.String()
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%t\n", d.ID, d.Name, d.RouteKey, source, interval, d.Tracked)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
