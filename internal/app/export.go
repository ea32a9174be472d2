package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"travel-price-alerts/internal/storage"
)

// Export renders a destination's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dest, err := resolveDestination(ctx, store, opts.Destination)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.ResolveInterval(dest.PollInterval))
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := store.ListObservationsBetween(ctx, dest.ID, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("destination", dest.Name).Msg("no observations found for export window")
		return nil
	}

	alerts, err := store.ListAlerts(ctx, dest.ID)
	if err != nil {
		return err
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().
		Str("destination", dest.Name).
		Int("total", len(observations)).
		Int("exported", len(downsampled)).
		Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, dest, downsampled, alerts); err != nil {
			return err
		}
	}

	return nil
}

func downsampleObservations(observations []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeObservationsCSV(file, observations)
}

func encodeObservationsCSV(w io.Writer, observations []storage.Observation) error {
	writer := csv.NewWriter(w)

	header := []string{"id", "observed_at", "source_ts", "source", "price", "currency"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := []string{
			strconv.FormatInt(obs.ID, 10),
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.SourceTime.UTC().Format(time.RFC3339),
			obs.SourceID,
			obs.Price.String(),
			obs.Currency,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path string, dest storage.Destination, observations []storage.Observation, alerts []storage.Alert) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return priceChart(dest, observations, alerts).Render(chart.PNG, file)
}

// priceChart plots the price series with one flat line per active alert threshold.
func priceChart(dest storage.Destination, observations []storage.Observation, alerts []storage.Alert) chart.Chart {
	x := make([]time.Time, len(observations))
	prices := make([]float64, len(observations))
	for i, obs := range observations {
		x[i] = obs.ObservedAt
		prices[i] = obs.Price.InexactFloat64()
	}

	currency := observations[0].Currency
	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    fmt.Sprintf("%s (%s)", dest.Name, currency),
			XValues: x,
			YValues: prices,
		},
	}
	if len(x) > 1 {
		bounds := []time.Time{x[0], x[len(x)-1]}
		for _, alert := range alerts {
			if !alert.Active {
				continue
			}
			level := alert.Threshold.InexactFloat64()
			series = append(series, chart.TimeSeries{
				Name:    fmt.Sprintf("alert #%d %s %s", alert.ID, alert.Direction, formatDecimal(alert.Threshold, 2)),
				XValues: bounds,
				YValues: []float64{level, level},
				Style: chart.Style{
					StrokeDashArray: []float64{5, 5},
				},
			})
		}
	}

	graph := chart.Chart{
		Title:  dest.Name,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (" + currency + ")",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}
	return graph
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
