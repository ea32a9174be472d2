package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"travel-price-alerts/internal/evaluator"
	"travel-price-alerts/internal/storage"
)

const simulatedSource = "simulated"

// Simulate 注入一条合成价格，走完评估与投递流程。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", opts.Price, err)
	}
	if !price.IsPositive() {
		return errors.New("--price 必须大于 0")
	}
	currency := opts.Currency
	if currency == "" {
		currency = "USD"
	}

	eng, err := a.buildEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	dest, err := resolveDestination(ctx, eng.store, opts.Destination)
	if err != nil {
		return err
	}

	result, err := eng.service.Ingest(ctx, storage.Observation{
		DestinationID: dest.ID,
		SourceID:      simulatedSource,
		Price:         price,
		Currency:      currency,
		SourceTime:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "observation %d stored for %s at %s %s\n",
		result.Observation.ID, dest.Name, formatDecimal(price, 2), currency)
	for _, d := range result.Decisions {
		fmt.Fprintf(os.Stdout, "alert %d: %s\n", d.Alert.ID, d.Outcome)
	}

	fired := evaluator.Fired(result.Decisions)
	if !opts.Dispatch || len(fired) == 0 {
		return nil
	}
	for _, attempt := range fired {
		status, err := eng.dispatcher.Dispatch(ctx, attempt.ID)
		if err != nil {
			return fmt.Errorf("dispatch attempt %s: %w", attempt.ID, err)
		}
		fmt.Fprintf(os.Stdout, "attempt %s via %s: %s\n", attempt.ID, attempt.Channel, status)
	}
	return nil
}
