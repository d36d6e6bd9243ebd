// Package loops holds the daemon loop bodies. Each scans the waiting events
// of its trigger type and dispatches the ones that fired.
package loops

import (
	"context"
	"fmt"
	"log"
	"time"

	"push-server/internal/daemon"
	"push-server/internal/model"
	"push-server/internal/pushdb"
	"push-server/internal/trigger"
)

// rowErrors collects per-event failures so one bad event does not stop a
// scan, while the iteration still reports failure.
type rowErrors struct {
	loop  string
	count int
	first error
}

func (r *rowErrors) add(row *pushdb.EventRow, err error) {
	log.Printf("[%s] event %s: %v", r.loop, row.ID, err)
	r.count++
	if r.first == nil {
		r.first = err
	}
}

func (r *rowErrors) err() error {
	if r.count == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d events failed, first: %w", r.loop, r.count, r.first)
}

// scan walks the waiting events of typ and calls fn for each one.
func scan(ctx context.Context, tools *daemon.Tools, typ model.TriggerType, opts pushdb.StreamOptions, fn func(row *pushdb.EventRow) error) error {
	hb := tools.Heartbeat(string(typ))
	defer hb.Done()
	errs := &rowErrors{loop: tools.Name}

	st := tools.Events.StreamEvents(typ, opts)
	for st.Next(ctx) {
		row := st.Row()
		hb.Tick(st.Watermark())
		tools.Metrics.ScannedEvent(tools.Name)
		if err := fn(row); err != nil {
			errs.add(row, err)
		}
	}
	if err := st.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", typ, err)
	}
	return errs.err()
}

// PriceLevel fires top-level price-level events whose rate crossed a bound.
func PriceLevel(ctx context.Context, tools *daemon.Tools) error {
	return scan(ctx, tools, model.TriggerPriceLevel, pushdb.StreamOptions{}, func(row *pushdb.EventRow) error {
		t := row.Event.Trigger
		if t.Type != model.TriggerPriceLevel {
			return nil
		}
		now := tools.Now()
		rate, ok, err := tools.Rates.GetRate(ctx, t.CurrencyPair, now)
		if err != nil {
			return err
		}
		if !ok || !trigger.RateCrossed(rate, t.AboveRate, t.BelowRate) {
			return nil
		}
		return tools.TriggerEvent(ctx, row)
	})
}

// PriceChange sends a message for every price-change event whose pair moved
// past its hourly or daily threshold since the last notification.
func PriceChange(ctx context.Context, tools *daemon.Tools) error {
	return scan(ctx, tools, model.TriggerPriceChange, pushdb.StreamOptions{}, func(row *pushdb.EventRow) error {
		t := row.Event.Trigger
		if t.Type != model.TriggerPriceChange {
			return nil
		}
		now := tools.Now()
		pc, err := trigger.CheckPriceChange(ctx, tools.Rates, t, row.Event.Triggered.At, now)
		if err != nil || pc == nil {
			return err
		}
		return tools.Dispatcher.DispatchPriceChange(ctx, row, pc, now)
	})
}

// PriceDaemon runs both price loops in one iteration.
func PriceDaemon(ctx context.Context, tools *daemon.Tools) error {
	levelErr := PriceLevel(ctx, tools)
	changeErr := PriceChange(ctx, tools)
	if levelErr != nil {
		return levelErr
	}
	return changeErr
}

// BalanceLookback returns the creation cutoff of a balance scan: events
// created after it are visited. The window is the daemon period times
// ExponentialBackoff(iteration); the zero time means a full scan.
func BalanceLookback(now time.Time, period time.Duration, iteration int) time.Time {
	mult := daemon.ExponentialBackoff(iteration)
	if period <= 0 || mult >= 1<<30 {
		return time.Time{}
	}
	window := period * time.Duration(mult)
	if window <= 0 || window > now.Sub(time.Time{}) {
		return time.Time{}
	}
	return now.Add(-window)
}

// Balance fires top-level address-balance events. Recent events are checked
// every iteration; older ones on a widening schedule, with a full scan on the
// first iteration of each process.
func Balance(ctx context.Context, tools *daemon.Tools) error {
	ev := &trigger.Evaluator{Plugins: tools.Plugins, Rates: tools.Rates}
	after := BalanceLookback(tools.Now(), tools.Period, tools.Iteration)
	if !after.IsZero() {
		log.Printf("[%s] scanning balances created after %s", tools.Name, model.FormatKey(after))
	}
	return scan(ctx, tools, model.TriggerAddressBalance, pushdb.StreamOptions{AfterDate: after}, func(row *pushdb.EventRow) error {
		if row.Event.Trigger.Type != model.TriggerAddressBalance {
			return nil
		}
		now := tools.Now()
		res, err := ev.Evaluate(ctx, row.Event.Trigger, row.Event.Triggered, now)
		if err != nil || !res.Done {
			return err
		}
		return tools.TriggerEvent(ctx, row)
	})
}

// genericTypes are the leaf types the generic evaluator scans for; a
// compound event is visited through any of its leaves.
var genericTypes = []model.TriggerType{
	model.TriggerTxConfirm,
	model.TriggerAddressBalance,
	model.TriggerPriceLevel,
}

// Evaluate runs the generic trigger evaluator over tx-confirm events and
// every compound event. Partial progress on a compound tree is saved even
// when the tree is not done yet.
func Evaluate(ctx context.Context, tools *daemon.Tools) error {
	ev := &trigger.Evaluator{Plugins: tools.Plugins, Rates: tools.Rates}
	seen := map[string]bool{}
	var firstErr error

	for _, typ := range genericTypes {
		err := scan(ctx, tools, typ, pushdb.StreamOptions{}, func(row *pushdb.EventRow) error {
			t := row.Event.Trigger
			if seen[row.ID] || (!t.IsCompound() && t.Type != model.TriggerTxConfirm) {
				return nil
			}
			seen[row.ID] = true
			return evaluateRow(ctx, tools, ev, row)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func evaluateRow(ctx context.Context, tools *daemon.Tools, ev *trigger.Evaluator, row *pushdb.EventRow) error {
	now := tools.Now()
	res, err := ev.Evaluate(ctx, row.Event.Trigger, row.Event.Triggered, now)
	if err != nil {
		return err
	}
	if res.Done {
		row.Event.Triggered = res.State
		return tools.Dispatcher.Dispatch(ctx, row, now)
	}
	if res.State.Equal(row.Event.Triggered) {
		return nil
	}
	row.Event.Triggered = res.State
	return row.Save(ctx)
}
