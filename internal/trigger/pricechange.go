package trigger

import (
	"context"
	"fmt"
	"math"
	"time"

	"push-server/internal/model"
)

// Window is a trailing price-change window.
type Window struct {
	Name     string
	Duration time.Duration
}

var (
	Hourly = Window{Name: "hourly", Duration: time.Hour}
	Daily  = Window{Name: "daily", Duration: 24 * time.Hour}
)

// PriceChange describes a threshold crossing found by CheckPriceChange.
type PriceChange struct {
	Window    Window
	Before    float64
	Now       float64
	Percent   float64
	Direction string
}

// PercentChange returns 100*(now-before)/before. ok is false when the result
// is not a finite number, which callers treat as no change.
func PercentChange(before, now float64) (pct float64, ok bool) {
	pct = 100 * (now - before) / before
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0, false
	}
	return pct, true
}

// CheckPriceChange compares the current rate against the trailing hourly and
// then daily window of t. Each window is anchored at the later of its start
// and lastFired, so one move is reported once. It returns nil when no window
// crosses its threshold or a rate is unavailable.
func CheckPriceChange(ctx context.Context, rates model.RateSource, t model.Trigger, lastFired, now time.Time) (*PriceChange, error) {
	pair := t.Pair()
	if pair == "" {
		return nil, fmt.Errorf("price-change: %w: no currency pair", model.ErrInvalidTrigger)
	}

	current, ok, err := rates.GetRate(ctx, pair, now)
	if err != nil {
		return nil, fmt.Errorf("rate %s now: %w", pair, err)
	}
	if !ok {
		return nil, nil
	}

	checks := []struct {
		w         Window
		threshold *float64
	}{
		{Hourly, t.HourlyChange},
		{Daily, t.DailyChange},
	}
	for _, c := range checks {
		if c.threshold == nil {
			continue
		}
		anchor := now.Add(-c.w.Duration)
		if lastFired.After(anchor) {
			anchor = lastFired
		}
		before, ok, err := rates.GetRate(ctx, pair, anchor)
		if err != nil {
			return nil, fmt.Errorf("rate %s at %s: %w", pair, model.FormatKey(anchor), err)
		}
		if !ok {
			continue
		}
		pct, ok := PercentChange(before, current)
		if !ok || math.Abs(pct) < *c.threshold {
			continue
		}
		return &PriceChange{
			Window:    c.w,
			Before:    before,
			Now:       current,
			Percent:   pct,
			Direction: Direction(t.Directions, c.w, pct >= 0),
		}, nil
	}
	return nil, nil
}

// Direction picks the label for a move. directions is
// [hourUp, hourDown, dayUp, dayDown]; the day entries fall back to the hour
// entries, and everything falls back to "up"/"down".
func Direction(directions []string, w Window, up bool) string {
	idx := 1
	if up {
		idx = 0
	}
	if w == Daily && len(directions) >= 4 && directions[idx+2] != "" {
		return directions[idx+2]
	}
	if len(directions) >= 2 && directions[idx] != "" {
		return directions[idx]
	}
	if up {
		return "up"
	}
	return "down"
}
