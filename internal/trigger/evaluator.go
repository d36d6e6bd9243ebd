// Package trigger decides whether an event's trigger tree has fired.
package trigger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"push-server/internal/model"
)

// Result is the verdict for one trigger tree.
type Result struct {
	Done  bool
	State model.TriggerState
}

// Evaluator checks trigger trees against chain plugins and the rate source.
type Evaluator struct {
	Plugins model.PluginLookup
	Rates   model.RateSource
}

// Evaluate walks t with its current state. Fired leaves are never checked
// again. A leaf that fires records now as its state. price-change leaves
// never complete here; see CheckPriceChange.
func (e *Evaluator) Evaluate(ctx context.Context, t model.Trigger, state model.TriggerState, now time.Time) (Result, error) {
	switch t.Type {
	case model.TriggerAll, model.TriggerAny:
		return e.evaluateCompound(ctx, t, state, now)
	case model.TriggerPriceChange:
		return Result{Done: false, State: state}, nil
	}

	if state.Fired() {
		return Result{Done: true, State: state}, nil
	}

	var (
		done bool
		err  error
	)
	switch t.Type {
	case model.TriggerAddressBalance:
		done, err = e.checkBalance(ctx, t)
	case model.TriggerPriceLevel:
		done, err = e.checkPriceLevel(ctx, t, now)
	case model.TriggerTxConfirm:
		done, err = e.checkTxConfirm(ctx, t)
	default:
		return Result{}, fmt.Errorf("evaluate: %w: unknown type %q", model.ErrInvalidTrigger, t.Type)
	}
	if err != nil {
		return Result{}, err
	}
	if !done {
		return Result{Done: false, State: model.TriggerState{}}, nil
	}
	return Result{Done: true, State: model.FiredAt(now)}, nil
}

func (e *Evaluator) evaluateCompound(ctx context.Context, t model.Trigger, state model.TriggerState, now time.Time) (Result, error) {
	subs := make([]model.TriggerState, len(t.Triggers))
	changed := len(state.Subs) != len(t.Triggers)
	allDone, anyDone := true, false

	for i, sub := range t.Triggers {
		prev := state.Sub(i)
		r, err := e.Evaluate(ctx, sub, prev, now)
		if err != nil {
			return Result{}, fmt.Errorf("%s[%d]: %w", t.Type, i, err)
		}
		if r.State.Equal(prev) {
			subs[i] = prev
		} else {
			subs[i] = r.State
			changed = true
		}
		allDone = allDone && r.Done
		anyDone = anyDone || r.Done
	}

	done := allDone
	if t.Type == model.TriggerAny {
		done = anyDone
	}
	if !changed {
		return Result{Done: done, State: state}, nil
	}
	return Result{Done: done, State: model.Compound(subs...)}, nil
}

func (e *Evaluator) plugin(id string) (model.CurrencyPlugin, bool) {
	if e.Plugins == nil {
		return nil, false
	}
	p, ok := e.Plugins.Plugin(id)
	if !ok {
		log.Printf("[trigger] no plugin %q, treating as not done", id)
	}
	return p, ok
}

func (e *Evaluator) checkBalance(ctx context.Context, t model.Trigger) (bool, error) {
	p, ok := e.plugin(t.PluginID)
	if !ok {
		return false, nil
	}
	raw, err := p.GetBalance(ctx, t.Address, t.TokenID)
	if err != nil {
		return false, fmt.Errorf("balance %s %s: %w", t.PluginID, t.Address, err)
	}
	return BalanceCrossed(raw, t.AboveAmount, t.BelowAmount)
}

// BalanceCrossed reports whether a base-unit balance reached either optional
// bound (inclusive), compared in arbitrary precision.
func BalanceCrossed(balance, above, below string) (bool, error) {
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return false, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	if above != "" {
		limit, err := decimal.NewFromString(above)
		if err != nil {
			return false, fmt.Errorf("parse aboveAmount %q: %w", above, err)
		}
		if bal.GreaterThanOrEqual(limit) {
			return true, nil
		}
	}
	if below != "" {
		limit, err := decimal.NewFromString(below)
		if err != nil {
			return false, fmt.Errorf("parse belowAmount %q: %w", below, err)
		}
		if bal.LessThanOrEqual(limit) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) checkPriceLevel(ctx context.Context, t model.Trigger, now time.Time) (bool, error) {
	rate, ok, err := e.Rates.GetRate(ctx, t.CurrencyPair, now)
	if err != nil {
		return false, fmt.Errorf("rate %s: %w", t.CurrencyPair, err)
	}
	if !ok {
		return false, nil
	}
	return RateCrossed(rate, t.AboveRate, t.BelowRate), nil
}

// RateCrossed reports whether rate is strictly beyond either bound.
func RateCrossed(rate float64, above, below *float64) bool {
	if above != nil && rate > *above {
		return true
	}
	return below != nil && rate < *below
}

func (e *Evaluator) checkTxConfirm(ctx context.Context, t model.Trigger) (bool, error) {
	p, ok := e.plugin(t.PluginID)
	if !ok {
		return false, nil
	}
	n, err := p.GetTxConfirmations(ctx, t.TxID)
	if err != nil {
		return false, fmt.Errorf("confirmations %s %s: %w", t.PluginID, t.TxID, err)
	}
	return n >= t.Confirmations, nil
}
