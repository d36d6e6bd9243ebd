package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// TriggerType discriminates the Trigger variant.
type TriggerType string

const (
	TriggerAddressBalance TriggerType = "address-balance"
	TriggerPriceLevel     TriggerType = "price-level"
	TriggerTxConfirm      TriggerType = "tx-confirm"
	TriggerPriceChange    TriggerType = "price-change"
	TriggerAll            TriggerType = "all"
	TriggerAny            TriggerType = "any"
)

// LeafTypes lists every trigger type that is checked against one external source.
var LeafTypes = []TriggerType{
	TriggerAddressBalance,
	TriggerPriceLevel,
	TriggerTxConfirm,
	TriggerPriceChange,
}

// ErrInvalidTrigger is wrapped by every Trigger validation failure.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger is a closed tagged variant. Type selects which of the fields below
// are meaningful; Validate rejects fields that do not belong to the variant's
// required set.
type Trigger struct {
	Type TriggerType `json:"type"`

	// address-balance, tx-confirm, price-change
	PluginID string `json:"pluginId,omitempty"`

	// address-balance
	TokenID     string `json:"tokenId,omitempty"`
	Address     string `json:"address,omitempty"`
	AboveAmount string `json:"aboveAmount,omitempty"`
	BelowAmount string `json:"belowAmount,omitempty"`

	// price-level, price-change
	CurrencyPair string   `json:"currencyPair,omitempty"`
	AboveRate    *float64 `json:"aboveRate,omitempty"`
	BelowRate    *float64 `json:"belowRate,omitempty"`

	// tx-confirm
	Confirmations int    `json:"confirmations,omitempty"`
	TxID          string `json:"txid,omitempty"`

	// price-change: [hourUp, hourDown, dayUp, dayDown]
	Directions   []string `json:"directions,omitempty"`
	DailyChange  *float64 `json:"dailyChange,omitempty"`
	HourlyChange *float64 `json:"hourlyChange,omitempty"`

	// all, any
	Triggers []Trigger `json:"triggers,omitempty"`
}

// IsCompound reports whether t aggregates sub-triggers.
func (t Trigger) IsCompound() bool {
	return t.Type == TriggerAll || t.Type == TriggerAny
}

// IsRecurring reports whether t never reaches a terminal done state.
func (t Trigger) IsRecurring() bool {
	return t.Type == TriggerPriceChange
}

// HasLeaf reports whether the trigger subtree contains a leaf of type typ.
func (t Trigger) HasLeaf(typ TriggerType) bool {
	if t.IsCompound() {
		for _, sub := range t.Triggers {
			if sub.HasLeaf(typ) {
				return true
			}
		}
		return false
	}
	return t.Type == typ
}

// LeafTypesIn returns the distinct leaf types in the subtree, in first-seen order.
func (t Trigger) LeafTypesIn() []TriggerType {
	seen := map[TriggerType]bool{}
	var out []TriggerType
	var walk func(Trigger)
	walk = func(n Trigger) {
		if n.IsCompound() {
			for _, sub := range n.Triggers {
				walk(sub)
			}
			return
		}
		if !seen[n.Type] {
			seen[n.Type] = true
			out = append(out, n.Type)
		}
	}
	walk(t)
	return out
}

// Validate checks that the variant carries the fields it needs.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerAddressBalance:
		if t.PluginID == "" || t.Address == "" {
			return fmt.Errorf("%w: address-balance needs pluginId and address", ErrInvalidTrigger)
		}
		if t.AboveAmount == "" && t.BelowAmount == "" {
			return fmt.Errorf("%w: address-balance needs aboveAmount or belowAmount", ErrInvalidTrigger)
		}
		for _, amt := range []string{t.AboveAmount, t.BelowAmount} {
			if amt == "" {
				continue
			}
			if _, err := decimal.NewFromString(amt); err != nil {
				return fmt.Errorf("%w: amount %q: %v", ErrInvalidTrigger, amt, err)
			}
		}
	case TriggerPriceLevel:
		if t.CurrencyPair == "" {
			return fmt.Errorf("%w: price-level needs currencyPair", ErrInvalidTrigger)
		}
		if t.AboveRate == nil && t.BelowRate == nil {
			return fmt.Errorf("%w: price-level needs aboveRate or belowRate", ErrInvalidTrigger)
		}
	case TriggerTxConfirm:
		if t.PluginID == "" || t.TxID == "" {
			return fmt.Errorf("%w: tx-confirm needs pluginId and txid", ErrInvalidTrigger)
		}
		if t.Confirmations < 0 {
			return fmt.Errorf("%w: negative confirmations", ErrInvalidTrigger)
		}
	case TriggerPriceChange:
		if t.CurrencyPair == "" && t.PluginID == "" {
			return fmt.Errorf("%w: price-change needs currencyPair or pluginId", ErrInvalidTrigger)
		}
		if t.HourlyChange == nil && t.DailyChange == nil {
			return fmt.Errorf("%w: price-change needs hourlyChange or dailyChange", ErrInvalidTrigger)
		}
		if len(t.Directions) != 0 && len(t.Directions) != 2 && len(t.Directions) != 4 {
			return fmt.Errorf("%w: directions must have 2 or 4 entries", ErrInvalidTrigger)
		}
	case TriggerAll, TriggerAny:
		if len(t.Triggers) == 0 {
			return fmt.Errorf("%w: %s needs at least one sub-trigger", ErrInvalidTrigger, t.Type)
		}
		for i, sub := range t.Triggers {
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", t.Type, i, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
	return nil
}

// Pair returns the currency pair a price trigger watches. Price-change events
// may name only a plugin, which is then priced in USD.
func (t Trigger) Pair() string {
	if t.CurrencyPair != "" {
		return t.CurrencyPair
	}
	if t.PluginID != "" {
		return t.PluginID + "_iso:USD"
	}
	return ""
}
