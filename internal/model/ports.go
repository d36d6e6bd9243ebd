package model

import (
	"context"
	"time"
)

// ── Collaborator Port Interfaces ──
// These decouple the trigger engine from concrete chain plugins, rate
// services, queues and push providers.

// CurrencyPlugin is the per-network capability the evaluator and the
// dispatcher need.
type CurrencyPlugin interface {
	// GetBalance returns the address balance as a base-unit decimal string.
	GetBalance(ctx context.Context, address, tokenID string) (string, error)

	// GetTxConfirmations returns how many blocks confirm txid (0 if unseen).
	GetTxConfirmations(ctx context.Context, txid string) (int, error)

	// BroadcastTx submits a raw signed transaction.
	BroadcastTx(ctx context.Context, raw []byte) error
}

// PluginLookup resolves a pluginId. A missing plugin is an expected condition.
type PluginLookup interface {
	Plugin(pluginID string) (CurrencyPlugin, bool)
}

// RateSource returns the exchange rate for a pair at a date.
// ok is false when the rate is unknown.
type RateSource interface {
	GetRate(ctx context.Context, currencyPair string, date time.Time) (rate float64, ok bool, err error)
}

// PublishOptions mirrors the queue publish flags.
type PublishOptions struct {
	Persistent bool
	Priority   int
}

// Publisher enqueues one encoded message.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, opts PublishOptions) error
}
