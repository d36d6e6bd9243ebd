package push

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrNoProvider is returned for an api key with no usable credential.
var ErrNoProvider = errors.New("no push provider for api key")

// ProviderFactory builds the provider of one api key. It returns ErrNoProvider
// (possibly wrapped) when the key is unknown; that answer is cached like a hit.
type ProviderFactory func(ctx context.Context, apiKey string) (Provider, error)

// ProviderCache resolves api keys to providers once per process and keeps
// every answer, including negative ones, for the life of the process. Other
// factory errors are not cached.
type ProviderCache struct {
	factory ProviderFactory

	mu        sync.Mutex
	providers map[string]Provider // nil value: known to have no provider
}

// NewProviderCache creates an empty cache.
func NewProviderCache(factory ProviderFactory) *ProviderCache {
	return &ProviderCache{factory: factory, providers: map[string]Provider{}}
}

// Get returns the provider for apiKey, or ErrNoProvider.
func (c *ProviderCache) Get(ctx context.Context, apiKey string) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[apiKey]; ok {
		if p == nil {
			return nil, ErrNoProvider
		}
		return p, nil
	}

	p, err := c.factory(ctx, apiKey)
	if errors.Is(err, ErrNoProvider) {
		log.Printf("[push] api key %s has no provider", redact(apiKey))
		c.providers[apiKey] = nil
		return nil, ErrNoProvider
	}
	if err != nil {
		return nil, err
	}
	c.providers[apiKey] = p
	return p, nil
}

// redact keeps enough of a key to correlate log lines.
func redact(apiKey string) string {
	if len(apiKey) <= 6 {
		return "***"
	}
	return apiKey[:6] + "***"
}
