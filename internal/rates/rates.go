// Package rates answers exchange-rate lookups for price triggers, caching
// upstream answers per 5-minute bucket.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"push-server/internal/store/redis"
)

// Bucket is the cache granularity for rate lookups.
const Bucket = 5 * time.Minute

// RoundTo5Min floors t to its 5-minute bucket in UTC.
func RoundTo5Min(t time.Time) time.Time {
	return t.UTC().Truncate(Bucket)
}

// Upstream fetches one rate. ok is false when the service has no rate.
type Upstream interface {
	FetchRate(ctx context.Context, pair string, date time.Time) (rate float64, ok bool, err error)
}

// Cache stores rates per pair and bucket. *redis.RateCache satisfies it.
type Cache interface {
	Get(ctx context.Context, pair string, bucket time.Time) (float64, bool, error)
	Set(ctx context.Context, pair string, bucket time.Time, rate float64) error
}

// HTTPUpstream queries the rates service:
// GET {base}/v2/exchangeRate?currency_pair=BTC_iso:USD&date=2024-01-01T00:00:00.000Z
type HTTPUpstream struct {
	BaseURL string
	Client  *http.Client
}

type rateResponse struct {
	CurrencyPair string `json:"currency_pair"`
	Date         string `json:"date"`
	ExchangeRate string `json:"exchangeRate"`
}

// FetchRate implements Upstream.
func (u *HTTPUpstream) FetchRate(ctx context.Context, pair string, date time.Time) (float64, bool, error) {
	q := url.Values{}
	q.Set("currency_pair", pair)
	q.Set("date", date.UTC().Format("2006-01-02T15:04:05.000Z"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL+"/v2/exchangeRate?"+q.Encode(), nil)
	if err != nil {
		return 0, false, fmt.Errorf("rates request: %w", err)
	}
	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("rates %s: %w", pair, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case resp.StatusCode >= 300:
		return 0, false, fmt.Errorf("rates %s: status %d", pair, resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false, fmt.Errorf("rates %s: decode: %w", pair, err)
	}
	if body.ExchangeRate == "" {
		return 0, false, nil
	}
	rate, err := strconv.ParseFloat(body.ExchangeRate, 64)
	if err != nil {
		return 0, false, fmt.Errorf("rates %s: parse %q: %w", pair, body.ExchangeRate, err)
	}
	return rate, true, nil
}

// Source is the rate cache of the trigger engine: it rounds every lookup to
// its bucket, serves cached buckets, and guards the upstream with a breaker.
// It implements model.RateSource.
type Source struct {
	upstream Upstream
	cache    Cache
	cb       *redis.CircuitBreaker

	OnLookup func(hit bool) // optional, for metrics
}

// NewSource wires a cached rate source. cache may be nil.
func NewSource(upstream Upstream, cache Cache, cb *redis.CircuitBreaker) *Source {
	if cb == nil {
		cb = redis.NewCircuitBreaker("rates", 5, 30*time.Second)
	}
	return &Source{upstream: upstream, cache: cache, cb: cb}
}

// GetRate returns the rate of pair in the bucket containing date.
func (s *Source) GetRate(ctx context.Context, pair string, date time.Time) (float64, bool, error) {
	bucket := RoundTo5Min(date)

	if s.cache != nil {
		rate, ok, err := s.cache.Get(ctx, pair, bucket)
		if err != nil {
			log.Printf("[rates] cache read %s: %v", pair, err)
		} else if ok {
			s.observe(true)
			return rate, true, nil
		}
	}
	s.observe(false)

	var (
		rate float64
		ok   bool
	)
	err := s.cb.Execute(func() error {
		var err error
		rate, ok, err = s.upstream.FetchRate(ctx, pair, bucket)
		return err
	})
	if errors.Is(err, redis.ErrCircuitOpen) {
		return 0, false, fmt.Errorf("rates %s: upstream unavailable: %w", pair, err)
	}
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, pair, bucket, rate); err != nil {
			log.Printf("[rates] cache write %s: %v", pair, err)
		}
	}
	return rate, true, nil
}

func (s *Source) observe(hit bool) {
	if s.OnLookup != nil {
		s.OnLookup(hit)
	}
}
