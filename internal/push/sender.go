package push

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"push-server/internal/logger"
	"push-server/internal/metrics"
	"push-server/internal/pushdb"
	"push-server/internal/store/redis"
)

// Providers resolves api keys to providers; *ProviderCache implements it.
type Providers interface {
	Get(ctx context.Context, apiKey string) (Provider, error)
}

// TokenClearer drops a stale device token; *pushdb.DeviceStore implements it.
type TokenClearer interface {
	ClearToken(ctx context.Context, deviceID, token string) error
}

// EventLoader loads events for the emit/fail write-back.
type EventLoader interface {
	GetEvent(ctx context.Context, key string) (*pushdb.EventRow, error)
}

// SenderConfig tunes queue consumption.
type SenderConfig struct {
	BatchSize       int64
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Sender consumes the push queue and delivers through providers. A delivery
// is acked once its send completed, successfully or with a definitive
// per-token failure. Provider transport errors, whole-call or per-token
// ErrTransient, leave it pending for redelivery.
type Sender struct {
	Queue     *redis.Queue
	Providers Providers
	Devices   TokenClearer
	Events    EventLoader
	Metrics   *metrics.Metrics
	Config    SenderConfig
}

type sendGroup struct {
	apiKey     string
	msgs       []QueueMessage
	deliveries []*redis.Delivery
}

// Run recovers this consumer's pending deliveries, then consumes until ctx
// is cancelled while a background loop reclaims deliveries stuck on dead
// consumers.
func (s *Sender) Run(ctx context.Context) error {
	cfg := s.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.ReclaimMinIdle <= 0 {
		cfg.ReclaimMinIdle = time.Minute
	}

	if err := s.Queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := s.Queue.RecoverPending(ctx, cfg.BatchSize, s.Handle); err != nil {
		log.Printf("[sender] recover pending: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Queue.StartPELReclaimer(ctx, cfg.ReclaimInterval, cfg.ReclaimMinIdle, s.Handle, s.Metrics.Reclaimed)
		return nil
	})
	g.Go(func() error {
		return s.Queue.Subscribe(ctx, cfg.BatchSize, s.Handle)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle sends one batch of deliveries, grouped so that identical messages
// for one api key go out as a single multicast.
func (s *Sender) Handle(ctx context.Context, ds []*redis.Delivery) {
	var order []string
	groups := map[string]*sendGroup{}

	for _, d := range ds {
		msg, err := DecodeQueueMessage(d.Payload)
		if err != nil {
			log.Printf("[sender] dropping %s: %v", d.ID, err)
			d.Ack(ctx)
			continue
		}
		key := groupKey(msg)
		g, ok := groups[key]
		if !ok {
			g = &sendGroup{apiKey: msg.APIKey}
			groups[key] = g
			order = append(order, key)
		}
		g.msgs = append(g.msgs, msg)
		g.deliveries = append(g.deliveries, d)
	}

	for _, key := range order {
		s.sendGroup(ctx, groups[key])
	}
}

func groupKey(m QueueMessage) string {
	data, _ := json.Marshal(m.Data)
	return m.APIKey + "\x00" + m.EventKey + "\x00" + m.Title + "\x00" + m.Body + "\x00" + string(data)
}

func (s *Sender) sendGroup(ctx context.Context, g *sendGroup) {
	first := g.msgs[0]
	ctx = logger.WithTraceID(ctx, first.TraceID)
	counts := map[string]*[2]int{} // eventKey -> emits, fails

	tally := func(m QueueMessage, ok bool) {
		if m.EventKey == "" {
			return
		}
		c, found := counts[m.EventKey]
		if !found {
			c = &[2]int{}
			counts[m.EventKey] = c
		}
		if ok {
			c[0]++
		} else {
			c[1]++
		}
	}

	provider, err := s.Providers.Get(ctx, g.apiKey)
	switch {
	case errors.Is(err, ErrNoProvider):
		for _, m := range g.msgs {
			tally(m, false)
		}
		s.Metrics.Sent(0, len(g.msgs), 0)
		s.finish(ctx, g.deliveries, counts)
		return
	case err != nil:
		slog.Error("provider lookup failed, leaving deliveries pending",
			append(logger.LogWithTrace(ctx), "error", err)...)
		return
	}

	tokens := make([]string, len(g.msgs))
	for i, m := range g.msgs {
		tokens[i] = m.Token
	}

	start := time.Now()
	res, err := provider.SendMulticast(ctx, Multicast{
		Tokens: tokens,
		Title:  first.Title,
		Body:   first.Body,
		Data:   first.Data,
	})
	if err != nil {
		slog.Error("provider send failed, leaving deliveries pending",
			append(logger.LogWithTrace(ctx), "error", err, "tokens", len(tokens))...)
		return
	}
	s.Metrics.Sent(res.SuccessCount, res.FailureCount, time.Since(start))

	acks := make([]*redis.Delivery, 0, len(g.deliveries))
	retry := 0
	for i, m := range g.msgs {
		var tokenErr error
		if i < len(res.Errors) {
			tokenErr = res.Errors[i]
		}
		if errors.Is(tokenErr, ErrTransient) {
			retry++
			continue
		}
		acks = append(acks, g.deliveries[i])
		tally(m, tokenErr == nil)
		if tokenErr == nil {
			continue
		}
		if errors.Is(tokenErr, ErrUnregisteredToken) && m.DeviceID != "" {
			if err := s.Devices.ClearToken(ctx, m.DeviceID, m.Token); err != nil {
				log.Printf("[sender] clear token of %s: %v", m.DeviceID, err)
			} else {
				s.Metrics.TokenCleared()
				log.Printf("[sender] cleared unregistered token of device %s", m.DeviceID)
			}
			continue
		}
		slog.Warn("push rejected", append(logger.LogWithTrace(ctx), "device", m.DeviceID, "error", tokenErr)...)
	}

	slog.Info("push sent", append(logger.LogWithTrace(ctx),
		"success", res.SuccessCount, "failure", res.FailureCount, "retry", retry)...)
	s.finish(ctx, acks, counts)
}

// finish records emit/fail counts on the originating events, then acks ds.
func (s *Sender) finish(ctx context.Context, ds []*redis.Delivery, counts map[string]*[2]int) {
	for key, c := range counts {
		if err := s.recordCounts(ctx, key, c[0], c[1]); err != nil {
			log.Printf("[sender] record counts on %s: %v", key, err)
		}
	}
	for _, d := range ds {
		if err := d.Ack(ctx); err != nil {
			log.Printf("[sender] %v", err)
		}
	}
}

func (s *Sender) recordCounts(ctx context.Context, eventKey string, emits, fails int) error {
	if s.Events == nil {
		return nil
	}
	row, err := s.Events.GetEvent(ctx, eventKey)
	if errors.Is(err, pushdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	row.Event.PushMessageEmits += emits
	row.Event.PushMessageFails += fails
	return row.Save(ctx)
}
