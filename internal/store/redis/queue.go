package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"push-server/internal/model"
)

const (
	// Pending pushes are short-lived; keep the stream bounded.
	queueMaxLen  = 100000
	payloadField = "data"
)

// QueueConfig names the stream and this process's consumer.
type QueueConfig struct {
	Stream        string // e.g. "push:outbox"
	ConsumerGroup string // e.g. "pushsender"
	ConsumerName  string // unique per process, e.g. hostname
}

// Queue is a work queue on Redis Streams with consumer groups. Messages
// published with a priority go to a separate high stream that consumers read
// first.
type Queue struct {
	client   *goredis.Client
	stream   string
	high     string
	group    string
	consumer string
}

// NewQueue binds a queue to client. Defaults fill empty config fields.
func NewQueue(client *goredis.Client, cfg QueueConfig) *Queue {
	stream := cfg.Stream
	if stream == "" {
		stream = "push:outbox"
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "pushsender"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}
	return &Queue{
		client:   client,
		stream:   stream,
		high:     stream + ":high",
		group:    group,
		consumer: consumer,
	}
}

// Streams returns the high and normal stream names, in read order.
func (q *Queue) Streams() []string { return []string{q.high, q.stream} }

// Publish appends one message. Every stream entry is kept in Redis until
// acked and trimmed; Persistent only matters to BufferedPublisher.
func (q *Queue) Publish(ctx context.Context, payload []byte, opts model.PublishOptions) error {
	stream := q.stream
	if opts.Priority > 0 {
		stream = q.high
	}
	err := q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: queueMaxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group on both streams if missing. The group
// starts at "0" so messages published before the first consumer are kept.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	for _, stream := range q.Streams() {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Delivery is one message handed to a consumer. It stays pending in the
// group until Ack.
type Delivery struct {
	ID      string
	Stream  string
	Payload []byte

	q *Queue
}

// Ack removes the delivery from the pending list.
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.q.client.XAck(ctx, d.Stream, d.q.group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", d.Stream, d.ID, err)
	}
	return nil
}

// ReadBatch returns up to count new deliveries. The high stream is drained
// without blocking first; only when it is empty does the read block on both
// streams for up to block.
func (q *Queue) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]*Delivery, error) {
	high, err := q.read(ctx, []string{q.high, ">"}, count, -1)
	if err != nil || len(high) > 0 {
		return high, err
	}
	return q.read(ctx, []string{q.high, q.stream, ">", ">"}, count, block)
}

func (q *Queue) read(ctx context.Context, streams []string, count int64, block time.Duration) ([]*Delivery, error) {
	results, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []*Delivery
	for _, s := range results {
		out = append(out, q.deliveries(ctx, s.Stream, s.Messages)...)
	}
	return out, nil
}

// deliveries converts stream entries, acking malformed ones so they cannot
// poison the group.
func (q *Queue) deliveries(ctx context.Context, stream string, msgs []goredis.XMessage) []*Delivery {
	out := make([]*Delivery, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values[payloadField].(string)
		if !ok {
			log.Printf("[queue] dropping malformed entry %s on %s", msg.ID, stream)
			q.client.XAck(ctx, stream, q.group, msg.ID)
			continue
		}
		out = append(out, &Delivery{ID: msg.ID, Stream: stream, Payload: []byte(data), q: q})
	}
	return out
}

// Subscribe feeds batches to handler until ctx is cancelled. The handler acks
// each delivery once it is done with it.
func (q *Queue) Subscribe(ctx context.Context, batch int64, handler func(context.Context, []*Delivery)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ds, err := q.ReadBatch(ctx, batch, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[queue] read error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if len(ds) > 0 {
			handler(ctx, ds)
		}
	}
}

// RecoverPending hands this consumer's own unacked deliveries, left over from
// a previous crash, to handler before normal consumption starts.
func (q *Queue) RecoverPending(ctx context.Context, batch int64, handler func(context.Context, []*Delivery)) error {
	for _, stream := range q.Streams() {
		after := "0"
		for {
			results, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{stream, after},
				Count:    batch,
				Block:    -1,
			}).Result()
			if err == goredis.Nil {
				break
			}
			if err != nil {
				return fmt.Errorf("recover pending %s: %w", stream, err)
			}
			if len(results) == 0 || len(results[0].Messages) == 0 {
				break
			}
			msgs := results[0].Messages
			after = msgs[len(msgs)-1].ID
			if ds := q.deliveries(ctx, stream, msgs); len(ds) > 0 {
				log.Printf("[queue] recovering %d pending deliveries on %s", len(ds), stream)
				handler(ctx, ds)
			}
		}
	}
	return nil
}

// ReclaimStale claims entries idle longer than minIdle on other consumers of
// the group, typically ones that died mid-delivery.
func (q *Queue) ReclaimStale(ctx context.Context, stream string, minIdle time.Duration, batch int64) ([]*Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  batch,
		Idle:   minIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != q.consumer {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	claimed, err := q.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	log.Printf("[queue] reclaimed %d stale entries from %s", len(claimed), stream)
	return q.deliveries(ctx, stream, claimed), nil
}

// StartPELReclaimer periodically reclaims stale entries on both streams and
// hands them to handler. Runs until ctx is cancelled.
func (q *Queue) StartPELReclaimer(ctx context.Context, interval, minIdle time.Duration, handler func(context.Context, []*Delivery), onReclaim func(count int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := 0
			for _, stream := range q.Streams() {
				ds, err := q.ReclaimStale(ctx, stream, minIdle, 50)
				if err != nil {
					log.Printf("[queue] reclaim error on %s: %v", stream, err)
					continue
				}
				if len(ds) > 0 {
					handler(ctx, ds)
					total += len(ds)
				}
			}
			if total > 0 && onReclaim != nil {
				onReclaim(total)
			}
		}
	}
}
