package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"push-server/internal/model"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestQueue_PublishReadAck(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	q := NewQueue(client, QueueConfig{Stream: "push:test", ConsumerGroup: "g", ConsumerName: "c1"})
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx))

	require.NoError(t, q.Publish(ctx, []byte(`{"n":1}`), model.PublishOptions{Persistent: true}))
	require.NoError(t, q.Publish(ctx, []byte(`{"n":2}`), model.PublishOptions{Persistent: true}))

	ds, err := q.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	require.Equal(t, `{"n":1}`, string(ds[0].Payload))

	pending, err := client.XPending(ctx, "push:test", "g").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, pending.Count)

	for _, d := range ds {
		require.NoError(t, d.Ack(ctx))
	}
	pending, err = client.XPending(ctx, "push:test", "g").Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, pending.Count)
}

func TestQueue_HighPriorityReadFirst(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestClient(t), QueueConfig{Stream: "push:test"})
	require.NoError(t, q.EnsureGroup(ctx))

	require.NoError(t, q.Publish(ctx, []byte("normal"), model.PublishOptions{}))
	require.NoError(t, q.Publish(ctx, []byte("urgent"), model.PublishOptions{Priority: 5}))

	ds, err := q.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "urgent", string(ds[0].Payload))
	require.Equal(t, "push:test:high", ds[0].Stream)

	ds, err = q.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "normal", string(ds[0].Payload))
}

func TestQueue_RecoverPendingAfterCrash(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	q := NewQueue(client, QueueConfig{Stream: "push:test", ConsumerName: "c1"})
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.Publish(ctx, []byte("lost"), model.PublishOptions{}))

	// Read but never ack, as if the process died mid-send.
	ds, err := q.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	restarted := NewQueue(client, QueueConfig{Stream: "push:test", ConsumerName: "c1"})
	var got []string
	require.NoError(t, restarted.RecoverPending(ctx, 10, func(ctx context.Context, ds []*Delivery) {
		for _, d := range ds {
			got = append(got, string(d.Payload))
			require.NoError(t, d.Ack(ctx))
		}
	}))
	require.Equal(t, []string{"lost"}, got)
}

func TestQueue_ReclaimStaleFromDeadConsumer(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	dead := NewQueue(client, QueueConfig{Stream: "push:test", ConsumerName: "dead"})
	require.NoError(t, dead.EnsureGroup(ctx))
	require.NoError(t, dead.Publish(ctx, []byte("orphan"), model.PublishOptions{}))
	_, err := dead.ReadBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	live := NewQueue(client, QueueConfig{Stream: "push:test", ConsumerName: "live"})
	ds, err := live.ReclaimStale(ctx, "push:test", 5*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, "orphan", string(ds[0].Payload))
}

func TestRateCache(t *testing.T) {
	ctx := context.Background()
	c := NewRateCache(newTestClient(t), time.Hour)
	bucket := time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)

	_, ok, err := c.Get(ctx, "BTC-USD", bucket)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "BTC-USD", bucket, 51234.5))
	rate, ok, err := c.Get(ctx, "BTC-USD", bucket)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 51234.5, rate)
}

type flakyPublisher struct {
	mu   sync.Mutex
	fail bool
	got  []string
}

func (f *flakyPublisher) Publish(_ context.Context, payload []byte, _ model.PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("redis down")
	}
	f.got = append(f.got, string(payload))
	return nil
}

func (f *flakyPublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestBufferedPublisher_PersistentFailsWhileOpen(t *testing.T) {
	ctx := context.Background()
	next := &flakyPublisher{fail: true}
	cb, _ := newTestBreaker(1, time.Second)
	bp := NewBufferedPublisher(ctx, next, cb, 0)

	require.Error(t, bp.Publish(ctx, []byte("a"), model.PublishOptions{Persistent: true}))
	require.Equal(t, StateOpen, cb.CurrentState())

	err := bp.Publish(ctx, []byte("b"), model.PublishOptions{Persistent: true})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Zero(t, bp.PendingCount())
}

func TestBufferedPublisher_HoldsBestEffortWhileOpen(t *testing.T) {
	ctx := context.Background()
	next := &flakyPublisher{fail: true}
	cb, clk := newTestBreaker(1, time.Second)
	bp := NewBufferedPublisher(ctx, next, cb, 0)

	require.Error(t, bp.Publish(ctx, []byte("a"), model.PublishOptions{}))
	require.Equal(t, StateOpen, cb.CurrentState())

	require.NoError(t, bp.Publish(ctx, []byte("b"), model.PublishOptions{}))
	require.Equal(t, 1, bp.PendingCount())
	require.Zero(t, bp.Flush(ctx))
	require.Equal(t, 1, bp.PendingCount())

	next.mu.Lock()
	next.fail = false
	next.mu.Unlock()
	clk.t = clk.t.Add(2 * time.Second)

	require.Equal(t, 1, bp.Flush(ctx))
	require.Zero(t, bp.PendingCount())
	require.Equal(t, []string{"b"}, next.published())
}
