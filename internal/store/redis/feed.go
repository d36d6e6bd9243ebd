package redis

import (
	"context"
	"log"

	goredis "github.com/go-redis/redis/v8"
)

// FeedChannel carries one JSON line per dispatched event.
const FeedChannel = "push:feed"

// Feed fans dispatch notices out over Redis Pub/Sub to every API process.
type Feed struct {
	client *goredis.Client
}

// NewFeed binds a feed to client.
func NewFeed(client *goredis.Client) *Feed {
	return &Feed{client: client}
}

// Publish sends one notice. Failures only cost observers a line, so they are
// logged and dropped.
func (f *Feed) Publish(ctx context.Context, notice []byte) {
	if err := f.client.Publish(ctx, FeedChannel, string(notice)).Err(); err != nil {
		log.Printf("[feed] publish failed: %v", err)
	}
}

// Subscribe returns a confirmed subscription, or nil if Redis refused it.
func (f *Feed) Subscribe(ctx context.Context) *goredis.PubSub {
	pubsub := f.client.Subscribe(ctx, FeedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("[feed] subscribe to %s failed: %v", FeedChannel, err)
		pubsub.Close()
		return nil
	}
	return pubsub
}
