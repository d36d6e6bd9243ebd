package api

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"push-server/internal/metrics"
)

// FeedSource yields the dispatch notice subscription; *redis.Feed implements it.
type FeedSource interface {
	Subscribe(ctx context.Context) *goredis.PubSub
}

// FeedHub relays dispatch notices from Redis Pub/Sub to websocket clients.
type FeedHub struct {
	source  FeedSource
	metrics *metrics.Metrics

	mu      sync.RWMutex // guards clients and seq, and orders replay pushes
	clients map[*feedClient]bool
	seq     int64
	replay  *ReplayBuffer
}

// NewFeedHub creates a hub; Run must be started for notices to flow.
func NewFeedHub(source FeedSource, m *metrics.Metrics) *FeedHub {
	return &FeedHub{
		source:  source,
		metrics: m,
		clients: make(map[*feedClient]bool),
		replay:  NewReplayBuffer(500),
	}
}

// Run relays notices until ctx is cancelled, resubscribing after drops.
func (h *FeedHub) Run(ctx context.Context) {
	for ctx.Err() == nil {
		pubsub := h.source.Subscribe(ctx)
		if pubsub == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				continue
			}
		}
		h.relay(ctx, pubsub.Channel())
		pubsub.Close()
	}
}

func (h *FeedHub) relay(ctx context.Context, ch <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.Println("[feed] subscription closed, resubscribing")
				return
			}
			h.Broadcast([]byte(msg.Payload))
		}
	}
}

// Broadcast wraps one notice in a sequenced envelope and fans it out.
// Sequencing, replay and fan-out share one critical section with attach, so
// a client sees every envelope once and in order.
func (h *FeedHub) Broadcast(notice []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	buf := make([]byte, 0, len(notice)+32)
	buf = append(buf, `{"seq":`...)
	buf = strconv.AppendInt(buf, h.seq, 10)
	buf = append(buf, `,"notice":`...)
	buf = append(buf, notice...)
	buf = append(buf, '}')
	h.replay.Push(h.seq, buf)

	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
		}
	}
}

// Attach registers an upgraded connection and replays envelopes after afterSeq.
func (h *FeedHub) Attach(conn *websocket.Conn, afterSeq int64) {
	c := &feedClient{conn: conn, send: make(chan []byte, 256), hub: h}
	h.attach(c, afterSeq)

	go c.writePump()
	go c.readPump()
}

func (h *FeedHub) attach(c *feedClient, afterSeq int64) {
	h.mu.Lock()
	for _, env := range h.replay.After(afterSeq) {
		select {
		case c.send <- env:
		default:
		}
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.FeedClient(1)
	log.Printf("[feed] client connected (%d total)", count)
}

func (h *FeedHub) remove(c *feedClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		h.metrics.FeedClient(-1)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *FeedHub
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; the feed is one-way.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Println("[feed] client disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
