package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"push-server/internal/model"
)

type pendingPublish struct {
	payload []byte
	opts    model.PublishOptions
}

// BufferedPublisher guards a queue with a circuit breaker. While the breaker
// is open, persistent publishes fail with ErrCircuitOpen so the caller keeps
// its own record of the work; other publishes are held in memory and
// replayed once the breaker closes or Flush is called.
type BufferedPublisher struct {
	next model.Publisher
	cb   *CircuitBreaker
	ctx  context.Context

	mu     sync.Mutex
	buffer []pendingPublish
	maxBuf int

	OnBuffer func()          // a publish was held back
	OnFlush  func(count int) // held publishes were replayed
}

// NewBufferedPublisher wraps next. ctx bounds the replay of held publishes.
// maxBufferSize <= 0 selects 10000; beyond it the oldest entry is dropped.
func NewBufferedPublisher(ctx context.Context, next model.Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		next:   next,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingPublish, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// Publish forwards through the breaker. A non-persistent message is held
// while the breaker is open.
func (bp *BufferedPublisher) Publish(ctx context.Context, payload []byte, opts model.PublishOptions) error {
	err := bp.cb.Execute(func() error {
		return bp.next.Publish(ctx, payload, opts)
	})
	if errors.Is(err, ErrCircuitOpen) && !opts.Persistent {
		bp.hold(payload, opts)
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (bp *BufferedPublisher) hold(payload []byte, opts model.PublishOptions) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		log.Printf("[publisher] buffer full, dropping oldest message")
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, pendingPublish{payload: payload, opts: opts})
	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

func (bp *BufferedPublisher) flush() {
	bp.Flush(bp.ctx)
}

// Flush replays held messages through the breaker and returns how many were
// published. Messages that fail stay held.
func (bp *BufferedPublisher) Flush(ctx context.Context) int {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return 0
	}
	toFlush := bp.buffer
	bp.buffer = make([]pendingPublish, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for i, p := range toFlush {
		p := p
		err := bp.cb.Execute(func() error {
			return bp.next.Publish(ctx, p.payload, p.opts)
		})
		if err != nil {
			log.Printf("[publisher] replay failed after %d messages: %v", flushed, err)
			bp.mu.Lock()
			bp.buffer = append(toFlush[i:], bp.buffer...)
			bp.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[publisher] replayed %d held messages", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
	return flushed
}

// PendingCount returns the number of held messages.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
