package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// ErrLockHeld means another replica is running the same daemon.
var ErrLockHeld = errors.New("daemon run lock held elsewhere")

// Locker hands out per-daemon run locks backed by Redis.
type Locker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewLocker creates a locker on client.
func NewLocker(client *goredis.Client) *Locker {
	return &Locker{rs: redsync.New(redsyncgoredis.NewPool(client)), prefix: "push:daemon:"}
}

// Acquire takes the run lock of name for at most ttl. The returned release
// must be called when the iteration ends.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	mutex := l.rs.NewMutex(l.prefix+name,
		redsync.WithTries(1),
		redsync.WithExpiry(ttl),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var (
			taken     *redsync.ErrTaken
			nodeTaken *redsync.ErrNodeTaken
		)
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[daemon] unlock %s: %v", name, err)
		}
	}, nil
}
