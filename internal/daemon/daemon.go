// Package daemon runs periodic loop bodies over the event store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"push-server/internal/dispatch"
	"push-server/internal/metrics"
	"push-server/internal/model"
	"push-server/internal/notification"
	"push-server/internal/pushdb"
)

// Tools is what a loop body gets to work with.
type Tools struct {
	Name       string
	Events     *pushdb.EventStore
	Plugins    model.PluginLookup
	Rates      model.RateSource
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics

	// Period is the daemon's schedule.
	Period time.Duration

	// Iteration counts completed runs of this daemon in this process,
	// starting at 0.
	Iteration int

	// Now is the clock loop bodies read. Tests replace it.
	Now func() time.Time
}

// TriggerEvent fires row through the dispatch pipeline.
func (t *Tools) TriggerEvent(ctx context.Context, row *pushdb.EventRow) error {
	return t.Dispatcher.TriggerEvent(ctx, row, t.Now())
}

// Heartbeat starts a progress reporter for a scan.
func (t *Tools) Heartbeat(scan string) *Heartbeat {
	return NewHeartbeat(t.Name+"/"+scan, DefaultHeartbeatRows, DefaultHeartbeatInterval)
}

// Loop is one daemon iteration.
type Loop func(ctx context.Context, tools *Tools) error

// Daemon invokes Loop every Period. A failing or panicking iteration is
// logged, counted and alerted; the next one still runs on schedule.
type Daemon struct {
	Name   string
	Period time.Duration
	Loop   Loop
	Tools  Tools

	// Locker, when set, lets only one replica run a given iteration.
	Locker   *Locker
	Notifier notification.Notifier
	Metrics  *metrics.Metrics

	iteration int
}

// Run executes the loop immediately and then every Period until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if d.Period <= 0 {
		return fmt.Errorf("daemon %s: period must be positive", d.Name)
	}
	log.Printf("[daemon] %s started, period %s", d.Name, d.Period)

	ticker := time.NewTicker(d.Period)
	defer ticker.Stop()
	for {
		d.RunOnce(ctx)
		if ctx.Err() != nil {
			log.Printf("[daemon] %s stopped", d.Name)
			return nil
		}
		select {
		case <-ctx.Done():
			log.Printf("[daemon] %s stopped", d.Name)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single guarded iteration and returns its error.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if d.Locker != nil {
		release, err := d.Locker.Acquire(ctx, d.Name, d.Period)
		if errors.Is(err, ErrLockHeld) {
			log.Printf("[daemon] %s: another replica holds the run lock, skipping", d.Name)
			return nil
		}
		if err != nil {
			log.Printf("[daemon] %s: run lock: %v", d.Name, err)
			return err
		}
		defer release()
	}

	tools := d.Tools
	tools.Name = d.Name
	tools.Period = d.Period
	tools.Iteration = d.iteration
	if tools.Now == nil {
		tools.Now = time.Now
	}
	if tools.Metrics == nil {
		tools.Metrics = d.Metrics
	}

	start := time.Now()
	err := d.call(ctx, &tools)
	d.iteration++
	d.Metrics.DaemonRun(d.Name, time.Since(start), err)

	if err != nil && ctx.Err() == nil {
		log.Printf("[daemon] %s iteration %d failed: %v", d.Name, tools.Iteration, err)
		d.alert(ctx, err)
		return err
	}
	log.Printf("[daemon] %s iteration %d done in %s", d.Name, tools.Iteration, time.Since(start).Round(time.Millisecond))
	return err
}

func (d *Daemon) call(ctx context.Context, tools *Tools) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return d.Loop(ctx, tools)
}

func (d *Daemon) alert(ctx context.Context, err error) {
	if d.Notifier == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sendErr := d.Notifier.Send(alertCtx, notification.Alert{
		Level:   notification.AlertWarning,
		Source:  d.Name,
		Title:   "daemon iteration failed",
		Message: err.Error(),
	})
	if sendErr != nil {
		log.Printf("[daemon] %s: alert failed: %v", d.Name, sendErr)
	}
}

// ExponentialBackoff returns the lookback multiplier for iteration i: the
// largest power of two dividing i, so windows double on alternating
// iterations (1, 2, 1, 4, 1, 2, 1, 8, ...). Iteration 0 returns 2^30, which
// callers treat as a full scan.
func ExponentialBackoff(i int) int {
	if i <= 0 {
		return 1 << 30
	}
	return i & -i
}
