// Package dispatch runs the actions of a fired event: push messages through
// the queue, raw transaction broadcasts, and the status write-back.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"push-server/internal/logger"
	"push-server/internal/metrics"
	"push-server/internal/model"
	"push-server/internal/push"
	"push-server/internal/pushdb"
	"push-server/internal/trigger"
)

// FeedPublisher receives one JSON notice per dispatched event;
// *redis.Feed implements it.
type FeedPublisher interface {
	Publish(ctx context.Context, notice []byte)
}

// Notice is the live-feed line for one dispatch.
type Notice struct {
	EventKey   string    `json:"eventKey"`
	EventID    string    `json:"eventId"`
	Owner      string    `json:"owner"`
	Trigger    string    `json:"trigger"`
	State      string    `json:"state"`
	Targets    int       `json:"targets"`
	TxFailures int       `json:"txFailures,omitempty"`
	Change     string    `json:"change,omitempty"`
	TraceID    string    `json:"traceId"`
	At         time.Time `json:"at"`
}

// Dispatcher is the dispatch pipeline shared by the daemons.
type Dispatcher struct {
	Devices DeviceSource
	Queue   model.Publisher
	Plugins model.PluginLookup
	Feed    FeedPublisher
	Metrics *metrics.Metrics
}

// TriggerEvent fires an event whose leaf condition a daemon has checked on
// its own, recording now as the firing time.
func (d *Dispatcher) TriggerEvent(ctx context.Context, row *pushdb.EventRow, now time.Time) error {
	if !row.Event.Trigger.IsCompound() {
		row.Event.Triggered = model.FiredAt(now)
	}
	return d.Dispatch(ctx, row, now)
}

// Dispatch runs the actions of a fired event and persists its new status.
// The caller has already stored the evaluated trigger state on row.
// Repeating events go back to waiting with a rearmed state.
func (d *Dispatcher) Dispatch(ctx context.Context, row *pushdb.EventRow, now time.Time) error {
	ev := &row.Event
	traceID := logger.GenerateTraceID(row.ID, now)
	ctx = logger.WithTraceID(ctx, traceID)

	targets := 0
	if ev.PushMessage != nil {
		n, err := d.send(ctx, row, *ev.PushMessage, model.CategoryEvent, 1)
		if err != nil {
			return err
		}
		targets = n
	}

	failures := d.broadcast(ctx, row)

	state, err := ev.State.Next(model.ActionFire)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", row.ID, err)
	}
	if ev.Repeat {
		if state, err = state.Next(model.ActionRearm); err != nil {
			return fmt.Errorf("dispatch %s: %w", row.ID, err)
		}
		ev.Triggered = trigger.Rearm(ev.Trigger, now)
	}
	ev.State = state

	if err := row.Save(ctx); err != nil {
		return fmt.Errorf("dispatch %s: %w", row.ID, err)
	}
	d.Metrics.Fired(string(ev.Trigger.Type))
	slog.Info("event dispatched", append(logger.LogWithTrace(ctx),
		"event", row.ID, "trigger", ev.Trigger.Type, "targets", targets, "state", ev.State)...)

	d.notify(ctx, Notice{
		EventKey:   row.ID,
		EventID:    ev.EventID,
		Owner:      ownerOf(ev).String(),
		Trigger:    string(ev.Trigger.Type),
		State:      string(ev.State),
		Targets:    targets,
		TxFailures: failures,
		TraceID:    traceID,
		At:         now,
	})
	return nil
}

// DispatchPriceChange sends the notification for a price move and records now
// as the next comparison anchor. The event keeps waiting.
func (d *Dispatcher) DispatchPriceChange(ctx context.Context, row *pushdb.EventRow, pc *trigger.PriceChange, now time.Time) error {
	ev := &row.Event
	traceID := logger.GenerateTraceID(row.ID, now)
	ctx = logger.WithTraceID(ctx, traceID)

	msg := PriceChangeMessage(ev.PushMessage, ev.Trigger, pc)
	targets, err := d.send(ctx, row, msg, model.CategoryPriceChange, 1)
	if err != nil {
		return err
	}

	ev.Triggered = trigger.Rearm(ev.Trigger, now)
	if err := row.Save(ctx); err != nil {
		return fmt.Errorf("price change %s: %w", row.ID, err)
	}
	d.Metrics.Fired(string(ev.Trigger.Type))
	log.Printf("[dispatch] %s %s %s %s over %s to %d targets",
		row.ID, ev.Trigger.Pair(), pc.Direction, FormatChange(pc.Percent), pc.Window.Name, targets)

	d.notify(ctx, Notice{
		EventKey: row.ID,
		EventID:  ev.EventID,
		Owner:    ownerOf(ev).String(),
		Trigger:  string(ev.Trigger.Type),
		State:    string(ev.State),
		Targets:  targets,
		Change:   FormatChange(pc.Percent),
		TraceID:  traceID,
		At:       now,
	})
	return nil
}

// send enqueues msg once per eligible device token of the event's owner.
func (d *Dispatcher) send(ctx context.Context, row *pushdb.EventRow, msg model.PushMessage, category model.MessageCategory, priority int) (int, error) {
	groups, err := ResolveTargets(ctx, d.Devices, ownerOf(&row.Event), category)
	if err != nil {
		return 0, err
	}
	return d.enqueue(ctx, groups, msg, row.ID, priority)
}

func (d *Dispatcher) enqueue(ctx context.Context, groups []TargetGroup, msg model.PushMessage, eventKey string, priority int) (int, error) {
	traceID := logger.TraceID(ctx)
	n := 0
	for _, g := range groups {
		for _, t := range g.Targets {
			payload, err := push.QueueMessage{
				APIKey:   g.APIKey,
				DeviceID: t.DeviceID,
				Token:    t.Token,
				Title:    msg.Title,
				Body:     msg.Body,
				Data:     msg.Data,
				EventKey: eventKey,
				TraceID:  traceID,
			}.Encode()
			if err != nil {
				return n, err
			}
			// Event pushes must reach the queue before the event is saved;
			// marketing has no stored record to fall back on.
			opts := model.PublishOptions{Persistent: eventKey != "", Priority: priority}
			if err := d.Queue.Publish(ctx, payload, opts); err != nil {
				d.Metrics.Enqueued(n)
				return n, fmt.Errorf("enqueue push for %s: %w", t.DeviceID, err)
			}
			n++
		}
	}
	d.Metrics.Enqueued(n)
	return n, nil
}

// broadcast submits every raw transaction independently, recording nil or
// the error text at the transaction's index. It returns the failure count.
func (d *Dispatcher) broadcast(ctx context.Context, row *pushdb.EventRow) int {
	txs := row.Event.BroadcastTxs
	if len(txs) == 0 {
		return 0
	}
	errs := make([]*string, len(txs))
	failures := 0
	for i, tx := range txs {
		err := d.broadcastOne(ctx, tx)
		d.Metrics.Broadcast(err)
		if err != nil {
			msg := err.Error()
			errs[i] = &msg
			failures++
			log.Printf("[dispatch] broadcast %d of %s failed: %v", i, row.ID, err)
		}
	}
	row.Event.BroadcastTxErrors = errs
	return failures
}

func (d *Dispatcher) broadcastOne(ctx context.Context, tx model.BroadcastTx) error {
	if d.Plugins == nil {
		return fmt.Errorf("no plugin %q", tx.PluginID)
	}
	p, ok := d.Plugins.Plugin(tx.PluginID)
	if !ok {
		return fmt.Errorf("no plugin %q", tx.PluginID)
	}
	return p.BroadcastTx(ctx, tx.RawTx)
}

func (d *Dispatcher) notify(ctx context.Context, n Notice) {
	if d.Feed == nil {
		return
	}
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	d.Feed.Publish(ctx, b)
}

func ownerOf(ev *model.PushEvent) model.Owner {
	return model.Owner{DeviceID: ev.DeviceID, LoginID: ev.LoginID}
}
