package pushdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

// EventRow is one fetched event plus what Save needs to merge it back.
type EventRow struct {
	ID    string
	Event model.PushEvent

	store *EventStore
	rev   int64
	base  statusSnapshot
}

// statusSnapshot holds the encoded mutable status fields as of the last
// successful read or write. Save compares against it to tell which fields
// this process changed.
type statusSnapshot struct {
	broadcastTxErrors []byte
	pushCounts        []byte
	state             []byte
	triggered         []byte
}

func snapshotStatus(ev *model.PushEvent) statusSnapshot {
	enc := func(v any) []byte {
		b, _ := json.Marshal(v)
		return b
	}
	return statusSnapshot{
		broadcastTxErrors: enc(ev.BroadcastTxErrors),
		pushCounts:        enc([2]int{ev.PushMessageEmits, ev.PushMessageFails}),
		state:             enc(ev.State),
		triggered:         enc(ev.Triggered),
	}
}

func newEventRow(s *EventStore, id string, rev int64, ev model.PushEvent) *EventRow {
	return &EventRow{ID: id, Event: ev, store: s, rev: rev, base: snapshotStatus(&ev)}
}

// Rev returns the revision the row was last read or written at.
func (r *EventRow) Rev() int64 { return r.rev }

// Save writes the row with optimistic concurrency. On a conflict it reloads
// the stored document and, for each status field this row did not change
// since its last snapshot, adopts the stored value; fields changed here keep
// the local value. It then retries until a write lands. Edits to the same
// field from two writers resolve as last writer wins.
func (r *EventRow) Save(ctx context.Context) error {
	for {
		body, err := json.Marshal(&r.Event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", r.ID, err)
		}
		rev, err := r.store.docs.Put(ctx, sqlite.Doc{ID: r.ID, Rev: r.rev, Body: body})
		if err == nil {
			r.rev = rev
			r.base = snapshotStatus(&r.Event)
			return nil
		}
		if !errors.Is(err, sqlite.ErrConflict) {
			return fmt.Errorf("save event %s: %w", r.ID, err)
		}
		if r.store.OnConflict != nil {
			r.store.OnConflict()
		}

		doc, err := r.store.docs.Get(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("reload event %s: %w", r.ID, err)
		}
		var remote model.PushEvent
		if err := json.Unmarshal(doc.Body, &remote); err != nil {
			return fmt.Errorf("decode event %s: %w", r.ID, err)
		}
		r.merge(&remote)
		r.rev = doc.Rev
	}
}

// merge adopts remote values for status fields untouched since the snapshot.
func (r *EventRow) merge(remote *model.PushEvent) {
	local := snapshotStatus(&r.Event)
	theirs := snapshotStatus(remote)

	if bytes.Equal(local.broadcastTxErrors, r.base.broadcastTxErrors) {
		r.Event.BroadcastTxErrors = remote.BroadcastTxErrors
		r.base.broadcastTxErrors = theirs.broadcastTxErrors
	}
	if bytes.Equal(local.pushCounts, r.base.pushCounts) {
		r.Event.PushMessageEmits = remote.PushMessageEmits
		r.Event.PushMessageFails = remote.PushMessageFails
		r.base.pushCounts = theirs.pushCounts
	}
	if bytes.Equal(local.state, r.base.state) {
		r.Event.State = remote.State
		r.base.state = theirs.state
	}
	if bytes.Equal(local.triggered, r.base.triggered) {
		r.Event.Triggered = remote.Triggered
		r.base.triggered = theirs.triggered
	}
}
