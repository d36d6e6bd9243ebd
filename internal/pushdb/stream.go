package pushdb

import (
	"context"
	"log"
	"time"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

const defaultStreamPage = 100

// StreamOptions bounds an event scan.
type StreamOptions struct {
	// AfterKey resumes after a previous scan's Watermark.
	AfterKey string
	// AfterDate skips events created at or before this time. Ignored when AfterKey is set.
	AfterDate time.Time
	// PageSize is the number of documents fetched per round trip.
	PageSize int
}

// EventStream lazily walks waiting events whose trigger tree contains a leaf
// of one type, in ascending key order. Use it like sql.Rows:
//
//	st := store.StreamEvents(model.TriggerTxConfirm, pushdb.StreamOptions{})
//	for st.Next(ctx) {
//		row := st.Row()
//	}
//	if err := st.Err(); err != nil { ... }
type EventStream struct {
	store    *EventStore
	typ      model.TriggerType
	pageSize int

	after string
	buf   []sqlite.Doc
	row   *EventRow
	done  bool
	err   error
}

// StreamEvents starts a scan of waiting events of triggerType.
func (s *EventStore) StreamEvents(triggerType model.TriggerType, opts StreamOptions) *EventStream {
	after := opts.AfterKey
	if after == "" && !opts.AfterDate.IsZero() {
		after = model.FormatKey(opts.AfterDate)
	}
	size := opts.PageSize
	if size <= 0 {
		size = defaultStreamPage
	}
	return &EventStream{store: s, typ: triggerType, pageSize: size, after: after}
}

// Next advances to the next row, fetching a page when the buffer is empty.
func (st *EventStream) Next(ctx context.Context) bool {
	for {
		if st.err != nil {
			return false
		}
		if len(st.buf) == 0 {
			if st.done {
				return false
			}
			page, err := st.store.docs.Page(ctx, viewTrigger, string(st.typ), st.after, st.pageSize)
			if err != nil {
				st.err = err
				return false
			}
			if len(page) < st.pageSize {
				st.done = true
			}
			if len(page) == 0 {
				return false
			}
			st.buf = page
		}

		doc := st.buf[0]
		st.buf = st.buf[1:]
		st.after = doc.ID

		row, err := st.store.decode(doc)
		if err != nil {
			log.Printf("[pushdb] stream %s: %v", st.typ, err)
			continue
		}
		if row.Event.State != model.StateWaiting {
			continue
		}
		st.row = row
		return true
	}
}

// Row returns the current row.
func (st *EventStream) Row() *EventRow { return st.row }

// Watermark returns the key of the last row visited; pass it as AfterKey to
// resume the scan.
func (st *EventStream) Watermark() string { return st.after }

// Err returns the first error hit while paging.
func (st *EventStream) Err() error { return st.err }
