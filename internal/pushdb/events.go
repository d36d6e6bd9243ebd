package pushdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

// EventStore persists push events keyed by their creation timestamp.
type EventStore struct {
	docs DocStore

	// OnConflict is called for every write conflict resolved by merge-save.
	OnConflict func()
}

// NewEventStore wraps an events collection.
func NewEventStore(docs DocStore) *EventStore {
	return &EventStore{docs: docs}
}

// AddEvent inserts ev under the key of createdAt. When the key is taken the
// timestamp is bumped by one millisecond until an insert succeeds, so every
// event gets a unique, time-sortable key.
func (s *EventStore) AddEvent(ctx context.Context, ev model.PushEvent, createdAt time.Time) (*EventRow, error) {
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	for {
		ev.Created = createdAt
		body, err := json.Marshal(&ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", ev.EventID, err)
		}
		id := model.FormatKey(createdAt)
		rev, err := s.docs.Put(ctx, sqlite.Doc{ID: id, Body: body})
		if errors.Is(err, sqlite.ErrConflict) {
			createdAt = createdAt.Add(time.Millisecond)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("add event %s: %w", ev.EventID, err)
		}
		return newEventRow(s, id, rev, ev), nil
	}
}

// GetEvent loads one event by document key.
func (s *EventStore) GetEvent(ctx context.Context, key string) (*EventRow, error) {
	doc, err := s.docs.Get(ctx, key)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, fmt.Errorf("event %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.decode(doc)
}

// GetEventsByDeviceID returns the live events owned by a device.
func (s *EventStore) GetEventsByDeviceID(ctx context.Context, deviceID string) ([]*EventRow, error) {
	return s.liveInView(ctx, viewDevice, deviceID)
}

// GetEventsByLoginID returns the live events owned by a login.
func (s *EventStore) GetEventsByLoginID(ctx context.Context, loginID model.LoginID) ([]*EventRow, error) {
	return s.liveInView(ctx, viewLogin, loginKey(loginID))
}

// GetEventsByOwner dispatches to the device or login index.
func (s *EventStore) GetEventsByOwner(ctx context.Context, owner model.Owner) ([]*EventRow, error) {
	if owner.DeviceID != "" {
		return s.GetEventsByDeviceID(ctx, owner.DeviceID)
	}
	return s.GetEventsByLoginID(ctx, owner.LoginID)
}

func (s *EventStore) liveInView(ctx context.Context, view, key string) ([]*EventRow, error) {
	docs, err := s.docs.View(ctx, view, key)
	if err != nil {
		return nil, err
	}
	rows := make([]*EventRow, 0, len(docs))
	for _, doc := range docs {
		row, err := s.decode(doc)
		if err != nil {
			log.Printf("[pushdb] skipping undecodable event %s: %v", doc.ID, err)
			continue
		}
		if row.Event.Live() {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// AdjustEvents reconciles the event set of one owner. Events named in
// remove, or replaced by a create entry with the same eventId, are cancelled
// (still waiting) or hidden (already triggered); then the new events are
// inserted. The resulting live list is returned. This is not a transaction:
// each state change and insert is its own write.
func (s *EventStore) AdjustEvents(ctx context.Context, owner model.Owner, create []model.NewPushEvent, remove []string, now time.Time) ([]*EventRow, error) {
	if !owner.Valid() {
		return nil, errors.New("adjust events: owner must name exactly one of device or login")
	}

	existing, err := s.GetEventsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("adjust events for %s: %w", owner, err)
	}

	drop := make(map[string]bool, len(remove)+len(create))
	for _, id := range remove {
		drop[id] = true
	}
	for _, ne := range create {
		drop[ne.EventID] = true
	}

	out := make([]*EventRow, 0, len(existing)+len(create))
	for _, row := range existing {
		if !drop[row.Event.EventID] {
			out = append(out, row)
			continue
		}
		next, err := row.Event.State.Next(model.ActionRemove)
		if err != nil {
			return nil, fmt.Errorf("remove event %s: %w", row.Event.EventID, err)
		}
		row.Event.State = next
		if err := row.Save(ctx); err != nil {
			return nil, fmt.Errorf("remove event %s: %w", row.Event.EventID, err)
		}
	}

	for _, ne := range create {
		row, err := s.AddEvent(ctx, ne.ToEvent(owner, now), now)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *EventStore) decode(doc sqlite.Doc) (*EventRow, error) {
	var ev model.PushEvent
	if err := json.Unmarshal(doc.Body, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", doc.ID, err)
	}
	return newEventRow(s, doc.ID, doc.Rev, ev), nil
}
