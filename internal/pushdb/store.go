// Package pushdb is the event store: push events, devices and api keys kept
// as JSON documents with optimistic revisions.
package pushdb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

// ErrNotFound is returned for a missing event, device or api key.
var ErrNotFound = errors.New("not found")

// DocStore is the document-database contract the event store is built on.
// *sqlite.Collection satisfies it.
type DocStore interface {
	Get(ctx context.Context, id string) (sqlite.Doc, error)
	Put(ctx context.Context, doc sqlite.Doc) (int64, error)
	View(ctx context.Context, view, key string) ([]sqlite.Doc, error)
	Page(ctx context.Context, view, key, afterID string, limit int) ([]sqlite.Doc, error)
	All(ctx context.Context, afterID string, limit int) ([]sqlite.Doc, error)
}

// View names on the events collection.
const (
	viewDevice  = "device"
	viewLogin   = "login"
	viewTrigger = "trigger"
)

// eventViews indexes events by owner and, while waiting, by every leaf type
// in their trigger tree.
func eventViews() map[string]sqlite.ViewFunc {
	return map[string]sqlite.ViewFunc{
		viewDevice: func(body []byte) []string {
			var ev model.PushEvent
			if json.Unmarshal(body, &ev) != nil || ev.DeviceID == "" {
				return nil
			}
			return []string{ev.DeviceID}
		},
		viewLogin: func(body []byte) []string {
			var ev model.PushEvent
			if json.Unmarshal(body, &ev) != nil || len(ev.LoginID) == 0 {
				return nil
			}
			return []string{loginKey(ev.LoginID)}
		},
		viewTrigger: func(body []byte) []string {
			var ev model.PushEvent
			if json.Unmarshal(body, &ev) != nil || ev.State != model.StateWaiting {
				return nil
			}
			types := ev.Trigger.LeafTypesIn()
			keys := make([]string, len(types))
			for i, t := range types {
				keys[i] = string(t)
			}
			return keys
		},
	}
}

func deviceViews() map[string]sqlite.ViewFunc {
	return map[string]sqlite.ViewFunc{
		viewLogin: func(body []byte) []string {
			var d model.Device
			if json.Unmarshal(body, &d) != nil {
				return nil
			}
			keys := make([]string, 0, len(d.LoginIDs))
			for _, id := range d.LoginIDs {
				keys = append(keys, loginKey(id))
			}
			return keys
		},
	}
}

func loginKey(id model.LoginID) string { return hex.EncodeToString(id) }

// DB groups the three collections.
type DB struct {
	Events  *EventStore
	Devices *DeviceStore
	APIKeys *APIKeyStore
}

// New wires the collections of one SQLite database.
func New(db *sqlite.DB) *DB {
	return &DB{
		Events:  NewEventStore(db.Collection("push-events", eventViews())),
		Devices: NewDeviceStore(db.Collection("push-devices", deviceViews())),
		APIKeys: NewAPIKeyStore(db.Collection("push-api-keys", nil)),
	}
}
