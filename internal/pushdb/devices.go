package pushdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

// DeviceStore keeps one document per device id.
type DeviceStore struct {
	docs DocStore
}

// NewDeviceStore wraps a devices collection.
func NewDeviceStore(docs DocStore) *DeviceStore {
	return &DeviceStore{docs: docs}
}

// Get loads a device.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (model.Device, error) {
	d, _, err := s.get(ctx, deviceID)
	return d, err
}

func (s *DeviceStore) get(ctx context.Context, deviceID string) (model.Device, int64, error) {
	doc, err := s.docs.Get(ctx, deviceID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return model.Device{}, 0, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return model.Device{}, 0, err
	}
	var d model.Device
	if err := json.Unmarshal(doc.Body, &d); err != nil {
		return model.Device{}, 0, fmt.Errorf("decode device %s: %w", deviceID, err)
	}
	return d, doc.Rev, nil
}

// Update applies fn to the stored device (a zero Device carrying only the id
// when none exists) and writes the result, re-reading and re-applying fn
// whenever another writer got there first.
func (s *DeviceStore) Update(ctx context.Context, deviceID string, fn func(d *model.Device) error) (model.Device, error) {
	for {
		d, rev, err := s.get(ctx, deviceID)
		if errors.Is(err, ErrNotFound) {
			d, rev, err = model.Device{DeviceID: deviceID}, 0, nil
		}
		if err != nil {
			return model.Device{}, err
		}
		if err := fn(&d); err != nil {
			return model.Device{}, err
		}
		body, err := json.Marshal(&d)
		if err != nil {
			return model.Device{}, fmt.Errorf("marshal device %s: %w", deviceID, err)
		}
		_, err = s.docs.Put(ctx, sqlite.Doc{ID: deviceID, Rev: rev, Body: body})
		if errors.Is(err, sqlite.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Device{}, fmt.Errorf("save device %s: %w", deviceID, err)
		}
		return d, nil
	}
}

// ByLoginID returns every device the login is attached to.
func (s *DeviceStore) ByLoginID(ctx context.Context, loginID model.LoginID) ([]model.Device, error) {
	docs, err := s.docs.View(ctx, viewLogin, loginKey(loginID))
	if err != nil {
		return nil, err
	}
	return decodeDevices(docs)
}

// Page returns up to limit devices with ids after afterID, for full scans.
func (s *DeviceStore) Page(ctx context.Context, afterID string, limit int) ([]model.Device, error) {
	docs, err := s.docs.All(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	return decodeDevices(docs)
}

// ClearToken drops the device's token if it still equals token. Providers
// report unregistered tokens asynchronously, so a token refreshed in the
// meantime must survive. Unknown devices are left alone.
func (s *DeviceStore) ClearToken(ctx context.Context, deviceID, token string) error {
	for {
		d, rev, err := s.get(ctx, deviceID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.DeviceToken != token {
			return nil
		}
		d.DeviceToken = ""
		body, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("marshal device %s: %w", deviceID, err)
		}
		_, err = s.docs.Put(ctx, sqlite.Doc{ID: deviceID, Rev: rev, Body: body})
		if errors.Is(err, sqlite.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("clear token of %s: %w", deviceID, err)
		}
		return nil
	}
}

func decodeDevices(docs []sqlite.Doc) ([]model.Device, error) {
	out := make([]model.Device, 0, len(docs))
	for _, doc := range docs {
		var d model.Device
		if err := json.Unmarshal(doc.Body, &d); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", doc.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}
