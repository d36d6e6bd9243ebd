package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"push-server/internal/model"
	"push-server/internal/pushdb"
)

// DeviceSource is the device lookup the pipeline needs; *pushdb.DeviceStore
// implements it.
type DeviceSource interface {
	Get(ctx context.Context, deviceID string) (model.Device, error)
	ByLoginID(ctx context.Context, loginID model.LoginID) ([]model.Device, error)
	Page(ctx context.Context, afterID string, limit int) ([]model.Device, error)
}

// Target is one device token to deliver to.
type Target struct {
	DeviceID string
	Token    string
}

// TargetGroup is every target served by one api key.
type TargetGroup struct {
	APIKey  string
	Targets []Target
}

// Count returns the number of targets across groups.
func Count(groups []TargetGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Targets)
	}
	return n
}

// ResolveTargets finds the devices of owner that can receive a message of
// category and groups their tokens by api key, in device order. Devices
// without a token or api key, or opted out of category, are skipped.
func ResolveTargets(ctx context.Context, devices DeviceSource, owner model.Owner, category model.MessageCategory) ([]TargetGroup, error) {
	var found []model.Device
	switch {
	case owner.DeviceID != "":
		d, err := devices.Get(ctx, owner.DeviceID)
		if errors.Is(err, pushdb.ErrNotFound) {
			log.Printf("[dispatch] device %s not registered", owner.DeviceID)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", owner, err)
		}
		found = append(found, d)
	case len(owner.LoginID) > 0:
		ds, err := devices.ByLoginID(ctx, owner.LoginID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", owner, err)
		}
		found = ds
	}
	return groupDevices(found, category, ""), nil
}

// groupDevices keeps the eligible devices and groups them by api key.
// fallbackKey routes devices that registered without one.
func groupDevices(devices []model.Device, category model.MessageCategory, fallbackKey string) []TargetGroup {
	var groups []TargetGroup
	index := map[string]int{}
	for i := range devices {
		d := &devices[i]
		if d.DeviceToken == "" || !d.Accepts(category) {
			continue
		}
		key := d.APIKey
		if key == "" {
			key = fallbackKey
		}
		if key == "" {
			continue
		}
		gi, ok := index[key]
		if !ok {
			gi = len(groups)
			index[key] = gi
			groups = append(groups, TargetGroup{APIKey: key})
		}
		groups[gi].Targets = append(groups[gi].Targets, Target{DeviceID: d.DeviceID, Token: d.DeviceToken})
	}
	return groups
}
