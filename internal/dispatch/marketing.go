package dispatch

import (
	"context"
	"fmt"
	"log"

	"push-server/internal/logger"
	"push-server/internal/model"
)

const marketingPageSize = 500

// Broadcast sends msg to every device of key's app that has a token and has
// not opted out of marketing. It returns the number of messages enqueued.
func (d *Dispatcher) Broadcast(ctx context.Context, key model.APIKey, msg model.PushMessage) (int, error) {
	ctx = logger.WithTraceID(ctx, logger.NewTraceID())
	total := 0
	after := ""
	for {
		page, err := d.Devices.Page(ctx, after, marketingPageSize)
		if err != nil {
			return total, fmt.Errorf("marketing broadcast: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].DeviceID

		var app []model.Device
		for _, dev := range page {
			if dev.AppID == key.AppID {
				app = append(app, dev)
			}
		}
		n, err := d.enqueue(ctx, groupDevices(app, model.CategoryMarketing, key.APIKey), msg, "", 0)
		total += n
		if err != nil {
			return total, err
		}
		if len(page) < marketingPageSize {
			break
		}
	}
	log.Printf("[dispatch] marketing broadcast for %s queued %d messages (trace %s)", key.AppID, total, logger.TraceID(ctx))
	return total, nil
}
