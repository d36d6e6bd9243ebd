package main

import (
	"log"

	"push-server/internal/app"
	"push-server/internal/push"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "pushsender")
	if err != nil {
		log.Fatalf("[pushsender] %v", err)
	}
	defer a.Close()

	sender := &push.Sender{
		Queue:     a.Queue,
		Providers: a.ProviderCache(),
		Devices:   a.DB.Devices,
		Events:    a.DB.Events,
		Metrics:   a.Metrics,
		Config: push.SenderConfig{
			ReclaimInterval: a.Config.PELReclaimInterval,
			ReclaimMinIdle:  a.Config.PELMinIdle,
		},
	}
	log.Printf("[pushsender] consuming %v", a.Queue.Streams())
	if err := sender.Run(ctx); err != nil {
		log.Printf("[pushsender] %v", err)
	}
}
