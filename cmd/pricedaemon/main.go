package main

import (
	"log"

	"push-server/internal/app"
	"push-server/internal/loops"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "pricedaemon")
	if err != nil {
		log.Fatalf("[pricedaemon] %v", err)
	}
	defer a.Close()

	if err := a.RunDaemon(ctx, "pricedaemon", loops.PriceDaemon); err != nil {
		log.Printf("[pricedaemon] %v", err)
	}
}
