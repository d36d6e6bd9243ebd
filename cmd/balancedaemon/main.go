package main

import (
	"log"

	"push-server/internal/app"
	"push-server/internal/loops"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "balancedaemon")
	if err != nil {
		log.Fatalf("[balancedaemon] %v", err)
	}
	defer a.Close()

	if err := a.RunDaemon(ctx, "balancedaemon", loops.Balance); err != nil {
		log.Printf("[balancedaemon] %v", err)
	}
}
