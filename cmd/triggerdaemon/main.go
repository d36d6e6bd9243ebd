package main

import (
	"log"

	"push-server/internal/app"
	"push-server/internal/loops"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "triggerdaemon")
	if err != nil {
		log.Fatalf("[triggerdaemon] %v", err)
	}
	defer a.Close()

	if err := a.RunDaemon(ctx, "triggerdaemon", loops.Evaluate); err != nil {
		log.Printf("[triggerdaemon] %v", err)
	}
}
