package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"push-server/internal/api"
	"push-server/internal/app"
)

func main() {
	ctx, stop := app.SignalContext()
	defer stop()

	a, err := app.New(ctx, "pushapi")
	if err != nil {
		log.Fatalf("[pushapi] %v", err)
	}
	defer a.Close()

	reg, err := a.Plugins(ctx)
	if err != nil {
		log.Fatalf("[pushapi] plugins: %v", err)
	}

	feed := api.NewFeedHub(a.Feed, a.Metrics)
	s := &api.Server{
		DB:              a.DB,
		Dispatcher:      a.Dispatcher(reg),
		Feed:            feed,
		Metrics:         a.Metrics,
		AdminTOTPSecret: a.Config.AdminTOTPSecret,
	}
	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           s.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feed.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("[pushapi] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[pushapi] %v", err)
	}
}
