package main

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/daviddao/outreach/internal/api"
	"github.com/daviddao/outreach/internal/build"
	"github.com/daviddao/outreach/internal/push"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	// pushTimeout bounds the handling of one push notification.
	pushTimeout     = time.Minute
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, push endpoint and periodic refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	log := logging.Logger

	hub := api.NewHub(originChecker(cfg.HTTP.AllowedOrigins), log)
	defer hub.Close()

	eng, err := newEngine(hub)
	if err != nil {
		return err
	}
	defer eng.close()

	handler := push.NewHandler(store, store, eng.connector, hub,
		cfg.Sync.ProviderTimeout, log)

	g, ctx := errgroup.WithContext(ctx)
	checks := map[string]func(context.Context) error{"database": store.Ping}

	var dispatcher push.Dispatcher
	if cfg.Queue.URL != "" {
		mq, err := push.DialRabbitMQ(cfg.Queue.URL, log)
		if err != nil {
			return err
		}
		defer mq.Close()

		dispatcher = mq
		checks["queue"] = func(context.Context) error { return mq.Ping() }
		g.Go(func() error {
			return mq.Consume(ctx, handler)
		})
	} else {
		inline := push.NewInline(handler, pushTimeout, log)
		defer inline.Wait()
		dispatcher = inline
	}

	g.Go(func() error {
		return eng.scheduler.Run(ctx)
	})

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Pipeline:       eng.pipeline,
			Refresher:      eng.scheduler,
			Replier:        eng.replies,
			Dispatcher:     dispatcher,
			Hub:            hub,
			Checks:         checks,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Log:            log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("listening", "addr", cfg.HTTP.Addr, "version", build.Version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// originChecker accepts websocket upgrades from the configured origins.
// Requests without an Origin header are same-origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
