// Package main provides the StudySync desktop server. The dashboard UI
// talks to it over REST and WebSocket on localhost:8090.
package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/studysync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/studysync/backend/internal/app"
	"github.com/kimhsiao/studysync/backend/internal/config"
	"github.com/kimhsiao/studysync/backend/internal/errors"
	"github.com/kimhsiao/studysync/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logging.Error("Failed to load .env", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Getenv("STUDYSYNC_CONFIG"))
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Desktop server stopped", err)
		stop()
		os.Exit(1)
	}
}

// run serves the desktop API until ctx is done.
func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(cfg, app.Options{InitialOnline: true})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	a.Engine.SetEventHandler(hub)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	startSync(ctx, g, a)

	g.Go(func() error {
		logging.Info("StudySync desktop server starting", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// startSync runs the engine's reconnection loop and, once it is
// subscribed, the prober and scheduler. Operations left pending by an
// earlier session are drained right away when already online.
func startSync(ctx context.Context, g *errgroup.Group, a *app.App) {
	g.Go(func() error {
		return a.Engine.Run(ctx)
	})
	select {
	case <-a.Engine.Ready():
	case <-ctx.Done():
		return
	}

	a.Start(ctx)

	if a.Engine.Online() {
		g.Go(func() error {
			if _, err := a.Engine.DrainAll(ctx); err != nil {
				logging.ErrorWithCode("Startup drain failed", string(errors.ErrSyncFailed), err, nil)
			}
			return nil
		})
	}
}

// newRouter builds the desktop API router.
func newRouter(a *app.App, hub *WSHub) http.Handler {
	syncHandler := handlers.NewSyncHandler(a.Engine, a.Reporter, a.Scheduler)
	if a.Manual != nil {
		syncHandler.SetConnectivityOverride(a.Manual)
	}
	if hub != nil {
		syncHandler.SetWebSocketHub(hub)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)
		syncHandler.Routes(r)
	})
	r.Handle("/metrics", a.Metrics.Handler())
	if hub != nil {
		r.Get("/ws", HandleWebSocket(hub))
	}
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"studysync-desktop"}`))
}
