package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"relay/internal/app"
	"relay/internal/config"
	"relay/internal/engine"
	"relay/internal/events"
	"relay/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the HTTP API, streams events over SSE, relays events to configured webhooks and expires stale delegation requests. Set RELAY_JWT_SECRET (or --jwt-secret) to require bearer tokens.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ws, err := app.OpenWorkspace(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			if project := viper.GetString("project"); project != "" {
				if _, err := app.ResolveProject(ctx, ws.Engine, project, actorID()); err != nil {
					return err
				}
			}

			bus := events.NewBus(events.WithBuffer(ws.Config.Events.SubscriberBuffer), events.WithLogger(logger))
			defer bus.Close()
			e := ws.Engine
			e.Sink = bus

			dispatcher := events.NewDispatcher(e.Repo, ws.Config.Webhooks, logger)
			go dispatcher.Run(ctx)
			if err := watchConfig(ctx, ws.Dir, logger, func(cfg *config.Config) {
				dispatcher.SetHooks(cfg.Webhooks)
			}); err != nil {
				logger.Printf("config: hot reload disabled: %v", err)
			}
			if sweepEvery > 0 && e.Config.RequestTTL() > 0 {
				go sweepStale(ctx, e, sweepEvery)
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				Bus:      bus,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Relay API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "how often to expire stale delegation requests (0 disables)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; when set every request needs a bearer token")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// sweepStale expires stale open delegation requests in every project.
func sweepStale(ctx context.Context, e engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			e.Logger.Printf("sweep: list projects: %v", err)
			continue
		}
		for _, p := range projects {
			expired, err := e.ExpireStale(ctx, p.ID, "relay-sweeper")
			if err != nil {
				e.Logger.Printf("sweep: %s: %v", p.ID, err)
				continue
			}
			if len(expired) > 0 {
				e.Logger.Printf("sweep: %s: expired %d requests", p.ID, len(expired))
			}
		}
	}
}
