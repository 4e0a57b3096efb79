package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	pulsehub "goa.design/hitl/features/hub/pulse"
	clientspulse "goa.design/hitl/features/hub/pulse/clients/pulse"
	redisstore "goa.design/hitl/features/runstore/redis"
	"goa.design/hitl/runtime/hitl/config"
	"goa.design/hitl/runtime/hitl/hub"
	hubinmem "goa.design/hitl/runtime/hitl/hub/inmem"
	"goa.design/hitl/runtime/hitl/runner/scripted"
	"goa.design/hitl/runtime/hitl/runstore"
	storeinmem "goa.design/hitl/runtime/hitl/runstore/inmem"
	"goa.design/hitl/runtime/hitl/server"
	"goa.design/hitl/runtime/hitl/telemetry"
	"goa.design/hitl/runtime/hitl/transport"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backend",
		Example: `  hitl serve
  hitl serve --config hitl.yaml --addr :9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if debug {
				cfg.Log.Debug = true
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx = logContext(ctx, cfg.Log.Format == config.FormatJSON, cfg.Log.Debug)
	tel := telemetry.Clue()

	store, h, cleanup, err := backends(ctx, cfg, tel.Logger)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "backend setup failed"})
		return err
	}
	defer cleanup()

	runner := scripted.New(store, demoPlanner,
		scripted.WithTools(demoTools()...),
		scripted.WithModel(cfg.Server.Model),
		scripted.WithLogger(tel.Logger),
	)
	opts := []server.Option{
		server.WithModel(cfg.Server.Model),
		server.WithTelemetry(tel),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithWaitTimeout(cfg.Server.WaitTimeout),
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, server.WithRateLimit(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst))
	}
	srv, err := server.New(runner, h, opts...)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler(ctx, srv),
		ReadHeaderTimeout: 60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "HTTP server listening"}, log.KV{K: "addr", V: cfg.Server.Addr},
			log.KV{K: "backend", V: cfg.Backend})
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, err, log.KV{K: "msg", V: "HTTP server failed"})
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Print(ctx, log.KV{K: "msg", V: "shutting down HTTP server"})
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// handler logs requests with Clue. The chat stream only gets the logger in
// its context: its frames must reach the client as they are written.
func handler(logCtx context.Context, srv http.Handler) http.Handler {
	logged := log.HTTP(logCtx)(srv)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == transport.ChatPath {
			srv.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), logCtx)))
			return
		}
		logged.ServeHTTP(w, r)
	})
}

// backends builds the run store and continuation hub selected by cfg.
func backends(ctx context.Context, cfg *config.Config, logger telemetry.Logger) (runstore.Store, hub.Hub, func(), error) {
	if cfg.Backend == config.BackendMemory {
		h := hubinmem.New()
		return storeinmem.New(), h, h.Close, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	store, err := redisstore.NewStore(redisstore.Options{Redis: rdb, KeyPrefix: cfg.Redis.KeyPrefix, TTL: cfg.Redis.TTL})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}
	client, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}
	h, err := pulsehub.New(pulsehub.Options{Client: client, Logger: logger})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		h.Close(context.WithoutCancel(ctx))
		_ = rdb.Close()
	}
	return store, h, cleanup, nil
}
