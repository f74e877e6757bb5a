package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"realtime-gateway/internal/chat"
	"realtime-gateway/internal/config"
	"realtime-gateway/internal/database"
	"realtime-gateway/internal/fanout"
	"realtime-gateway/internal/logging"
	"realtime-gateway/internal/metrics"
	"realtime-gateway/internal/presence"
	"realtime-gateway/internal/relationship"
	"realtime-gateway/internal/token"
	gateway "realtime-gateway/internal/websocket"
)

func main() {
	cfg, err := config.NewConfigLoader(os.Getenv("CONFIG_FILE"), ".env").LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

func run(cfg *config.ServerConfig, logger *zap.Logger) int {
	ctx := context.Background()

	store, err := database.New(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return 1
	}

	cache := presence.NewCache()
	if err := cache.Load(ctx, store); err != nil {
		logger.Error("failed to load presence cache", zap.Error(err))
		return 1
	}

	tokens, err := token.NewService(cfg.Token, nil)
	if err != nil {
		logger.Error("failed to create token service", zap.Error(err))
		return 1
	}

	var (
		observers []gateway.PresenceObserver
		mirror    *presence.RedisMirror
	)
	if cfg.Redis.URL != "" {
		mirror, err = presence.NewRedisMirror(ctx, cfg.Redis.URL, cfg.Redis.PresenceTTL, logger)
		if err != nil {
			logger.Error("failed to connect presence mirror", zap.Error(err))
			return 1
		}
		observers = append(observers, mirror)
	}

	var m *metrics.ServerMetrics
	if cfg.EnableMetrics {
		m = metrics.NewServerMetrics()
	}

	registry := gateway.NewRegistry(logger, m, observers...)
	fan := fanout.New(registry, cache, logger)

	graph := relationship.NewGraph(store, cache, fan, logger)
	if err := graph.Load(ctx); err != nil {
		logger.Error("failed to load relationships", zap.Error(err))
		return 1
	}

	service := chat.NewService(store, tokens, cache, fan, nil, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewHandler(registry, tokens, cache, gateway.OptionsFromConfig(cfg), logger, m))
	chat.NewAPI(service, graph, tokens, cfg.Token.MaxAge, logger).Register(mux)
	mux.HandleFunc("GET /health", healthHandler(store, registry))
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	server := &http.Server{
		Addr:              cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	logger.Info("gateway started",
		zap.String("addr", cfg.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Bool("presence_mirror", mirror != nil),
		zap.Bool("metrics", m != nil))

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"gateway": func(ctx context.Context) error {
			logger.Info("shutting down", zap.Int("connections", registry.ConnectionCount()))
			registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

			err := server.Shutdown(ctx)
			err = multierr.Append(err, store.Close())
			if mirror != nil {
				err = multierr.Append(err, mirror.Close())
			}
			return err
		},
	})

	code := <-wait
	logger.Info("gateway stopped", zap.Int("exit_code", code))
	return code
}

func healthHandler(store database.Store, registry *gateway.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       status,
			"connections":  registry.ConnectionCount(),
			"online_users": registry.UserCount(),
		})
	}
}
