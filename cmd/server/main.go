package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/myogestic/myogestic/internal/cache"
	"github.com/myogestic/myogestic/internal/config"
	"github.com/myogestic/myogestic/internal/logging"
	"github.com/myogestic/myogestic/internal/metrics"
	"github.com/myogestic/myogestic/internal/recorder"
	"github.com/myogestic/myogestic/internal/session"
	"github.com/myogestic/myogestic/internal/snapshot"
	"github.com/myogestic/myogestic/pkg/otel"
)

func main() {
	cfg, err := config.Load(getEnv("MYOGESTIC_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := logging.Setup(cfg.Log)

	ctx := context.Background()
	if cfg.Tracing.Enabled {
		tp, err := otel.InitTracer(ctx, &cfg.Tracing)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer otel.Shutdown(ctx, tp)
	}

	backend, err := snapshot.Open(cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("Failed to open snapshot store")
	}
	store, err := cache.NewStore(backend, cfg.Cache.Size, cfg.Cache.TTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create snapshot cache")
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.New(cfg.Recorder.Dir, cfg.Recorder.Fsync)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open prediction recorder")
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	manager := session.NewManager(session.Deps{
		Logger:   logger,
		Metrics:  m,
		Store:    store,
		Sink:     session.LogSink{Logger: logger},
		Recorder: rec,
		Monitor:  cfg.Monitor,
	}, session.ManagerOptions{
		MaxSessions:    cfg.Server.MaxSessions,
		StepsPerSecond: cfg.RateLimit.StepsPerSecond,
		Burst:          cfg.RateLimit.Burst,
	})

	srv := NewServer(manager, cfg, prometheus.DefaultGatherer, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan struct{})
	go maintain(stop, logger, store, rec)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("version", version).
			Str("store", cfg.Store.Backend).
			Str("algorithm", cfg.Calibrator.Algorithm).
			Msg("Starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server error")
		}
	}()

	<-shutdown
	logger.Info().Msg("Shutting down server")
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	if err := manager.CloseAll(); err != nil {
		logger.Error().Err(err).Msg("Error closing sessions")
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing recorder")
		}
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing snapshot store")
	}
	logger.Info().Msg("Server stopped")
}

// maintain sweeps expired cache entries and rotates the recorder daily.
func maintain(stop <-chan struct{}, logger zerolog.Logger, store *cache.Store, rec *recorder.Recorder) {
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	rotate := time.NewTicker(24 * time.Hour)
	defer rotate.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sweep.C:
			if n := store.CleanupExpired(); n > 0 {
				logger.Debug().Int("removed", n).Msg("expired cached snapshots")
			}
		case <-rotate.C:
			if rec == nil {
				continue
			}
			old, err := rec.Rotate()
			if err != nil {
				logger.Error().Err(err).Msg("Recorder rotation failed")
				continue
			}
			logger.Info().Str("closed", old).Str("current", rec.Path()).Msg("Rotated prediction log")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
