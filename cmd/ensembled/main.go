package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ensemblesync/ensemble/internal/gateway"
	"github.com/ensemblesync/ensemble/internal/platform/config"
	"github.com/ensemblesync/ensemble/internal/platform/metrics"
	"github.com/ensemblesync/ensemble/internal/relay"
	"github.com/ensemblesync/ensemble/internal/score"
	"github.com/ensemblesync/ensemble/internal/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	setupLogging(config.GetEnv("LOG_LEVEL", "info"))

	port := config.GetEnv("PORT", "8080")
	scoresDir := config.GetEnv("SCORES_DIR", "scores")

	sessCfg := session.Config{
		SilenceTimeout: config.GetEnvDuration("SILENCE_TIMEOUT", 10*time.Second),
		StopGrace:      config.GetEnvDuration("STOP_GRACE", time.Second),
	}
	gwCfg := gateway.DefaultConfig()
	gwCfg.HighLatencyThreshold = config.GetEnvDuration("HIGH_LATENCY_THRESHOLD", 50*time.Millisecond)

	clock := clockwork.NewRealClock()
	met := metrics.New()

	catalog, err := score.LoadDir(scoresDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", scoresDir).Msg("failed to load score catalog")
	}

	registry := session.NewRegistry(clock)
	manager := gateway.NewManager(gwCfg, registry, met, clock)

	var broadcaster session.Broadcaster = manager
	var rel *relay.Relay
	if natsURL := config.GetEnv("NATS_URL", ""); natsURL != "" {
		rel, err = relay.Connect(natsURL, config.GetEnv("NATS_SUBJECT_PREFIX", relay.DefaultSubjectPrefix), manager)
		if err != nil {
			log.Error().Err(err).Msg("event relay unavailable, continuing without it")
		} else {
			broadcaster = rel
			defer rel.Close()
		}
	}

	machine := session.NewMachine(catalog, broadcaster, met, clock, sessCfg)
	manager.Bind(machine)

	stateHandler := gateway.NewStateHandler(machine, registry, catalog, manager)

	r := chi.NewRouter()
	r.Get("/ws", manager.HandleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetConnectedDevices(registry.Count())
			met.SetReadyDevices(registry.CountReady())
		}).ServeHTTP(w, req)
	})
	r.Get("/api/session", stateHandler.HandleGetSession)
	r.Get("/api/devices", stateHandler.HandleGetDevices)
	r.Get("/api/scores", stateHandler.HandleGetScores)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	log.Info().
		Str("port", port).
		Str("scores_dir", scoresDir).
		Dur("silence_timeout", sessCfg.SilenceTimeout).
		Int("scores", len(catalog.List())).
		Msg("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("coordinator stopped")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
