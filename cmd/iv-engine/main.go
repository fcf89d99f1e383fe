package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/iv-engine/internal/api"
	"github.com/voxhall/iv-engine/internal/config"
	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/extract"
	"github.com/voxhall/iv-engine/internal/mqttclient"
	"github.com/voxhall/iv-engine/internal/reconstruct"
	"github.com/voxhall/iv-engine/internal/storage"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local artifact directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("iv-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	// Artifact storage
	store, err := storage.New(cfg.S3, cfg.AudioDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize artifact storage")
	}
	log.Info().Str("type", store.Type()).Msg("artifact storage ready")

	// Live event bus
	bus := extract.NewEventBus(256)

	// Extraction pipeline
	pipeline := extract.NewPipeline(extract.Options{
		DB:                 db,
		Bus:                bus,
		MinTranscriptChars: cfg.MinTranscriptChars,
		AbandonAfter:       cfg.AbandonAfter,
		SweepInterval:      cfg.SweepInterval,
		Log:                log,
	})
	pipeline.Start()
	defer pipeline.Stop()

	// Reconstruction orchestrator + poll worker
	orch := reconstruct.NewOrchestrator(reconstruct.Options{
		DB:        db,
		Client:    reconstruct.NewClient(cfg.ReconstructionURL, cfg.ReconstructionTimeout),
		Store:     store,
		PollDelay: cfg.PollDelay,
		PollTick:  cfg.PollTick,
		PublishEvent: func(eventType, sessionID string, payload map[string]any) {
			bus.PublishPayload(eventType, sessionID, payload)
		},
		Log: log,
	})
	orch.Start()
	defer orch.Stop()

	// Optional MQTT intake
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			OnMessage: pipeline.HandleBrokerMessage,
			Log:       log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
	}

	// Optional file-export backfill
	if cfg.WatchDir != "" {
		watcher := extract.NewFileWatcher(pipeline, cfg.WatchDir)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start file watcher")
		}
		defer watcher.Stop()
	}

	// HTTP server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:       db,
		Pipeline: pipeline,
		Orch:     orch,
		Store:    store,
		Bus:      bus,
		MQTT:     mqtt,
		Version:  version,
	}, startTime, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("iv-engine stopped")
}
