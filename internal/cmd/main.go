package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/backup"
	"github.com/turnwarden/turnwarden/internal/config"
	"github.com/turnwarden/turnwarden/internal/engine"
	"github.com/turnwarden/turnwarden/internal/events"
	"github.com/turnwarden/turnwarden/internal/store"
	"github.com/turnwarden/turnwarden/internal/supervisor"
	"github.com/turnwarden/turnwarden/internal/watcher"
)

func main() {
	configPath := flag.String("config", "turnwarden.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg := config.NewDBConfigFromEnv()
	st, err := store.Connect(ctx, dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Str("database", dbCfg.Database).Msg("failed to connect to database")
	}
	defer st.Close()

	if err := st.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	pub := newPublisher(cfg)
	if c, ok := pub.(*events.JetStreamPublisher); ok {
		defer c.Close()
	}

	sup := supervisor.New(supervisor.Config{
		Binary:        cfg.ServerBinary,
		DataDir:       cfg.DataDir,
		SessionPrefix: cfg.SessionPrefix,
		QueryHost:     cfg.QueryHost,
		QueryTimeout:  cfg.QueryTimeout.Std(),
		LaunchTimeout: cfg.LaunchTimeout.Std(),
	}, st)
	backups := backup.NewManager(cfg.DataDir, cfg.BackupDir)

	log.Info().
		Str("database", dbCfg.Database).
		Str("data_dir", cfg.DataDir).
		Str("server_version", sup.Version(ctx)).
		Msg("starting turnwarden")

	eng := engine.New(engine.Config{
		Workers:     cfg.Engine.Workers,
		GracePeriod: cfg.Engine.GracePeriod.Std(),
	}, st, sup, backups, pub)

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("timer engine failed")
		}
	}()

	w, err := watcher.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to start save-file watcher")
	}
	go func() {
		if err := w.Run(ctx); err != nil {
			log.Error().Err(err).Msg("save-file watcher failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	// The engine drains in-flight match work inside its own grace period.
	time.Sleep(cfg.Engine.GracePeriod.Std())
	log.Info().Msg("turnwarden shutdown complete")
}

func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.NATS.URL == "" {
		log.Warn().Msg("no NATS URL configured, events will only be logged")
		return events.NewLogPublisher()
	}

	jsCfg := events.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	if cfg.NATS.StreamName != "" {
		jsCfg.StreamName = cfg.NATS.StreamName
	}
	if cfg.NATS.SubjectPrefix != "" {
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	}

	pub, err := events.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to NATS")
	}
	return pub
}
