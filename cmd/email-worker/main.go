package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/delivery"
	"github.com/example/email-dispatch-service/internal/logger"
	"github.com/example/email-dispatch-service/internal/metrics"
	"github.com/example/email-dispatch-service/internal/rabbit"
	"github.com/example/email-dispatch-service/internal/render"
	"github.com/example/email-dispatch-service/internal/service"
	"github.com/example/email-dispatch-service/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "email-worker").Logger()

	if err := store.Migrate(ctx, cfg.Postgres); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	st, err := store.New(ctx, cfg.Postgres, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer st.Close()

	conn := rabbit.NewConnection(cfg.Rabbit, log)
	if err := conn.Connect(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close rabbitmq connection")
		}
	}()

	reader, err := rabbit.NewReader(cfg.Rabbit, conn, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise batch reader")
	}
	processor, err := rabbit.NewProcessor(cfg.Rabbit, reader, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise batch processor")
	}

	var renderer service.Renderer
	if cfg.App.TemplatesDir != "" {
		r, err := render.New(cfg.App.TemplatesDir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise template renderer")
		}
		renderer = r
	}

	sender, err := delivery.NewSMTPSender(cfg.SMTP, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise smtp sender")
	}

	engine, err := delivery.NewEngine(cfg.Delivery, st, sender, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise delivery engine")
	}

	m := metrics.New(cfg.Prometheus, log)
	go func() {
		if err := m.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("metrics endpoint terminated")
		}
	}()

	svc, err := service.New(*cfg, processor, st, engine, renderer, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise service loop")
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("service loop terminated with error")
	}
	log.Info().Msg("email worker stopped")
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("email worker init failed")
}
