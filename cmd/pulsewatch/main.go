package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/pulsewatch/internal/alerts"
	"github.com/savegress/pulsewatch/internal/api"
	"github.com/savegress/pulsewatch/internal/bus"
	"github.com/savegress/pulsewatch/internal/config"
	"github.com/savegress/pulsewatch/internal/engine"
	"github.com/savegress/pulsewatch/internal/metrics"
	"github.com/savegress/pulsewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("config", *configPath).Msg("Starting PulseWatch")

	// Initialize storage
	snapshots, err := storage.NewSnapshotStore(cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open snapshot store")
	}
	defer snapshots.Close()

	records, err := storage.NewAlertStore(cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open alert store")
	}
	defer records.Close()

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the metric aggregator
	aggregator := metrics.NewAggregator(cfg.Sources, logger)

	// Build the notification pipeline
	renderer, err := alerts.NewRenderer(cfg.Templates)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid notification template")
	}
	dispatcher := alerts.NewDispatcher(renderer, cfg.Notify, cfg.Dashboard.BaseURL, logger)

	// Configure notification channels from config
	settings := cfg.Channels.Settings()
	if mail := cfg.Channels.Mail; mail != nil && mail.SMTPHost != "" {
		dispatcher.Register(alerts.NewMailNotifier(*mail), settings["mail"])
	}
	if webhook := cfg.Channels.Webhook; webhook != nil && webhook.URL != "" {
		dispatcher.Register(alerts.NewWebhookNotifier(*webhook), settings["webhook"])
	}
	if slack := cfg.Channels.Slack; slack != nil && slack.WebhookURL != "" {
		dispatcher.Register(alerts.NewSlackNotifier(*slack), settings["slack"])
	}
	if nc := cfg.Channels.NATS; nc != nil && nc.URL != "" {
		publisher, err := bus.NewPublisher(nc.URL)
		if err != nil {
			logger.Error().Err(err).Str("url", nc.URL).Msg("Failed to connect to NATS, channel disabled")
		} else {
			defer publisher.Close()
			dispatcher.Register(alerts.NewBusNotifier(publisher, nc.Subject), settings["nats"])
		}
	}
	if cfg.Channels.Console != nil {
		dispatcher.Register(alerts.NewConsoleNotifier(), settings["console"])
	}

	// Initialize the alert manager and restore open alerts from storage
	manager := alerts.NewManager(records, dispatcher, logger)

	open, err := records.OpenInstances(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore open alerts")
	}
	manager.Restore(open)
	if len(open) > 0 {
		logger.Info().Int("count", len(open)).Msg("Restored open alerts")
	}

	manager.SetRules(loadRules(cfg, logger))

	// Start the polling engine
	eng := engine.NewEngine(aggregator, manager, snapshots, cfg.Poll.Interval, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Watch the config file; rule changes apply between evaluation
	// cycles, everything else needs a restart.
	go func() {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			manager.SetRules(loadRules(next, logger))
		})
		if err != nil {
			logger.Error().Err(err).Msg("Config watcher stopped")
		}
	}()

	// Create API server
	server := api.NewServer(cfg, eng, manager, aggregator, snapshots, records)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("PulseWatch API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down PulseWatch")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	cancel()
	eng.Stop()

	logger.Info().Msg("PulseWatch stopped")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadRules compiles the configured rules, logging the ones whose
// condition failed to parse. A broken rule disables itself, never the
// process.
func loadRules(cfg *config.Config, logger zerolog.Logger) []*alerts.Rule {
	rules := alerts.LoadRules(cfg.Rules)
	enabled := 0
	for _, rule := range rules {
		if rule.Err != nil {
			logger.Warn().Err(rule.Err).Str("rule", rule.Name).Msg("Rule disabled")
			continue
		}
		if rule.Enabled {
			enabled++
		}
	}
	logger.Info().Int("total", len(rules)).Int("enabled", enabled).Msg("Rules loaded")
	return rules
}
