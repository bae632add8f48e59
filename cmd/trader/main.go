package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/database"
	"qmt-monitor-go/internal/eventbus"
	"qmt-monitor-go/internal/logger"
	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/registry"
	strategy "qmt-monitor-go/internal/signal"
	"qmt-monitor-go/internal/trader"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("broker_mode", cfg.Broker.Mode), zap.String("bus_mode", cfg.EventBus.Mode))

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	bus, err := eventbus.New(cfg.EventBus, log)
	if err != nil {
		log.Fatal("Failed to create event bus", zap.Error(err))
	}
	defer bus.Close()

	gateway, bars := newGateway(&cfg, bus, log)
	defer gateway.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := gateway.Connect(connectCtx); err != nil {
		connectCancel()
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	connectCancel()
	log.Info("Successfully connected to broker.")

	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.Multi{notifier, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, log)}
	}
	unwatch := notify.Watch(bus, notifier, log)
	defer unwatch()

	monitor := metrics.New(prometheus.DefaultRegisterer)
	reg := registry.New(db, cfg.Monitor.RegistryTimeout, log)

	executor := trader.NewExecutor(trader.ExecutorDeps{
		Gateway:  gateway,
		Registry: reg,
		Bus:      bus,
		Notifier: notifier,
		Metrics:  monitor,
		Logger:   log,
		Config:   cfg.Monitor,
	})
	supervisor := trader.NewSupervisor(trader.SupervisorDeps{
		Registry:   reg,
		Gateway:    gateway,
		Executor:   executor,
		Strategies: strategy.NewRegistry(bars),
		Notifier:   notifier,
		Metrics:    monitor,
		Logger:     log,
		Config:     cfg.Monitor,
	})
	if err := supervisor.Start(ctx); err != nil {
		log.Fatal("Failed to start supervisor", zap.Error(err))
	}

	api := trader.NewAPIServer(cfg.Server.Port, supervisor, gateway, prometheus.DefaultGatherer, log)
	api.Start()

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	supervisor.Stop()
	cancel()

	log.Info("Monitor has been shut down.")
}

// newGateway builds the broker selected by cfg and the bar source strategies read from.
func newGateway(cfg *config.Config, bus eventbus.Bus, log *zap.Logger) (broker.Gateway, strategy.BarSource) {
	if cfg.Broker.Mode == config.BrokerModeBridge {
		g := broker.NewBridgeGateway(&cfg.Broker, bus, log)
		return g, g.Rest()
	}
	p := broker.NewPaperGateway(cfg.Broker.AccountID, cfg.Broker.PaperCash, bus, log)
	p.AutoFill = true
	return p, p
}
