package main

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/database"
	"qmt-monitor-go/internal/logger"
	"qmt-monitor-go/internal/registry"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	apiHandler := NewAPIHandler(log, registry.New(db, cfg.Monitor.RegistryTimeout, log))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks", apiHandler.TasksHandler)
	mux.HandleFunc("/api/trades", apiHandler.TradesHandler)
	mux.HandleFunc("/api/statistics", apiHandler.StatisticsHandler)

	// The dashboard shares the monitor's config file, so it listens one port above the ops server.
	addr := fmt.Sprintf(":%d", cfg.Server.Port+1)
	log.Info("Starting web server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal("Web server failed", zap.Error(err))
	}
}
