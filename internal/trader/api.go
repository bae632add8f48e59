package trader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// connectivity is the part of the broker gateway the status page reports.
type connectivity interface {
	IsConnected() bool
}

// APIServer exposes health, worker status and metrics over HTTP.
type APIServer struct {
	server     *http.Server
	supervisor *Supervisor
	broker     connectivity
	startTime  time.Time
	logger     *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port.
func NewAPIServer(port int, supervisor *Supervisor, broker connectivity, gatherer prometheus.Gatherer, logger *zap.Logger) *APIServer {
	s := &APIServer{
		supervisor: supervisor,
		broker:     broker,
		startTime:  time.Now(),
		logger:     logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		BrokerConnected bool        `json:"broker_connected"`
		StartTime       string      `json:"start_time"`
		Uptime          string      `json:"uptime"`
		Workers         []TaskState `json:"workers"`
	}{
		BrokerConnected: s.broker.IsConnected(),
		StartTime:       s.startTime.Format(time.RFC3339),
		Uptime:          time.Since(s.startTime).Truncate(time.Second).String(),
		Workers:         s.supervisor.RunningTasks(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.broker.IsConnected() {
		http.Error(w, "broker disconnected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
