package main

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/registry"
)

// APIHandler serves read-only views of tasks and trades.
type APIHandler struct {
	log      *zap.Logger
	registry *registry.Registry
	now      func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, reg *registry.Registry) *APIHandler {
	return &APIHandler{log: log, registry: reg, now: time.Now}
}

// TasksHandler lists tasks, optionally filtered by ?status= and ?symbol=.
func (h *APIHandler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.registry.ListTasks(r.Context(), registry.TaskFilter{
		Status: r.URL.Query().Get("status"),
		Symbol: r.URL.Query().Get("symbol"),
	})
	if err != nil {
		h.log.Error("Failed to get tasks from database", zap.Error(err))
		http.Error(w, "Failed to get tasks", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, tasks)
}

// TradesHandler returns trades, newest first. ?task_id= narrows to one task, ?limit= caps the count.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	filter := registry.TradeFilter{Status: r.URL.Query().Get("status"), Limit: 200}
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid task_id", http.StatusBadRequest)
			return
		}
		filter.TaskID = uint(id)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	trades, err := h.registry.ListTrades(r.Context(), filter)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, trades)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if t.ProfitLoss > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += t.ProfitLoss
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// StatisticsHandler summarises completed round trips: closed trades whose buy and sell both filled.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.registry.ListTrades(r.Context(), registry.TradeFilter{Status: models.TradeStatusClosed})
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	var resp StatisticsResponse
	for _, t := range trades {
		if t.BuyOrderID == 0 || t.SellOrderStatus != int(broker.StatusSucceeded) {
			continue
		}
		resp.AllTime.add(t)
		if t.SellTime != nil && t.SellTime.After(since24h) {
			resp.Since24h.add(t)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()

	h.writeJSON(w, resp)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}
