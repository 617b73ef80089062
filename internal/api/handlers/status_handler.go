package handlers

import (
	"net/http"

	"orderdispatch/internal/dispatcher"
)

// StatusSource - снимки состояния и метрик диспетчера
type StatusSource interface {
	GetSystemStatus() dispatcher.SystemStatus
	Accepting() bool
}

// MetricsSource - снимок счётчиков диспетчера
type MetricsSource interface {
	GetSnapshot() dispatcher.MetricsSnapshot
}

// StatusHandler отдаёт состояние диспетчера
type StatusHandler struct {
	status  StatusSource
	metrics MetricsSource
}

// NewStatusHandler создает новый StatusHandler
func NewStatusHandler(status StatusSource, metrics MetricsSource) *StatusHandler {
	return &StatusHandler{status: status, metrics: metrics}
}

// GetStatus возвращает снимок треков и глобальных лимитов
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.GetSystemStatus())
}

// GetMetrics возвращает счётчики в JSON
// GET /api/v1/metrics
func (h *StatusHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

// Health отвечает 200, пока диспетчер принимает ордера
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.status.Accepting() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
