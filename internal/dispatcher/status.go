package dispatcher

import (
	"time"

	"orderdispatch/internal/models"
)

// TrackStatus - снимок состояния трека (только чтение)
type TrackStatus struct {
	TrackID       string           `json:"track_id"`
	AssetType     models.AssetType `json:"asset_type"`
	Accepting     bool             `json:"accepting"`
	ActiveCount   int              `json:"active_count"`
	MaxConcurrent int              `json:"max_concurrent"`
	QueueDepth    int              `json:"queue_depth"`
	QueueSize     int              `json:"queue_size"`
	Workers       int              `json:"workers"`
	RateLimit     float64          `json:"rate_limit_per_second"`
	RateTokens    float64          `json:"rate_tokens"`
	InFlight      int              `json:"in_flight"`
}

// SystemStatus - снимок состояния диспетчера
type SystemStatus struct {
	Accepting            bool          `json:"accepting"`
	Uptime               string        `json:"uptime"`
	GlobalActive         int           `json:"global_active"`
	GlobalCapacity       int           `json:"global_capacity"`
	GlobalCapacityRaised bool          `json:"global_capacity_raised"`
	GlobalRateLimit      float64       `json:"global_rate_limit_per_second"`
	GlobalRateOccupancy  float64       `json:"global_rate_occupancy"`
	Tracks               []TrackStatus `json:"tracks"`
	Timestamp            time.Time     `json:"timestamp"`
}

// ShutdownReport - итог остановки трека или всего диспетчера
type ShutdownReport struct {
	Graceful    bool                      `json:"graceful"`     // все ордера завершились в пределах grace
	ForceFailed []string                  `json:"force_failed"` // PROCESSING -> FAILED/SHUTDOWN
	Cancelled   []string                  `json:"cancelled"`    // QUEUED -> CANCELLED/SHUTDOWN
	Duration    time.Duration             `json:"duration"`
	Tracks      map[string]ShutdownReport `json:"tracks,omitempty"`
}
