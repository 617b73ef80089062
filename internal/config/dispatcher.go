package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"orderdispatch/internal/models"
	"orderdispatch/pkg/utils"
)

// ErrInvalidConfig - базовая ошибка конфигурации треков и диспетчера
var ErrInvalidConfig = errors.New("invalid dispatcher config")

// Значения по умолчанию для необязательных параметров диспетчера
const (
	DefaultShutdownGrace    = 10 * time.Second
	DefaultResultBufferSize = 1024
	DefaultDBPoolSize       = 10
)

// TrackConfig - параметры одного трека исполнения
type TrackConfig struct {
	TrackID            string
	AssetType          models.AssetType
	MaxConcurrent      int
	RateLimitPerSecond float64
	QueueSize          int
	WorkerPoolSize     int
	Timeout            time.Duration // бюджет одного ордера от начала обработки
}

// NewTrackConfig создаёт и проверяет конфигурацию трека
func NewTrackConfig(trackID string, asset models.AssetType, maxConcurrent int, ratePerSecond float64, queueSize, workers int, timeout time.Duration) (TrackConfig, error) {
	tc := TrackConfig{
		TrackID:            trackID,
		AssetType:          asset,
		MaxConcurrent:      maxConcurrent,
		RateLimitPerSecond: ratePerSecond,
		QueueSize:          queueSize,
		WorkerPoolSize:     workers,
		Timeout:            timeout,
	}
	if err := tc.Validate(); err != nil {
		return TrackConfig{}, err
	}
	return tc, nil
}

// Validate проверяет все поля и возвращает все найденные нарушения сразу
// Значения не исправляются.
func (tc TrackConfig) Validate() error {
	var errs utils.ValidationErrors

	errs.AddError("track_id", utils.ValidateTrackID(tc.TrackID))
	if !tc.AssetType.IsValid() {
		errs.Add("asset_type", fmt.Sprintf("unsupported asset %q", tc.AssetType))
	}
	errs.AddError("max_concurrent", utils.ValidatePositiveInt(tc.MaxConcurrent))
	errs.AddError("rate_limit_per_second", utils.ValidatePositiveFloat(tc.RateLimitPerSecond))
	errs.AddError("queue_size", utils.ValidatePositiveInt(tc.QueueSize))
	errs.AddError("worker_pool_size", utils.ValidatePositiveInt(tc.WorkerPoolSize))
	if tc.Timeout <= 0 {
		errs.Add("timeout", fmt.Sprintf("must be positive, got %v", tc.Timeout))
	}

	if errs.HasErrors() {
		return fmt.Errorf("%w: track %q: %s", ErrInvalidConfig, tc.TrackID, errs.Error())
	}
	return nil
}

// DispatcherConfig - параметры диспетчера и таблица треков
type DispatcherConfig struct {
	GlobalMaxConcurrent      int
	GlobalRateLimitPerSecond float64
	Tracks                   map[models.AssetType]TrackConfig
	ShutdownGrace            time.Duration
	ResultBufferSize         int // буфер асинхронной рассылки результатов слушателям
	DBPoolSize               int
	MetricsEnabled           bool

	raised bool
}

// NewDispatcherConfig собирает конфигурацию из списка треков и нормализует её
func NewDispatcherConfig(globalMaxConcurrent int, globalRatePerSecond float64, tracks ...TrackConfig) (*DispatcherConfig, error) {
	cfg := &DispatcherConfig{
		GlobalMaxConcurrent:      globalMaxConcurrent,
		GlobalRateLimitPerSecond: globalRatePerSecond,
		Tracks:                   make(map[models.AssetType]TrackConfig, len(tracks)),
		MetricsEnabled:           true,
	}

	for _, tc := range tracks {
		if _, dup := cfg.Tracks[tc.AssetType]; dup {
			return nil, fmt.Errorf("%w: asset %s configured twice", ErrInvalidConfig, tc.AssetType)
		}
		cfg.Tracks[tc.AssetType] = tc
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize проверяет инварианты и поднимает глобальный лимит
//
// Если GlobalMaxConcurrent меньше суммы MaxConcurrent треков, он
// поднимается до этой суммы (Raised() == true). Пустые необязательные
// параметры получают значения по умолчанию. Повторный вызов безопасен.
func (c *DispatcherConfig) Normalize() error {
	if len(c.Tracks) == 0 {
		return fmt.Errorf("%w: at least one track is required", ErrInvalidConfig)
	}
	if c.GlobalMaxConcurrent <= 0 {
		return fmt.Errorf("%w: global_max_concurrent must be positive, got %d", ErrInvalidConfig, c.GlobalMaxConcurrent)
	}
	if utils.ValidatePositiveFloat(c.GlobalRateLimitPerSecond) != nil {
		return fmt.Errorf("%w: global_rate_limit_per_second must be positive, got %v", ErrInvalidConfig, c.GlobalRateLimitPerSecond)
	}
	if c.ShutdownGrace < 0 || c.ResultBufferSize < 0 || c.DBPoolSize < 0 {
		return fmt.Errorf("%w: shutdown_grace, result_buffer_size and db_pool_size cannot be negative", ErrInvalidConfig)
	}

	ids := make(map[string]models.AssetType, len(c.Tracks))
	for asset, tc := range c.Tracks {
		if err := tc.Validate(); err != nil {
			return err
		}
		if tc.AssetType != asset {
			return fmt.Errorf("%w: track %s is keyed by %s but serves %s", ErrInvalidConfig, tc.TrackID, asset, tc.AssetType)
		}
		if other, dup := ids[tc.TrackID]; dup {
			return fmt.Errorf("%w: track id %s used by %s and %s", ErrInvalidConfig, tc.TrackID, other, asset)
		}
		ids[tc.TrackID] = asset
	}

	if sum := c.TotalTrackConcurrency(); c.GlobalMaxConcurrent < sum {
		c.GlobalMaxConcurrent = sum
		c.raised = true
	}

	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ResultBufferSize == 0 {
		c.ResultBufferSize = DefaultResultBufferSize
	}
	if c.DBPoolSize == 0 {
		c.DBPoolSize = DefaultDBPoolSize
	}
	return nil
}

// Raised сообщает, был ли глобальный лимит поднят при нормализации
func (c *DispatcherConfig) Raised() bool {
	return c.raised
}

// TotalTrackConcurrency - сумма MaxConcurrent всех треков
func (c *DispatcherConfig) TotalTrackConcurrency() int {
	sum := 0
	for _, tc := range c.Tracks {
		sum += tc.MaxConcurrent
	}
	return sum
}

// Assets возвращает активы с треками в детерминированном порядке
func (c *DispatcherConfig) Assets() []models.AssetType {
	assets := make([]models.AssetType, 0, len(c.Tracks))
	for a := range c.Tracks {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	return assets
}
