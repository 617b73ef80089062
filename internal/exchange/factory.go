package exchange

import (
	"fmt"
	"strings"

	"orderdispatch/internal/config"
	"orderdispatch/internal/dispatcher"
	"orderdispatch/pkg/retry"
	"orderdispatch/pkg/utils"
)

// SupportedVenues - список поддерживаемых площадок
var SupportedVenues = []string{VenuePaper, VenueHTTP}

// NewExecutor создаёт исполнителя по конфигурации
// При MaxRetries > 0 исполнитель оборачивается политикой повторов.
func NewExecutor(cfg config.ExecutorConfig, logger *utils.Logger) (dispatcher.Executor, error) {
	var exec dispatcher.Executor

	switch strings.ToLower(cfg.Venue) {
	case VenuePaper:
		paper := NewPaperExchange(PaperConfig{
			MinLatency:  cfg.MinLatency,
			MaxLatency:  cfg.MaxLatency,
			FailureRate: cfg.FailureRate,
		}, nil)
		for asset, price := range cfg.ReferencePrices {
			paper.SetReferencePrice(asset, price)
		}
		exec = paper
	case VenueHTTP:
		broker, err := NewHTTPBroker(cfg.Endpoint, nil)
		if err != nil {
			return nil, err
		}
		exec = broker
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVenue, cfg.Venue)
	}

	if cfg.MaxRetries > 0 {
		exec = NewRetryingExecutor(exec, retry.WithRetries(cfg.MaxRetries, cfg.RetryBackoff), logger)
	}
	return exec, nil
}

// IsSupported проверяет, поддерживается ли площадка
func IsSupported(venue string) bool {
	venue = strings.ToLower(venue)
	for _, supported := range SupportedVenues {
		if venue == supported {
			return true
		}
	}
	return false
}
