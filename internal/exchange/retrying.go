package exchange

import (
	"context"
	"time"

	"orderdispatch/internal/dispatcher"
	"orderdispatch/internal/models"
	"orderdispatch/pkg/retry"
	"orderdispatch/pkg/utils"
)

// RetryingExecutor повторяет временные ошибки площадки
//
// Повторы идут внутри одного вызова Execute и укладываются в дедлайн
// ордера: по его истечении возвращается последняя ошибка или ctx.Err().
// Повторяются только ExchangeError с Temporary == true.
type RetryingExecutor struct {
	inner  dispatcher.Executor
	policy retry.Config
	logger *utils.Logger
}

// NewRetryingExecutor оборачивает исполнителя политикой повторов
func NewRetryingExecutor(inner dispatcher.Executor, policy retry.Config, logger *utils.Logger) *RetryingExecutor {
	if logger == nil {
		logger = utils.L()
	}
	policy.RetryIf = IsTemporary
	return &RetryingExecutor{
		inner:  inner,
		policy: policy,
		logger: logger.WithComponent("retrying-executor"),
	}
}

// Execute реализует dispatcher.Executor
func (r *RetryingExecutor) Execute(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error) {
	policy := r.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("retrying order execution",
			utils.OrderID(order.ID),
			utils.Asset(string(order.AssetType)),
			utils.Int("attempt", attempt),
			utils.Duration("delay", delay),
			utils.Err(err),
		)
	}

	return retry.DoWithResult(ctx, func(ctx context.Context) (*models.ExecutionReport, error) {
		return r.inner.Execute(ctx, order)
	}, policy)
}

// Close освобождает ресурсы вложенного исполнителя
func (r *RetryingExecutor) Close() {
	if c, ok := r.inner.(interface{ Close() }); ok {
		c.Close()
	}
}
