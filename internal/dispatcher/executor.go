package dispatcher

import (
	"context"

	"orderdispatch/internal/models"
)

// Executor - граница с брокером: исполняет один ордер
//
// Реализация обязана уважать ctx: по истечении дедлайна трека или при
// остановке вернуть ошибку. Трек держит permit'ы до возврата Execute.
type Executor interface {
	Execute(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error)
}

// ExecutorFunc адаптирует функцию к интерфейсу Executor
type ExecutorFunc func(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error)

func (f ExecutorFunc) Execute(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error) {
	return f(ctx, order)
}
