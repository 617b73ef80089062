package repository

import (
	"context"
	"fmt"

	"orderdispatch/internal/models"
)

// Journal - слушатель результатов диспетчера, пишущий их в order_results
type Journal struct {
	repo *OrderResultRepository
}

// NewJournal создаёт слушателя поверх репозитория
func NewJournal(repo *OrderResultRepository) *Journal {
	return &Journal{repo: repo}
}

// Name реализует dispatcher.ResultListener
func (j *Journal) Name() string {
	return "postgres-journal"
}

// OnResult реализует dispatcher.ResultListener
func (j *Journal) OnResult(ctx context.Context, order models.OrderSnapshot, result *models.OrderResult) error {
	rec := NewOrderRecord(order, result)
	if err := j.repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("journal order %s: %w", result.OrderID, err)
	}
	return nil
}

// NewOrderRecord собирает строку журнала из снимка ордера и его итога
// Для отказов без ордера (nil order) поля ордера остаются пустыми.
func NewOrderRecord(order models.OrderSnapshot, result *models.OrderResult) *models.OrderRecord {
	return &models.OrderRecord{
		OrderID:         result.OrderID,
		TrackID:         result.TrackID,
		AssetType:       order.AssetType,
		Side:            order.Side,
		Type:            order.Type,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Status:          result.Status,
		ErrorCode:       result.ErrorCode,
		Message:         result.Message,
		ExecutionTimeMs: result.ExecutionTimeMs,
		CreatedAt:       order.CreatedAt,
		CompletedAt:     result.CompletedAt,
	}
}
