package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"orderdispatch/internal/models"
)

// Ошибки журнала исполнения
var (
	ErrOrderNotFound = errors.New("order result not found")
)

// Схема журнала; создаётся при старте, если таблицы нет
const orderResultsSchema = `
	CREATE TABLE IF NOT EXISTS order_results (
		id                BIGSERIAL PRIMARY KEY,
		order_id          VARCHAR(64) NOT NULL,
		track_id          VARCHAR(64) NOT NULL DEFAULT '',
		asset_type        VARCHAR(8)  NOT NULL,
		side              VARCHAR(8)  NOT NULL,
		order_type        VARCHAR(8)  NOT NULL,
		quantity          NUMERIC     NOT NULL,
		price             NUMERIC,
		status            VARCHAR(16) NOT NULL,
		error_code        VARCHAR(32) NOT NULL DEFAULT '',
		message           TEXT        NOT NULL DEFAULT '',
		execution_time_ms BIGINT      NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL,
		completed_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_results_order_id ON order_results (order_id);
	CREATE INDEX IF NOT EXISTS idx_order_results_completed_at ON order_results (completed_at)`

const orderResultColumns = `id, order_id, track_id, asset_type, side, order_type, quantity, price, status,
		error_code, message, execution_time_ms, created_at, completed_at`

// OrderResultRepository - работа с таблицей order_results
//
// Журнал только дополняется: одна строка на итог ордера. Повторная
// запись того же order_id (например, отказ с дублирующим id) даёт новую строку.
type OrderResultRepository struct {
	db *sql.DB
}

// NewOrderResultRepository создает новый экземпляр репозитория
func NewOrderResultRepository(db *sql.DB) *OrderResultRepository {
	return &OrderResultRepository{db: db}
}

// EnsureSchema создаёт таблицу и индексы
func (r *OrderResultRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, orderResultsSchema)
	return err
}

// Create записывает итог ордера
func (r *OrderResultRepository) Create(ctx context.Context, rec *models.OrderRecord) error {
	query := `
		INSERT INTO order_results (order_id, track_id, asset_type, side, order_type, quantity, price, status,
			error_code, message, execution_time_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.CompletedAt
	}

	return r.db.QueryRowContext(ctx, query,
		rec.OrderID,
		rec.TrackID,
		rec.AssetType,
		rec.Side,
		rec.Type,
		rec.Quantity,
		rec.Price,
		rec.Status,
		rec.ErrorCode,
		rec.Message,
		rec.ExecutionTimeMs,
		rec.CreatedAt,
		rec.CompletedAt,
	).Scan(&rec.ID)
}

// GetByOrderID возвращает последнюю запись по идентификатору ордера
func (r *OrderResultRepository) GetByOrderID(ctx context.Context, orderID string) (*models.OrderRecord, error) {
	query := `SELECT ` + orderResultColumns + `
		FROM order_results
		WHERE order_id = $1
		ORDER BY id DESC
		LIMIT 1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return rec, nil
}

// GetRecent возвращает последние N записей
func (r *OrderResultRepository) GetRecent(ctx context.Context, limit int) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderResultColumns + `
		FROM order_results
		ORDER BY completed_at DESC
		LIMIT $1`

	return r.queryRecords(ctx, query, limit)
}

// GetByTrack возвращает последние N записей трека
func (r *OrderResultRepository) GetByTrack(ctx context.Context, trackID string, limit int) ([]*models.OrderRecord, error) {
	query := `SELECT ` + orderResultColumns + `
		FROM order_results
		WHERE track_id = $1
		ORDER BY completed_at DESC
		LIMIT $2`

	return r.queryRecords(ctx, query, trackID, limit)
}

// CountByStatus возвращает количество записей по итоговым статусам
func (r *OrderResultRepository) CountByStatus(ctx context.Context) (map[models.OrderStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM order_results GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.OrderStatus]int64)
	for rows.Next() {
		var (
			status models.OrderStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan удаляет записи, завершённые раньше указанного момента
func (r *OrderResultRepository) DeleteOlderThan(ctx context.Context, ts time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM order_results WHERE completed_at < $1`, ts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *OrderResultRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.OrderRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.OrderRecord, error) {
	rec := &models.OrderRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.TrackID,
		&rec.AssetType,
		&rec.Side,
		&rec.Type,
		&rec.Quantity,
		&rec.Price,
		&rec.Status,
		&rec.ErrorCode,
		&rec.Message,
		&rec.ExecutionTimeMs,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
