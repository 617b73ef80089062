package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/models"
)

// ============================================================
// OrderResultRepository Tests
// ============================================================

var recordColumns = []string{
	"id", "order_id", "track_id", "asset_type", "side", "order_type", "quantity", "price", "status",
	"error_code", "message", "execution_time_ms", "created_at", "completed_at",
}

func newMockRepo(t *testing.T) (*OrderResultRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	return NewOrderResultRepository(db), mock, func() { db.Close() }
}

func TestNewOrderResultRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewOrderResultRepository(db)
	if repo == nil || repo.db != db {
		t.Fatal("db not set correctly")
	}
}

func TestOrderResultRepository_EnsureSchema(t *testing.T) {
	repo, mock, closeDB := newMockRepo(t)
	defer closeDB()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS order_results`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOrderResultRepository_Create(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(15 * time.Millisecond)

	tests := []struct {
		name        string
		rec         *models.OrderRecord
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
		wantID      int64
	}{
		{
			name: "executed limit order",
			rec: &models.OrderRecord{
				OrderID:         "o-1",
				TrackID:         "EUR-TRACK",
				AssetType:       models.AssetEUR,
				Side:            models.SideBuy,
				Type:            models.OrderTypeLimit,
				Quantity:        decimal.RequireFromString("2.5"),
				Price:           decimal.NewNullDecimal(decimal.RequireFromString("1.09")),
				Status:          models.StatusExecuted,
				ExecutionTimeMs: 15,
				CreatedAt:       created,
				CompletedAt:     completed,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO order_results`).
					WithArgs("o-1", "EUR-TRACK", "EUR", "BUY", "LIMIT", "2.5", "1.09", "EXECUTED", "", "", int64(15), created, completed).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
			},
			wantID: 7,
		},
		{
			name: "rejection without price",
			rec: &models.OrderRecord{
				OrderID:   "o-2",
				AssetType: models.AssetUSD,
				Side:      models.SideSell,
				Type:      models.OrderTypeMarket,
				Quantity:  decimal.NewFromInt(1),
				Status:    models.StatusRejected,
				ErrorCode: models.ErrCodeUnsupportedAsset,
				Message:   "no track for asset USD",
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO order_results`).
					WithArgs("o-2", "", "USD", "SELL", "MARKET", "1", nil, "REJECTED", "UNSUPPORTED_ASSET",
						"no track for asset USD", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
			},
			wantID: 8,
		},
		{
			name: "database error",
			rec:  &models.OrderRecord{OrderID: "o-3"},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO order_results`).WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, closeDB := newMockRepo(t)
			defer closeDB()
			tt.mockSetup(mock)

			err := repo.Create(context.Background(), tt.rec)
			if (err != nil) != tt.expectError {
				t.Fatalf("expected error: %v, got: %v", tt.expectError, err)
			}
			if !tt.expectError && tt.rec.ID != tt.wantID {
				t.Errorf("expected ID %d, got %d", tt.wantID, tt.rec.ID)
			}
			if !tt.rec.CompletedAt.IsZero() && tt.rec.CreatedAt.IsZero() {
				t.Error("CreatedAt must default to CompletedAt")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestOrderResultRepository_GetByOrderID(t *testing.T) {
	now := time.Now().UTC()

	t.Run("found", func(t *testing.T) {
		repo, mock, closeDB := newMockRepo(t)
		defer closeDB()

		mock.ExpectQuery(`SELECT .+ FROM order_results\s+WHERE order_id = \$1`).
			WithArgs("o-1").
			WillReturnRows(sqlmock.NewRows(recordColumns).AddRow(
				int64(7), "o-1", "BTC-TRACK", "BTC", "BUY", "MARKET", "0.5", nil, "FAILED",
				"TIMEOUT", "execution exceeded 5s", int64(5001), now, now,
			))

		rec, err := repo.GetByOrderID(context.Background(), "o-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.ID != 7 || rec.AssetType != models.AssetBTC || rec.Status != models.StatusFailed || rec.ErrorCode != models.ErrCodeTimeout {
			t.Errorf("unexpected record: %+v", rec)
		}
		if !rec.Quantity.Equal(decimal.RequireFromString("0.5")) || rec.Price.Valid {
			t.Errorf("unexpected decimals: qty=%s price=%v", rec.Quantity, rec.Price)
		}
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock, closeDB := newMockRepo(t)
		defer closeDB()

		mock.ExpectQuery(`SELECT .+ FROM order_results`).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		if _, err := repo.GetByOrderID(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestOrderResultRepository_GetRecentAndByTrack(t *testing.T) {
	now := time.Now().UTC()
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(recordColumns).
			AddRow(int64(2), "o-2", "EUR-TRACK", "EUR", "SELL", "LIMIT", "1", "1.1", "EXECUTED", "", "", int64(3), now, now).
			AddRow(int64(1), "o-1", "EUR-TRACK", "EUR", "BUY", "MARKET", "2", nil, "CANCELLED", "CANCELLED", "cancelled by request", int64(1), now, now)
	}

	repo, mock, closeDB := newMockRepo(t)
	defer closeDB()

	mock.ExpectQuery(`SELECT .+ FROM order_results\s+ORDER BY completed_at DESC\s+LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(rows())
	mock.ExpectQuery(`SELECT .+ FROM order_results\s+WHERE track_id = \$1`).
		WithArgs("EUR-TRACK", 5).
		WillReturnRows(rows())

	recent, err := repo.GetRecent(context.Background(), 10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("GetRecent: %v, %d records", err, len(recent))
	}
	if !recent[0].Price.Valid || recent[1].Price.Valid {
		t.Error("price nullability not preserved")
	}

	byTrack, err := repo.GetByTrack(context.Background(), "EUR-TRACK", 5)
	if err != nil || len(byTrack) != 2 {
		t.Fatalf("GetByTrack: %v, %d records", err, len(byTrack))
	}
	if byTrack[1].Status != models.StatusCancelled {
		t.Errorf("unexpected status %s", byTrack[1].Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOrderResultRepository_CountByStatus(t *testing.T) {
	repo, mock, closeDB := newMockRepo(t)
	defer closeDB()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM order_results GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("EXECUTED", int64(40)).
			AddRow("REJECTED", int64(3)))

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[models.StatusExecuted] != 40 || counts[models.StatusRejected] != 3 || len(counts) != 2 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestOrderResultRepository_DeleteOlderThan(t *testing.T) {
	repo, mock, closeDB := newMockRepo(t)
	defer closeDB()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM order_results WHERE completed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil || n != 12 {
		t.Errorf("expected 12 deleted, got %d (%v)", n, err)
	}
}

// ============================================================
// Journal Tests
// ============================================================

func TestJournal_OnResult(t *testing.T) {
	repo, mock, closeDB := newMockRepo(t)
	defer closeDB()
	journal := NewJournal(repo)

	if journal.Name() != "postgres-journal" {
		t.Errorf("unexpected name %q", journal.Name())
	}

	created := time.Now().UTC()
	order := models.OrderSnapshot{
		ID:        "o-9",
		AssetType: models.AssetGBP,
		Type:      models.OrderTypeMarket,
		Side:      models.SideBuy,
		Quantity:  decimal.NewFromInt(3),
		CreatedAt: created,
	}
	result := models.NewFailedResult("o-9", "GBP-TRACK", models.StatusFailed,
		models.ErrCodeExecutionFailed, "venue down", 42)

	mock.ExpectQuery(`INSERT INTO order_results`).
		WithArgs("o-9", "GBP-TRACK", "GBP", "BUY", "MARKET", "3", nil, "FAILED", "EXECUTION_FAILED",
			"venue down", int64(42), created, result.CompletedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	if err := journal.OnResult(context.Background(), order, result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectQuery(`INSERT INTO order_results`).WillReturnError(errors.New("connection reset"))
	if err := journal.OnResult(context.Background(), order, result); err == nil {
		t.Error("expected wrapped repository error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
