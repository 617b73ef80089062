package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/models"
	"orderdispatch/internal/repository"
	"orderdispatch/pkg/utils"
)

// Лимиты выборок журнала
const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
	maxOrderIDLength   = 64
)

// OrderDispatcher - операции диспетчера, нужные API ордеров
type OrderDispatcher interface {
	Dispatch(ctx context.Context, order *models.Order) *models.OrderResult
	DispatchAsync(order *models.Order) (<-chan *models.OrderResult, *models.OrderResult)
	Cancel(orderID string) bool
}

// OrderJournal - чтение журнала исполнения
type OrderJournal interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.OrderRecord, error)
	GetRecent(ctx context.Context, limit int) ([]*models.OrderRecord, error)
	GetByTrack(ctx context.Context, trackID string, limit int) ([]*models.OrderRecord, error)
}

// OrderHandler отвечает за приём и отмену ордеров
//
// Функции:
// - Отправка ордера с ожиданием итога (POST /api/v1/orders)
// - Постановка в очередь без ожидания (POST /api/v1/orders?async=true)
// - Отмена ордера в очереди (DELETE /api/v1/orders/{id})
// - Чтение журнала (GET /api/v1/orders, GET /api/v1/orders/{id}), если журнал подключён
type OrderHandler struct {
	dispatcher OrderDispatcher
	journal    OrderJournal
}

// NewOrderHandler создает новый OrderHandler
// journal может быть nil, если журнал в PostgreSQL отключён.
func NewOrderHandler(dispatcher OrderDispatcher, journal OrderJournal) *OrderHandler {
	return &OrderHandler{dispatcher: dispatcher, journal: journal}
}

// CreateOrderRequest - тело POST /api/v1/orders
type CreateOrderRequest struct {
	ID        string              `json:"id,omitempty"`
	AssetType string              `json:"asset_type"`
	Type      string              `json:"order_type"`
	Side      string              `json:"side"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// toOrder собирает ордер из запроса
// Инварианты ордера проверяет диспетчер, чтобы отказ попал в метрики и журнал.
func (req *CreateOrderRequest) toOrder() *models.Order {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	return &models.Order{
		ID:        id,
		AssetType: models.AssetType(utils.NormalizeAssetCode(req.AssetType)),
		Type:      models.OrderType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Side:      models.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side))),
		Quantity:  req.Quantity,
		Price:     req.Price,
		CreatedAt: time.Now(),
		Metadata:  req.Metadata,
	}
}

// CreateOrder отправляет ордер в диспетчер
// POST /api/v1/orders[?async=true]
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(models.ErrCodeValidationFailed), "invalid request body", err.Error())
		return
	}
	if len(req.ID) > maxOrderIDLength {
		respondError(w, http.StatusBadRequest, string(models.ErrCodeValidationFailed), "order id too long", "")
		return
	}

	order := req.toOrder()

	if r.URL.Query().Get("async") == "true" {
		_, rejected := h.dispatcher.DispatchAsync(order)
		if rejected != nil {
			respondJSON(w, StatusCodeFor(rejected), rejected)
			return
		}
		respondJSON(w, http.StatusAccepted, SuccessResponse{
			Message: "order queued",
			Data:    map[string]string{"order_id": order.ID},
		})
		return
	}

	result := h.dispatcher.Dispatch(r.Context(), order)
	respondJSON(w, StatusCodeFor(result), result)
}

// CancelOrder отменяет ордер, пока он в очереди
// DELETE /api/v1/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !h.dispatcher.Cancel(id) {
		respondError(w, http.StatusConflict, string(models.ErrCodeCancelled),
			"order is not queued", "order is unknown, already processing or finished")
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{
		Message: "order cancelled",
		Data:    map[string]string{"order_id": id},
	})
}

// GetOrder возвращает последнюю запись журнала по ордеру
// GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.journal.GetByOrderID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "", "order not found", "")
			return
		}
		respondError(w, http.StatusInternalServerError, string(models.ErrCodeInternal), "journal lookup failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ListOrders возвращает последние записи журнала
// GET /api/v1/orders[?track=EUR-TRACK][&limit=N]
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultRecentLimit, maxRecentLimit)

	var (
		records []*models.OrderRecord
		err     error
	)
	if track := r.URL.Query().Get("track"); track != "" {
		records, err = h.journal.GetByTrack(r.Context(), track, limit)
	} else {
		records, err = h.journal.GetRecent(r.Context(), limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, string(models.ErrCodeInternal), "journal lookup failed", err.Error())
		return
	}
	if records == nil {
		records = []*models.OrderRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// StatusCodeFor отображает итог ордера в HTTP статус
func StatusCodeFor(r *models.OrderResult) int {
	if r.Success {
		return http.StatusOK
	}

	switch r.ErrorCode {
	case models.ErrCodeValidationFailed, models.ErrCodeUnsupportedAsset:
		return http.StatusUnprocessableEntity
	case models.ErrCodeRateLimitExceeded, models.ErrCodeQueueFull, models.ErrCodeConcurrencyLimitExceeded:
		return http.StatusTooManyRequests
	case models.ErrCodeDispatcherClosed, models.ErrCodeShutdown:
		return http.StatusServiceUnavailable
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case models.ErrCodeCancelled:
		return http.StatusConflict
	case models.ErrCodeExecutionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
