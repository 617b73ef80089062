package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Максимальный размер тела ответа брокера
const maxBrokerResponse = 1 << 20

// brokerOrder - тело запроса POST {endpoint}/orders
type brokerOrder struct {
	ClientOrderID string            `json:"client_order_id"`
	Asset         string            `json:"asset"`
	Type          string            `json:"type"`
	Side          string            `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Price         *decimal.Decimal  `json:"price,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// brokerFill - успешный ответ брокера
type brokerFill struct {
	ExternalID     string          `json:"external_id"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

type brokerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPBroker - исполнитель, передающий ордера внешнему брокеру по HTTP/JSON
//
// 2xx - исполнено; 429 и 5xx - временный сбой (можно повторить);
// прочие 4xx - отказ брокера без повтора.
type HTTPBroker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPBroker создаёт мост к брокеру; client == nil - клиент по умолчанию
func NewHTTPBroker(endpoint string, client *http.Client) (*HTTPBroker, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("broker endpoint must be an http(s) URL, got %q", endpoint)
	}
	if client == nil {
		client = NewHTTPClient(DefaultHTTPClientConfig())
	}
	return &HTTPBroker{endpoint: endpoint, client: client}, nil
}

// Execute реализует dispatcher.Executor
func (b *HTTPBroker) Execute(ctx context.Context, order models.OrderSnapshot) (*models.ExecutionReport, error) {
	payload := brokerOrder{
		ClientOrderID: order.ID,
		Asset:         string(order.AssetType),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Quantity:      order.Quantity,
		Metadata:      order.Metadata,
	}
	if order.Price.Valid {
		price := order.Price.Decimal
		payload.Price = &price
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode order %s: %w", order.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", order.ID)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExchangeError{Venue: VenueHTTP, Code: CodeTransport, Message: "request failed", Temporary: true, Original: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBrokerResponse))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExchangeError{Venue: VenueHTTP, Code: CodeTransport, Message: "read response", Temporary: true, Original: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var fill brokerFill
		if err := json.Unmarshal(data, &fill); err != nil {
			return nil, &ExchangeError{Venue: VenueHTTP, Code: CodeTransport, Message: "decode fill", Original: err}
		}
		executedAt := fill.ExecutedAt
		if executedAt.IsZero() {
			executedAt = time.Now()
		}
		return &models.ExecutionReport{
			ExternalID:     fill.ExternalID,
			FilledQuantity: fill.FilledQuantity,
			AveragePrice:   fill.AveragePrice,
			Venue:          VenueHTTP,
			ExecutedAt:     executedAt,
		}, nil
	}

	return nil, statusError(resp.StatusCode, data)
}

// statusError переводит неуспешный HTTP статус в ExchangeError
func statusError(status int, body []byte) *ExchangeError {
	var be brokerError
	_ = json.Unmarshal(body, &be)
	if be.Message == "" {
		be.Message = http.StatusText(status)
	}

	e := &ExchangeError{Venue: VenueHTTP, Message: fmt.Sprintf("%d %s", status, be.Message)}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		e.Code = CodeUnavailable
		e.Temporary = true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Code = CodeInvalidOrder
	default:
		e.Code = CodeRejected
	}
	if be.Code != "" {
		e.Code = be.Code
	}
	return e
}

// Close закрывает idle соединения
func (b *HTTPBroker) Close() {
	closeIdle(b.client)
}
