package events

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/config"
	"orderdispatch/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// messageWriter - часть kafka.Writer, нужная публикатору
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ResultEvent - событие об итоге ордера в топике результатов
type ResultEvent struct {
	OrderID         string                  `json:"order_id"`
	TrackID         string                  `json:"track_id,omitempty"`
	AssetType       models.AssetType        `json:"asset_type,omitempty"`
	Side            models.OrderSide        `json:"side,omitempty"`
	Type            models.OrderType        `json:"order_type,omitempty"`
	Quantity        decimal.Decimal         `json:"quantity"`
	Price           decimal.NullDecimal     `json:"price"`
	Success         bool                    `json:"success"`
	Status          models.OrderStatus      `json:"status"`
	ErrorCode       models.ErrorCode        `json:"error_code,omitempty"`
	Message         string                  `json:"message"`
	ExecutionTimeMs int64                   `json:"execution_time_ms"`
	Report          *models.ExecutionReport `json:"report,omitempty"`
	CompletedAt     time.Time               `json:"completed_at"`
}

// NewResultEvent собирает событие из снимка ордера и итога
func NewResultEvent(order models.OrderSnapshot, result *models.OrderResult) ResultEvent {
	return ResultEvent{
		OrderID:         result.OrderID,
		TrackID:         result.TrackID,
		AssetType:       order.AssetType,
		Side:            order.Side,
		Type:            order.Type,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Success:         result.Success,
		Status:          result.Status,
		ErrorCode:       result.ErrorCode,
		Message:         result.Message,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Report:          result.Report,
		CompletedAt:     result.CompletedAt,
	}
}

// Publisher - слушатель результатов, публикующий их в Kafka
//
// Ключ сообщения - идентификатор ордера, поэтому все события одного ордера
// попадают в одну партицию.
type Publisher struct {
	writer messageWriter
	topic  string
}

// NewPublisher создаёт публикатор по конфигурации
func NewPublisher(cfg config.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: empty topic")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: batchTimeout,
	}, cfg.Topic), nil
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

// Name реализует dispatcher.ResultListener
func (p *Publisher) Name() string {
	return "kafka:" + p.topic
}

// OnResult реализует dispatcher.ResultListener
func (p *Publisher) OnResult(ctx context.Context, order models.OrderSnapshot, result *models.OrderResult) error {
	payload, err := json.Marshal(NewResultEvent(order, result))
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.OrderID, err)
	}

	msg := kafka.Message{
		Key:   []byte(result.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(result.Status)},
			{Key: "asset", Value: []byte(order.AssetType)},
		},
		Time: result.CompletedAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish result %s: %w", result.OrderID, err)
	}
	return nil
}

// Close сбрасывает буферы и закрывает соединения с брокерами
func (p *Publisher) Close() error {
	return p.writer.Close()
}
