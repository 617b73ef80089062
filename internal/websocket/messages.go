package websocket

import (
	"time"

	"orderdispatch/internal/dispatcher"
	"orderdispatch/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeOrderResult - итог обработки ордера
	// Отправляется для каждого ордера, включая отказы на входе
	MessageTypeOrderResult MessageType = "orderResult"

	// MessageTypeStatus - снимок состояния диспетчера и треков
	// Отправляется периодически, пока поток статуса запущен
	MessageTypeStatus MessageType = "status"

	// MessageTypeShutdown - итог остановки диспетчера
	MessageTypeShutdown MessageType = "shutdown"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderResultMessage - итог ордера вместе со снимком самого ордера
//
// Для отказов без ордера (nil на входе) Order содержит только нулевые поля.
type OrderResultMessage struct {
	BaseMessage
	Order  models.OrderSnapshot `json:"order"`
	Result *models.OrderResult  `json:"result"`
}

// StatusMessage - снимок состояния диспетчера
type StatusMessage struct {
	BaseMessage
	Data dispatcher.SystemStatus `json:"data"`
}

// ShutdownMessage - отчёт об остановке
type ShutdownMessage struct {
	BaseMessage
	Data dispatcher.ShutdownReport `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

// NewOrderResultMessage создает сообщение с итогом ордера
func NewOrderResultMessage(order models.OrderSnapshot, result *models.OrderResult) *OrderResultMessage {
	return &OrderResultMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeOrderResult,
			Timestamp: time.Now(),
		},
		Order:  order,
		Result: result,
	}
}

// NewStatusMessage создает сообщение со снимком состояния
func NewStatusMessage(status dispatcher.SystemStatus) *StatusMessage {
	return &StatusMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeStatus,
			Timestamp: time.Now(),
		},
		Data: status,
	}
}

// NewShutdownMessage создает сообщение об остановке
func NewShutdownMessage(report dispatcher.ShutdownReport) *ShutdownMessage {
	return &ShutdownMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeShutdown,
			Timestamp: time.Now(),
		},
		Data: report,
	}
}
