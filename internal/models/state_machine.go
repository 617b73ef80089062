package models

// OrderStatus - состояние ордера в жизненном цикле
type OrderStatus string

// Состояния ордера (state machine)
const (
	StatusPending    OrderStatus = "PENDING"    // создан, ещё не принят треком
	StatusQueued     OrderStatus = "QUEUED"     // в очереди трека
	StatusProcessing OrderStatus = "PROCESSING" // исполняется воркером
	StatusExecuted   OrderStatus = "EXECUTED"   // исполнен
	StatusFailed     OrderStatus = "FAILED"     // ошибка исполнения или лимита
	StatusCancelled  OrderStatus = "CANCELLED"  // отменён до начала исполнения
	StatusRejected   OrderStatus = "REJECTED"   // не принят (валидация, очередь, маршрут)
)

// ValidTransitions определяет допустимые переходы между состояниями
// Терминальные состояния переходов не имеют.
var ValidTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusQueued, StatusRejected},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusExecuted, StatusFailed},
	StatusExecuted:   {},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusRejected:   {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to OrderStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для конечных состояний
func (s OrderStatus) IsTerminal() bool {
	allowed, ok := ValidTransitions[s]
	return ok && len(allowed) == 0
}

func (s OrderStatus) IsValid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// StatusInfo возвращает описание состояния для API
func StatusInfo(s OrderStatus) string {
	switch s {
	case StatusPending:
		return "Ордер создан"
	case StatusQueued:
		return "Ордер в очереди трека"
	case StatusProcessing:
		return "Ордер исполняется"
	case StatusExecuted:
		return "Ордер исполнен"
	case StatusFailed:
		return "Ошибка исполнения"
	case StatusCancelled:
		return "Ордер отменён"
	case StatusRejected:
		return "Ордер отклонён"
	default:
		return "Неизвестное состояние"
	}
}
