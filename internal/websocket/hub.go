package websocket

import (
	"bytes"
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/atomic"

	"orderdispatch/internal/dispatcher"
	"orderdispatch/internal/models"
	"orderdispatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Размер очереди broadcast; при переполнении сообщения отбрасываются
const broadcastBufferSize = 256

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// StatusSource - источник снимков состояния (диспетчер)
type StatusSource interface {
	GetSystemStatus() dispatcher.SystemStatus
}

// Hub управляет всеми активными WebSocket соединениями
//
// Рассылает подписчикам итоги ордеров и снимки состояния диспетчера.
// Реализует dispatcher.ResultListener, поэтому подключается к диспетчеру
// как обычный слушатель результатов.
//
// Использование:
// 1. Создать hub: hub := NewHub(origins, logger)
// 2. Запустить в горутине: go hub.Run()
// 3. Передать в dispatcher.WithListeners(hub)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	// Отброшенные сообщения (переполнение broadcast)
	dropped atomic.Int64

	origins *OriginChecker
	logger  *utils.Logger

	mu sync.RWMutex
}

// NewHub создает новый Hub
// Пустой список origins разрешает любой Origin.
func NewHub(origins []string, logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(origins),
		logger:     logger.WithComponent("ws-hub"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Завершается после Stop, закрывая каналы всех клиентов.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", utils.Int("clients", total))

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// fanOut отправляет сообщение всем клиентам; медленные клиенты отключаются
func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) == 0 {
		return
	}

	h.mu.Lock()
	for _, client := range toRemove {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
}

// Stop завершает Run; повторные вызовы безопасны
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
// Не блокирует: при заполненной очереди сообщение отбрасывается.
func (h *Hub) Broadcast(message interface{}) bool {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.logger.Error("marshal broadcast message", utils.Err(err))
		return false
	}

	// Encode добавляет перевод строки
	data := bytes.TrimRight(buf.Bytes(), "\n")
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)

	return h.BroadcastRaw(msgCopy)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) bool {
	select {
	case h.broadcast <- data:
		return true
	default:
		h.dropped.Inc()
		return false
	}
}

// BroadcastStatus отправляет снимок состояния диспетчера
func (h *Hub) BroadcastStatus(status dispatcher.SystemStatus) bool {
	return h.Broadcast(NewStatusMessage(status))
}

// BroadcastShutdown отправляет отчёт об остановке
func (h *Hub) BroadcastShutdown(report dispatcher.ShutdownReport) bool {
	return h.Broadcast(NewShutdownMessage(report))
}

// StreamStatus периодически рассылает состояние source до отмены ctx
func (h *Hub) StreamStatus(ctx context.Context, interval time.Duration, source StatusSource) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.BroadcastStatus(source.GetSystemStatus())
		}
	}
}

// Name реализует dispatcher.ResultListener
func (h *Hub) Name() string {
	return "websocket-hub"
}

// OnResult реализует dispatcher.ResultListener
// Переполнение очереди рассылки не считается ошибкой слушателя.
func (h *Hub) OnResult(_ context.Context, order models.OrderSnapshot, result *models.OrderResult) error {
	h.Broadcast(NewOrderResultMessage(order, result))
	return nil
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число отброшенных сообщений
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
