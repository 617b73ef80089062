package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderdispatch/internal/api/handlers"
	"orderdispatch/internal/api/middleware"
	"orderdispatch/internal/dispatcher"
	"orderdispatch/pkg/utils"
)

// Dispatcher - операции диспетчера, которые публикует API
type Dispatcher interface {
	handlers.OrderDispatcher
	handlers.StatusSource
	Metrics() *dispatcher.MetricsCollector
}

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Dispatcher Dispatcher

	// Необязательные зависимости; nil отключает соответствующие маршруты
	Journal  handlers.OrderJournal
	Stream   http.Handler // WebSocket поток результатов
	Gatherer prometheus.Gatherer
	Tokens   middleware.TokenChecker

	AllowedOrigins []string
	Logger         *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (Auth, если задан Tokens)
//
//	├── POST   /orders        - отправить ордер (?async=true без ожидания)
//	├── GET    /orders        - последние записи журнала (?track=, ?limit=)
//	├── GET    /orders/{id}   - запись журнала по ордеру
//	├── DELETE /orders/{id}   - отменить ордер в очереди
//	├── GET    /status        - состояние треков и лимитов
//	└── GET    /metrics       - счётчики в JSON
//
// /ws/stream - WebSocket поток итогов и состояния
// /metrics   - Prometheus
// /health    - 200, пока диспетчер принимает ордера
//
// Middleware применяется в следующем порядке: CORS, Recovery, Logging, Auth.
func SetupRoutes(deps *Dependencies) http.Handler {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))

	orderHandler := handlers.NewOrderHandler(deps.Dispatcher, deps.Journal)
	statusHandler := handlers.NewStatusHandler(deps.Dispatcher, deps.Dispatcher.Metrics())

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.Tokens))

	api.HandleFunc("/orders", orderHandler.CreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", orderHandler.CancelOrder).Methods("DELETE")
	if deps.Journal != nil {
		api.HandleFunc("/orders", orderHandler.ListOrders).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
	}

	api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
	api.HandleFunc("/metrics", statusHandler.GetMetrics).Methods("GET")

	if deps.Stream != nil {
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(middleware.Auth(deps.Tokens))
		ws.Handle("/stream", deps.Stream).Methods("GET")
	}

	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	router.HandleFunc("/health", statusHandler.Health).Methods("GET")

	return middleware.CORS(deps.AllowedOrigins)(router)
}
