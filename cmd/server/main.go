package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"orderdispatch/internal/api"
	"orderdispatch/internal/config"
	"orderdispatch/internal/dispatcher"
	"orderdispatch/internal/events"
	"orderdispatch/internal/exchange"
	"orderdispatch/internal/repository"
	"orderdispatch/internal/websocket"
	"orderdispatch/pkg/crypto"
	"orderdispatch/pkg/utils"
)

// Интервал рассылки состояния подписчикам /ws/stream
const statusStreamInterval = time.Second

// Время на остановку HTTP сервера после остановки диспетчера
const httpShutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orderdispatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ============================================================
	// Конфигурация и логгер
	// ============================================================
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	// ============================================================
	// Слушатели результатов
	// ============================================================
	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	go hub.Run()
	defer hub.Stop()

	listeners := []dispatcher.ResultListener{hub}

	var journalRepo *repository.OrderResultRepository
	if cfg.Database.Enabled {
		db, err := initDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		journalRepo = repository.NewOrderResultRepository(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = journalRepo.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		listeners = append(listeners, repository.NewJournal(journalRepo))
		logger.Info("order journal enabled", utils.String("db", cfg.Database.Name))
	}

	if cfg.Kafka.Enabled {
		publisher, err := events.NewPublisher(cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()
		listeners = append(listeners, publisher)
		logger.Info("kafka publisher enabled",
			utils.String("topic", cfg.Kafka.Topic),
			utils.Any("brokers", cfg.Kafka.Brokers),
		)
	}

	// ============================================================
	// Исполнитель и диспетчер
	// ============================================================
	executor, err := exchange.NewExecutor(cfg.Executor, logger)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	if closer, ok := executor.(interface{ Close() }); ok {
		defer closer.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d, err := dispatcher.New(&cfg.Dispatcher, executor,
		dispatcher.WithLogger(logger),
		dispatcher.WithRegisterer(registry),
		dispatcher.WithListeners(listeners...),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	go hub.StreamStatus(streamCtx, statusStreamInterval, d)

	// ============================================================
	// HTTP API
	// ============================================================
	deps := &api.Dependencies{
		Dispatcher:     d,
		Stream:         http.HandlerFunc(hub.ServeWS),
		Gatherer:       registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if journalRepo != nil {
		deps.Journal = journalRepo
	}
	if cfg.Security.AuthEnabled {
		verifier, err := crypto.NewTokenVerifier(cfg.Security.APITokenHash)
		if err != nil {
			return fmt.Errorf("api token: %w", err)
		}
		deps.Tokens = verifier
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.SetupRoutes(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: maxTrackTimeout(&cfg.Dispatcher) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			utils.String("addr", server.Addr),
			utils.Bool("https", cfg.Server.UseHTTPS),
		)
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// ============================================================
	// Ожидание сигнала и остановка
	// ============================================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", utils.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Диспетчер останавливается первым: новые ордера получают DISPATCHER_CLOSED,
	// а ожидающие HTTP запросы успевают получить итог.
	report, err := d.ShutdownAll(context.Background())
	hub.BroadcastShutdown(report)
	if err != nil {
		logger.Warn("dispatcher shutdown forced",
			utils.Err(err),
			utils.Int("force_failed", len(report.ForceFailed)),
			utils.Int("cancelled", len(report.Cancelled)),
		)
	}

	stopStream()
	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown", utils.Err(err))
	}

	logger.Info("server exited", utils.Duration("shutdown", report.Duration))
	return runErr
}

// maxTrackTimeout - самый долгий таймаут исполнения среди треков
func maxTrackTimeout(cfg *config.DispatcherConfig) time.Duration {
	var max time.Duration
	for _, tc := range cfg.Tracks {
		if tc.Timeout > max {
			max = tc.Timeout
		}
	}
	return max
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.DSNWithoutPassword(), err)
	}

	db.SetMaxOpenConns(cfg.Dispatcher.DBPoolSize)
	db.SetMaxIdleConns(cfg.Dispatcher.DBPoolSize / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Database.DSNWithoutPassword(), err)
	}

	return db, nil
}
