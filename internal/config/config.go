package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"orderdispatch/internal/models"
	"orderdispatch/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Dispatcher DispatcherConfig
	Executor   ExecutorConfig
	Kafka      KafkaConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port           int
	Host           string
	UseHTTPS       bool
	CertFile       string
	KeyFile        string
	AllowedOrigins []string
}

// DatabaseConfig - настройки журнала исполнения в PostgreSQL
type DatabaseConfig struct {
	Enabled  bool
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки доступа к admin API
type SecurityConfig struct {
	AuthEnabled  bool
	APITokenHash string // bcrypt хеш токена
}

// ExecutorConfig - настройки исполнителя ордеров (paper broker)
type ExecutorConfig struct {
	Venue        string // paper | http
	Endpoint     string // базовый URL брокера для venue=http
	MinLatency   time.Duration
	MaxLatency   time.Duration
	FailureRate  float64 // доля ордеров, отклоняемых брокером (0..1)
	MaxRetries   int     // 0 = без повторов
	RetryBackoff time.Duration

	// Опорные цены paper брокера поверх встроенных (EXECUTOR_REFERENCE_PRICES=EUR=1.0850,BTC=64000)
	ReferencePrices map[models.AssetType]decimal.Decimal
}

// KafkaConfig - публикация результатов в Kafka
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// Load загружает конфигурацию из .env (если есть) и переменных окружения
// Приоритет: ENV > .env > значения по умолчанию
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	tracks, err := loadTracks()
	if err != nil {
		return nil, err
	}

	prices, err := loadReferencePrices()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:       getEnvAsBool("USE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "orderdispatch"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			AuthEnabled:  getEnvAsBool("AUTH_ENABLED", false),
			APITokenHash: getEnv("API_TOKEN_HASH", ""),
		},
		Dispatcher: DispatcherConfig{
			GlobalMaxConcurrent:      getEnvAsInt("GLOBAL_MAX_CONCURRENT", 30),
			GlobalRateLimitPerSecond: getEnvAsFloat("GLOBAL_RATE_LIMIT", 200),
			Tracks:                   tracks,
			ShutdownGrace:            getEnvAsDuration("SHUTDOWN_GRACE", DefaultShutdownGrace),
			ResultBufferSize:         getEnvAsInt("RESULT_BUFFER_SIZE", DefaultResultBufferSize),
			DBPoolSize:               getEnvAsInt("DB_POOL_SIZE", DefaultDBPoolSize),
			MetricsEnabled:           getEnvAsBool("METRICS_ENABLED", true),
		},
		Executor: ExecutorConfig{
			Venue:        getEnv("EXECUTOR_VENUE", "paper"),
			Endpoint:     getEnv("EXECUTOR_ENDPOINT", ""),
			MinLatency:   getEnvAsDuration("EXECUTOR_MIN_LATENCY", 5*time.Millisecond),
			MaxLatency:   getEnvAsDuration("EXECUTOR_MAX_LATENCY", 50*time.Millisecond),
			FailureRate:  getEnvAsFloat("EXECUTOR_FAILURE_RATE", 0),
			MaxRetries:   getEnvAsInt("EXECUTOR_MAX_RETRIES", 0),
			RetryBackoff: getEnvAsDuration("EXECUTOR_RETRY_BACKOFF", 100*time.Millisecond),

			ReferencePrices: prices,
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:      getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:        getEnv("KAFKA_TOPIC", "order-results"),
			BatchTimeout: getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 10*time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	if err := cfg.Dispatcher.Normalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadTracks читает таблицу треков
//
// TRACKS=EUR,BTC,GBP задаёт активы; параметры каждого трека берутся из
// TRACK_<ASSET>_MAX_CONCURRENT, _RATE_LIMIT, _QUEUE_SIZE, _WORKERS, _TIMEOUT, _ID.
func loadTracks() (map[models.AssetType]TrackConfig, error) {
	codes := getEnvAsList("TRACKS", []string{"EUR", "BTC", "GBP"})
	tracks := make(map[models.AssetType]TrackConfig, len(codes))

	for _, code := range codes {
		asset, err := models.ParseAssetType(code)
		if err != nil {
			return nil, fmt.Errorf("%w: TRACKS: %v", ErrInvalidConfig, err)
		}
		if _, dup := tracks[asset]; dup {
			return nil, fmt.Errorf("%w: TRACKS lists %s twice", ErrInvalidConfig, asset)
		}

		prefix := "TRACK_" + string(asset) + "_"
		maxConcurrent := getEnvAsInt(prefix+"MAX_CONCURRENT", 10)

		tc, err := NewTrackConfig(
			getEnv(prefix+"ID", string(asset)+"-TRACK"),
			asset,
			maxConcurrent,
			getEnvAsFloat(prefix+"RATE_LIMIT", 50),
			getEnvAsInt(prefix+"QUEUE_SIZE", 100),
			getEnvAsInt(prefix+"WORKERS", maxConcurrent),
			getEnvAsDuration(prefix+"TIMEOUT", 5*time.Second),
		)
		if err != nil {
			return nil, err
		}
		tracks[asset] = tc
	}

	return tracks, nil
}

// loadReferencePrices читает EXECUTOR_REFERENCE_PRICES в формате ASSET=PRICE через запятую
func loadReferencePrices() (map[models.AssetType]decimal.Decimal, error) {
	pairs := getEnvAsList("EXECUTOR_REFERENCE_PRICES", nil)
	prices := make(map[models.AssetType]decimal.Decimal, len(pairs))

	for _, pair := range pairs {
		code, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: EXECUTOR_REFERENCE_PRICES: expected ASSET=PRICE, got %q", ErrInvalidConfig, pair)
		}
		asset, err := models.ParseAssetType(code)
		if err != nil {
			return nil, fmt.Errorf("%w: EXECUTOR_REFERENCE_PRICES: %v", ErrInvalidConfig, err)
		}
		price, err := utils.ParsePositiveDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: EXECUTOR_REFERENCE_PRICES %s: %v", ErrInvalidConfig, asset, err)
		}
		prices[asset] = price
	}

	return prices, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	if !c.Security.AuthEnabled {
		return nil
	}

	// Хеш токена обязателен при включённой аутентификации
	if c.Security.APITokenHash == "" {
		return fmt.Errorf("API_TOKEN_HASH is required when AUTH_ENABLED=true")
	}

	if !strings.HasPrefix(c.Security.APITokenHash, "$2") {
		return fmt.Errorf("API_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Executor.MinLatency < 0 || c.Executor.MaxLatency < c.Executor.MinLatency {
		return fmt.Errorf("EXECUTOR_MIN_LATENCY/EXECUTOR_MAX_LATENCY must satisfy 0 <= min <= max, got %v/%v",
			c.Executor.MinLatency, c.Executor.MaxLatency)
	}

	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		return fmt.Errorf("EXECUTOR_FAILURE_RATE must be between 0 and 1, got %v", c.Executor.FailureRate)
	}

	if c.Executor.MaxRetries < 0 || c.Executor.MaxRetries > 10 {
		return fmt.Errorf("EXECUTOR_MAX_RETRIES must be between 0 and 10, got %d", c.Executor.MaxRetries)
	}

	if c.Executor.Venue == "http" && c.Executor.Endpoint == "" {
		return fmt.Errorf("EXECUTOR_ENDPOINT is required when EXECUTOR_VENUE=http")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when KAFKA_ENABLED=true")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
