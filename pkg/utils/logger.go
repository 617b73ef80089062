package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на zap
//
// Использование:
//
//	log := utils.InitGlobalLogger(utils.LogConfig{Level: "info", Format: "json"})
//	log.WithTrack("EUR-TRACK").Info("order executed", utils.OrderID(id), utils.Latency(12.5))
//	utils.L().Warn("queue full", utils.Track("BTC-TRACK"), utils.QueueDepth(n))

// LogConfig - параметры логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // stdout, stderr или путь к файлу
	Development bool
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitLogger создаёт логгер по конфигурации
// Никогда не возвращает nil: при ошибке открытия файла пишет в stderr.
func InitLogger(cfg LogConfig) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, openOutput(cfg.Output), parseLevel(cfg.Level))

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	z := zap.New(core, opts...)
	return &Logger{Logger: z}
}

func openOutput(output string) zapcore.WriteSyncer {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(f)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// InitGlobalLogger создаёт логгер и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	l := InitLogger(cfg)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger подменяет глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая логгер по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - короткий алиас GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// NewNopLogger - логгер без вывода (тесты)
func NewNopLogger() *Logger {
	z := zap.NewNop()
	return &Logger{Logger: z}
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithComponent помечает записи подсистемой (http, websocket, executor)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithTrack и WithAsset привязывают записи к треку
func (l *Logger) WithTrack(trackID string) *Logger {
	return l.With(Track(trackID))
}

func (l *Logger) WithAsset(asset string) *Logger {
	return l.With(Asset(asset))
}

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Track(id string) zap.Field       { return zap.String("track", id) }
func Asset(asset string) zap.Field    { return zap.String("asset", asset) }
func OrderID(id string) zap.Field     { return zap.String("order_id", id) }
func Status(status string) zap.Field  { return zap.String("status", status) }
func ErrorCode(code string) zap.Field { return zap.String("error_code", code) }
func Side(side string) zap.Field      { return zap.String("side", side) }
func OrderType(t string) zap.Field    { return zap.String("order_type", t) }
func Quantity(q string) zap.Field     { return zap.String("quantity", q) }
func Price(p string) zap.Field        { return zap.String("price", p) }
func Latency(ms float64) zap.Field    { return zap.Float64("latency_ms", ms) }
func QueueDepth(n int) zap.Field      { return zap.Int("queue_depth", n) }
func Active(n int) zap.Field          { return zap.Int("active", n) }
func RequestID(id string) zap.Field   { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Listener(name string) zap.Field  { return zap.String("listener", name) }

// Переэкспорт базовых конструкторов zap
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)
