package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"orderdispatch/pkg/utils"
)

// responseWriter захватывает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging - middleware для структурированного логирования HTTP запросов
//
// Запросу назначается X-Request-ID (если клиент его не передал), он же
// возвращается в ответе. WebSocket запросы пропускаются без обёртки,
// иначе Upgrade не получит http.Hijacker.
func Logging(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			if r.Header.Get("Upgrade") == "websocket" {
				logger.Debug("websocket upgrade", utils.RequestID(requestID), utils.String("remote", r.RemoteAddr))
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				utils.RequestID(requestID),
				utils.String("method", r.Method),
				utils.String("path", r.URL.Path),
				utils.Int("status", wrapped.statusCode),
				utils.Latency(utils.DurationMillis(time.Since(start))),
				utils.String("remote", r.RemoteAddr),
				utils.Int64("bytes", wrapped.written),
			)
		})
	}
}
