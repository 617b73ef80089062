package exchange

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig содержит настройки HTTP клиента для внешнего брокера
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут установки TCP соединения (default: 3s)
	ReadTimeout    time.Duration // таймаут ожидания заголовков ответа (default: 10s)

	// Connection pooling
	MaxIdleConnsPerHost int           // (default: 32)
	MaxConnsPerHost     int           // (default: 64)
	IdleConnTimeout     time.Duration // (default: 90s)

	TLSHandshakeTimeout time.Duration // (default: 5s)
	KeepAliveInterval   time.Duration // (default: 30s)
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
// Пул рассчитан на суммарный глобальный лимит параллельности диспетчера.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:      3 * time.Second,
		ReadTimeout:         10 * time.Second,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewHTTPClient создаёт http.Client с connection pooling
//
// Общего таймаута у клиента нет: срок запроса задаёт ctx ордера
// (дедлайн трека).
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        config.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{Transport: transport}
}

// closeIdle закрывает idle соединения клиента (при остановке)
func closeIdle(client *http.Client) {
	if transport, ok := client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
