package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS - middleware Cross-Origin Resource Sharing для admin UI
//
// Пустой список или "*" разрешают любой Origin, но без credentials.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}

	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: !allowAll,
		MaxAge:           86400,
	}
	if allowAll {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler
}
