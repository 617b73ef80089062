package middleware

import (
	"net/http"
	"strings"
)

// TokenChecker проверяет API токен
type TokenChecker interface {
	Verify(token string) bool
}

// Auth - middleware для проверки Bearer токена admin API
//
// Токен передаётся в заголовке Authorization: Bearer <token> и сверяется
// с bcrypt хешем из конфигурации. При checker == nil проверка отключена.
func Auth(checker TokenChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if checker == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || !checker.Verify(token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="orderdispatch"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
