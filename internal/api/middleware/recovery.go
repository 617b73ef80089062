package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"orderdispatch/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Паника логируется со stack trace, клиент получает 500.
func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = utils.L()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("http handler panic",
						utils.String("path", r.URL.Path),
						utils.String("panic", fmt.Sprint(err)),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
