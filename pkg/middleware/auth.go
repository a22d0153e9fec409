// pkg/middleware/auth.go
package middleware

import (
	"encoding/base64"
	"net/http"
	"strings"

	"v2raybridge/pkg/hash"
)

// BasicAuth возвращает middleware для базовой аутентификации.
// Пароль сверяется с bcrypt-хешем, а не хранится в открытом виде.
func BasicAuth(username, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)

			user, password, ok := parseBasic(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Имя сравниваем за константное время, пароль проверяет bcrypt
			if !constantTimeCompare(user, username) || !hash.CheckPassword(passwordHash, password) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseBasic(header string) (string, string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Basic" {
		return "", "", false
	}

	payload, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", false
	}

	pair := strings.SplitN(string(payload), ":", 2)
	if len(pair) != 2 {
		return "", "", false
	}
	return pair[0], pair[1], true
}

// constantTimeCompare сравнивает две строки за константное время для предотвращения атак по времени
func constantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	result := 0
	for i := range a {
		result |= int(a[i] ^ b[i])
	}
	return result == 0
}
