package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"v2raybridge/pkg/jwt"
)

type contextKey string

// SubjectKey holds the authenticated token subject in the request context.
const SubjectKey contextKey = "subject"

// JWTAuth пропускает только запросы с валидным Bearer токеном
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			subject, err := jwt.ParseToken(secret, token)
			if err != nil {
				log.Printf("JWTAuth: rejected token from %s: %v", r.RemoteAddr, err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
