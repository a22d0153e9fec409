// pkg/middleware/validation.go

package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorResponse повторяет форму ошибок шлюза команд
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const maxBodySize = 1 << 20 // конфиг V2Ray укладывается в 1 MB

// ValidateRequest проверяет корректность запроса перед передачей его обработчику
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				writeInvalid(w, "Invalid Content-Type, expected application/json")
				return
			}

			if r.ContentLength == 0 {
				writeInvalid(w, "Request body cannot be empty")
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		next.ServeHTTP(w, r)
	})
}

func writeInvalid(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(ErrorResponse{Code: "INVALID_ARGUMENTS", Message: message})
}
