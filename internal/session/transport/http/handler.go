package http

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"v2raybridge/internal/api/dto"
	"v2raybridge/internal/session"
	"v2raybridge/internal/session/gateway"
	"v2raybridge/internal/session/repository"
)

// Коды ошибок истории сессий
const (
	CodeHistoryDisabled = "HISTORY_DISABLED"
	CodeHistoryError    = "GET_HISTORY_ERROR"
)

// StatusSource feeds the status stream.
type StatusSource interface {
	Subscribe() (<-chan session.StatusSnapshot, func())
}

type SessionHandler struct {
	Gateway *gateway.Gateway
	Source  StatusSource
	History repository.HistoryRepository // nil when history is disabled
}

func NewSessionHandler(gw *gateway.Gateway, source StatusSource, history repository.HistoryRepository) *SessionHandler {
	return &SessionHandler{Gateway: gw, Source: source, History: history}
}

// Routes монтирует ручки сессии на переданный роутер
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/channel", h.Invoke)
	r.Route("/session", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Get("/status", h.GetStatus)
		r.Get("/status/stream", h.StatusStream)
		r.Get("/history", h.ListHistory)
	})
}

func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		h.addErrorResponse(w, &gateway.Error{Code: gateway.CodeInvalidArguments, Message: "invalid JSON format: " + err.Error()})
		return
	}

	if gerr := h.Gateway.Start(r.Context(), args); gerr != nil {
		h.addErrorResponse(w, gerr)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if gerr := h.Gateway.Stop(r.Context()); gerr != nil {
		h.addErrorResponse(w, gerr)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, gerr := h.Gateway.Query()
	if gerr != nil {
		h.addErrorResponse(w, gerr)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// Invoke принимает вызов в формате method channel
func (h *SessionHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var call gateway.MethodCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		h.addErrorResponse(w, &gateway.Error{Code: gateway.CodeInvalidArguments, Message: "invalid JSON format: " + err.Error()})
		return
	}

	result, gerr := h.Gateway.Invoke(r.Context(), call)
	if gerr != nil {
		h.addErrorResponse(w, gerr)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *SessionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		h.writeJSON(w, http.StatusNotFound, &gateway.Error{Code: CodeHistoryDisabled, Message: "session history is disabled"})
		return
	}

	q := dto.HistoryQuery{Limit: 20}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.addErrorResponse(w, &gateway.Error{Code: gateway.CodeInvalidArguments, Message: "Invalid arguments: limit must be a number"})
			return
		}
		q.Limit = limit
	}
	if err := dto.Validate.Struct(q); err != nil {
		h.addErrorResponse(w, &gateway.Error{Code: gateway.CodeInvalidArguments, Message: "Invalid arguments: limit must be between 1 and 500"})
		return
	}

	records, err := h.History.Recent(r.Context(), q.Limit)
	if err != nil {
		log.Printf("SessionHandler: ERROR: failed to load history: %v", err)
		h.addErrorResponse(w, &gateway.Error{Code: CodeHistoryError, Message: "failed to load session history"})
		return
	}
	if records == nil {
		records = []*repository.SessionRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *SessionHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SessionHandler: failed to encode response: %v", err)
	}
}

func (h *SessionHandler) addErrorResponse(w http.ResponseWriter, gerr *gateway.Error) {
	h.writeJSON(w, httpStatus(gerr.Code), gerr)
}

func httpStatus(code string) int {
	switch code {
	case gateway.CodeInvalidArguments:
		return http.StatusBadRequest
	case gateway.CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
