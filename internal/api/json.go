package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/verdant/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps a service error to a status code. Server-side failures
// are logged and reported as "internal error".
func writeError(w http.ResponseWriter, op string, err error, attrs ...any) {
	status, msg := http.StatusBadRequest, err.Error()
	switch {
	case errors.Is(err, apperr.ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, apperr.ErrAlreadyExists):
		status, msg = http.StatusConflict, "record already exists"
	case errors.Is(err, apperr.ErrConflict):
		status, msg = http.StatusConflict, "record has changed"
	case errors.Is(err, apperr.ErrInvalidInput):
	case errors.Is(err, apperr.ErrUnsupported):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, apperr.ErrUpload):
		slog.Error(op+" failed", append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, http.StatusBadGateway, errorBody("asset upload failed"))
		return
	default:
		slog.Error(op+" failed", append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errorBody(msg))
}
