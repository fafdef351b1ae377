package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/booking"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/tickets"
	"github.com/example/park-rides/internal/validation"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps workflow errors onto status codes. Anything unrecognised is
// logged and reported as a generic failure.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrUnknownRole):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrInvalidPath):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
	case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, booking.ErrNoPayment):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "busy, try again"})
	case errors.Is(err, tickets.ErrInvalidTicket):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return validation.New("", "request body is required")
		}
		return validation.New("", "malformed JSON: "+err.Error())
	}
	return nil
}
