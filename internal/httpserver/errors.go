package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pushpraj-rmx/mba/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrConversation404  = "conversation not found"
	ErrInternal         = "internal server error"
	ErrInvalidSignature = "invalid signature"
	ErrForbidden        = "forbidden"
	ErrBadPayload       = "invalid webhook payload"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeDomainError maps engine errors onto status codes. Internal error
// detail stays in the logs.
func writeDomainError(w http.ResponseWriter, err error) int {
	var ve *domain.ValidationError
	var de *domain.DispatchError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrConversation404)
		return http.StatusNotFound
	case errors.As(err, &de):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: de.Error(), Code: de.Code})
		return http.StatusBadGateway
	default:
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return http.StatusInternalServerError
	}
}
