package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/koredeycode/contri-api/internal/apperr"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func WriteError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func WriteJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// WriteAppError maps the error taxonomy onto HTTP statuses. Inconsistency
// and unknown errors surface as 500 with a generic message so internal
// detail stays inside the logs.
func WriteAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	var code int
	switch kind {
	case apperr.KindValidation:
		code = http.StatusBadRequest
	case apperr.KindStateConflict:
		code = http.StatusConflict
	case apperr.KindInsufficientFunds:
		code = http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		code = http.StatusNotFound
	case apperr.KindTransient:
		code = http.StatusServiceUnavailable
	default:
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
