package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"lv-marginbook/internal/apperr"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a single JSON object from the request body and rejects
// unknown fields.
func ReadJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid json: " + err.Error())
	}
	if dec.More() {
		return apperr.Validation("invalid json: trailing data")
	}
	return nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrStateConflict:
		return http.StatusConflict
	case apperr.ErrInsufficientFunds, apperr.ErrInsufficientMargin:
		return http.StatusUnprocessableEntity
	case apperr.ErrUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, apperr.ErrInternal) {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: apperr.Code(err)})
}
