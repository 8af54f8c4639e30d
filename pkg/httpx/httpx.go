// Package httpx carries the JSON wire conventions shared by every
// handler: enveloped responses stamped with a request id, strict
// request decoding, and the mapping from domain errors to wire codes.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"coworkd/pkg/domain"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

// Envelope wraps response fields with a fresh request id.
func Envelope(fields map[string]any) map[string]any {
	out := map[string]any{"request_id": NewRequestID()}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes an enveloped success response.
func WriteData(w http.ResponseWriter, status int, fields map[string]any) {
	WriteJSON(w, status, Envelope(fields))
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteDomainError maps domain errors onto the wire codes the handlers
// share. Anything unrecognized is a 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var nf *domain.NotFoundError
	var is *domain.InvalidStateError
	switch {
	case errors.As(err, &ve):
		WriteError(w, 400, "VALIDATION", ve.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nf):
		WriteError(w, 404, "NOT_FOUND", nf.Error(), nil)
	case errors.As(err, &is):
		WriteError(w, 409, "INVALID_STATE", is.Error(), map[string]any{"status": is.State})
	case errors.Is(err, domain.ErrOutOfOrder):
		WriteError(w, 409, "OUT_OF_ORDER", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadySigned):
		WriteError(w, 409, "ALREADY_SIGNED", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrentModification):
		WriteError(w, 409, "CONFLICT", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		WriteError(w, 403, "FORBIDDEN", err.Error(), nil)
	default:
		WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}
