// Package httputil centralizes JSON encoding and error translation for the
// HTTP transport so every handler returns the same envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"rollcall/pkg/apperr"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into the JSON error envelope.
// Internal errors omit the description so infrastructure details never leak
// to participants.
func WriteError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{Error: string(code)}
	var appErr *apperr.Error
	if code != apperr.CodeInternal && errors.As(err, &appErr) {
		body.ErrorDescription = appErr.Message
	}
	_ = WriteJSON(w, apperr.HTTPStatus(code), body)
}

// Decode parses a JSON request body into dst, translating parse failures into
// an invalid-input domain error.
func Decode[T any](r *http.Request, dst *T) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}
