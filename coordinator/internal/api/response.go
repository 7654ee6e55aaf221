// Package api implements the coordinator's REST surface (§6). It uses Chi as
// the router and wraps every response in a small envelope so the failure
// kind (§7) is always machine-readable alongside a display message.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/fabricrun/fabric/shared/ferrors"
)

// envelope is the standard JSON response wrapper.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Accepted writes a 202 Accepted response.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// Created writes a 201 Created response.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

// kindStatus maps the §7 error taxonomy onto HTTP status codes.
var kindStatus = map[ferrors.Kind]int{
	ferrors.Validation:     http.StatusBadRequest,
	ferrors.NotFound:       http.StatusNotFound,
	ferrors.Infrastructure: http.StatusInternalServerError,
	ferrors.Timeout:        http.StatusGatewayTimeout,
	ferrors.Decryption:     http.StatusBadRequest,
	ferrors.Protocol:       http.StatusBadRequest,
	ferrors.Cancelled:      http.StatusConflict,
}

// WriteError translates a classified error into an HTTP status and the
// {"error": {...}} envelope, using the kind itself as the machine-readable
// code.
func WriteError(w http.ResponseWriter, err error) {
	kind := ferrors.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	errJSON(w, status, ferrors.MessageOf(err), string(kind))
}

// ErrBadRequest writes a 400 with the validation-error kind.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, string(ferrors.Validation))
}

// ErrNotFound writes a 404 with the not-found kind.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, string(ferrors.NotFound))
}

// ErrInternal writes a 500 with the infrastructure-error kind. The
// underlying cause is intentionally not exposed to the caller.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", string(ferrors.Infrastructure))
}

// ErrUnauthorized writes a 401 — used only on the worker-facing
// shared-secret check, since multi-tenant authentication is out of scope.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "registration token required", "unauthorized")
}

// decodeJSON decodes the request body into dst, rejecting unknown fields
// and payloads over 1 MiB.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
