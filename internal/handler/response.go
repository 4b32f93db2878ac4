package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ERROR FORMAT:
// Every error response from the API has the same shape:
//   {"error": "quota_exceeded", "message": "daily limit reached for user ..."}
//
// Validation errors also name the offending field:
//   {"error": "validation_error", "message": "species is required", "field": "species"}

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/auth"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Set for validation errors
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and the status code must be set BEFORE the body is written; once
// Encode writes, later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorKind maps an apperror sentinel to its HTTP status and error type.
type errorKind struct {
	sentinel error
	status   int
	name     string
}

var errorKinds = []errorKind{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apperror.ErrUnknownReward, http.StatusNotFound, "unknown_reward"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrAlreadyRedeemed, http.StatusConflict, "already_redeemed"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{apperror.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
	{apperror.ErrExternal, http.StatusBadGateway, "external_failure"},
	{apperror.ErrTransient, http.StatusServiceUnavailable, "transient_store_failure"},
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// errors.Is walks the whole chain, so a service that returns
// fmt.Errorf("creating contribution: %w", apperror.Transient(...)) still maps
// to 503. Anything that is not an *apperror.AppError is a 500 with a generic
// message; raw infrastructure errors never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, k := range errorKinds {
			if errors.Is(err, k.sentinel) {
				if k.status == http.StatusServiceUnavailable {
					w.Header().Set("Retry-After", "1")
				}
				writeJSON(w, k.status, ErrorResponse{Error: k.name, Message: appErr.Message, Field: appErr.Field})
				return
			}
		}
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// decodeJSON reads a single JSON object from the body into v. Unknown
// fields and trailing data are rejected as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperror.ValidationFailed("body", fmt.Sprintf("request body must be %d bytes or less", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is required")
		default:
			return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
		}
	}
	if dec.More() {
		return apperror.ValidationFailed("body", "request body must contain a single JSON object")
	}
	return nil
}

// requireUser returns the authenticated user id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		auth.Unauthorized(w)
		return "", false
	}
	return id, true
}
