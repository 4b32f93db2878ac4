// Package apperror defines the domain errors the ledger returns to callers.
//
// Every error kind is a sentinel (ErrNotFound, ErrQuotaExceeded, ...) wrapped in
// an *AppError that carries a human-readable message. Callers branch with
// errors.Is(err, apperror.ErrX); the HTTP layer maps kinds to status codes in
// handler/response.go.
//
// Only ErrTransient is retried inside the ledger (see repository/sqlite). Every
// other kind is terminal for the request and is surfaced verbatim.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrUnknownReward       = errors.New("unknown reward")
	ErrAlreadyRedeemed     = errors.New("already redeemed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransient           = errors.New("transient store failure")
	ErrExternal            = errors.New("external collaborator failure")
)

type AppError struct {
	Err     error  // sentinel kind
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying infrastructure error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel kind and the underlying cause, so
// errors.Is works against either one.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// QuotaExceeded reports that userID has used up today's submissions.
func QuotaExceeded(userID string, limit int) *AppError {
	return &AppError{
		Err:     ErrQuotaExceeded,
		Message: fmt.Sprintf("daily limit reached for user %s (%d contributions/day)", userID, limit),
	}
}

func UnknownReward(rewardID string) *AppError {
	return &AppError{
		Err:     ErrUnknownReward,
		Message: fmt.Sprintf("reward %s is not in the catalog", rewardID),
	}
}

func AlreadyRedeemed(userID, rewardID string) *AppError {
	return &AppError{
		Err:     ErrAlreadyRedeemed,
		Message: fmt.Sprintf("reward %s already redeemed by user %s", rewardID, userID),
	}
}

func InsufficientBalance(have, need int64) *AppError {
	return &AppError{
		Err:     ErrInsufficientBalance,
		Message: fmt.Sprintf("insufficient credits: have %d, need %d", have, need),
	}
}

// Transient wraps a store failure that is safe to retry as a whole operation
// (lock contention, busy database).
func Transient(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrTransient,
		Message: fmt.Sprintf("%s: store temporarily unavailable, retry the request", op),
		Cause:   cause,
	}
}

// External wraps a failure of an out-of-process collaborator such as the
// species identification service.
func External(collaborator string, cause error) *AppError {
	return &AppError{
		Err:     ErrExternal,
		Message: fmt.Sprintf("%s unavailable", collaborator),
		Cause:   cause,
	}
}
