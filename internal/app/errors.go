package app

import (
	"errors"
	"fmt"
	"net/http"

	"pagewise/api/internal/access"
	"pagewise/api/internal/auth"
	"pagewise/api/internal/invite"
	"pagewise/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthenticated     = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	errDocumentNotFound    = domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	errSecretsUnconfigured = domainError(http.StatusServiceUnavailable, "ENCRYPTION_UNAVAILABLE", "API key storage is not configured", nil)
)

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// mapError turns service errors into HTTP status, code and message. Storage failures stay
// distinguishable from denials so clients know when a retry can help.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, access.ErrAccessDenied), errors.Is(err, invite.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, invite.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, invite.ErrExpired):
		return http.StatusGone, "INVITATION_EXPIRED", "Invitation expired", nil
	case errors.Is(err, invite.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE", "Invitation already accepted", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting record", nil
	case errors.Is(err, invite.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
