package app

import (
	"fmt"
	"net/http"
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

func authenticationRequired() *DomainError {
	return domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func alreadyResolved(conflictID string) *DomainError {
	return domainError(http.StatusConflict, "ALREADY_RESOLVED", "Conflict is already resolved", map[string]any{"conflictId": conflictID})
}

func invalidResolution(resolution string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_RESOLUTION", "resolution must be one of force_save, merge, discard, reload", map[string]any{"resolution": resolution})
}

// conflictDetected is the structured signal returned by the guarded update
// path: not a failure, but a branch point the caller resolves interactively.
func conflictDetected(result ConflictCheckResult) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT_DETECTED", "Task was modified since it was last read", result)
}
