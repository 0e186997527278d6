package app

import (
	"errors"
	"fmt"
	"net/http"

	"usecasehub/api/internal/workflow"
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

var errDuplicateRequest = domainError(http.StatusConflict, "DUPLICATE_REQUEST", "Request with this idempotency key was already processed", nil)

var workflowErrorCodes = []struct {
	target error
	status int
	code   string
}{
	{workflow.ErrSelfApproval, http.StatusForbidden, "SELF_APPROVAL"},
	{workflow.ErrDuplicateApproval, http.StatusConflict, "DUPLICATE_APPROVAL"},
	{workflow.ErrMissingJustification, http.StatusUnprocessableEntity, "MISSING_JUSTIFICATION"},
	{workflow.ErrEmptyComment, http.StatusUnprocessableEntity, "EMPTY_COMMENT"},
	{workflow.ErrUnknownUseCase, http.StatusUnprocessableEntity, "UNKNOWN_USE_CASE"},
	{workflow.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{workflow.ErrScopeNotSupported, http.StatusUnprocessableEntity, "SCOPE_NOT_SUPPORTED"},
	{workflow.ErrNoDivergence, http.StatusConflict, "NO_DIVERGENCE"},
	{workflow.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{workflow.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
}

// workflowError converts an engine error into the API error shape. It
// returns nil for errors the engine did not raise.
func workflowError(err error) *DomainError {
	for _, entry := range workflowErrorCodes {
		if !errors.Is(err, entry.target) {
			continue
		}
		var details any
		var unknown *workflow.UnknownUseCaseError
		var transition *workflow.TransitionError
		switch {
		case errors.As(err, &unknown):
			details = map[string]any{"stepId": unknown.StepID, "useCaseIds": unknown.UseCaseIDs}
		case errors.As(err, &transition):
			details = map[string]any{"kind": transition.Kind, "id": transition.ID, "status": transition.From}
		}
		return domainError(entry.status, entry.code, err.Error(), details)
	}
	return nil
}
