package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Guard violations. All of them leave the entity unchanged.
var (
	ErrSelfApproval         = errors.New("authors cannot approve their own submission")
	ErrDuplicateApproval    = errors.New("reviewer has already approved")
	ErrMissingJustification = errors.New("a rejection reason is required")
	ErrEmptyComment         = errors.New("comment text is required")
	ErrUnknownUseCase       = errors.New("use case is not linked to this step")
	ErrInvalidTransition    = errors.New("transition not allowed from current status")
	ErrScopeNotSupported    = errors.New("use case approvals cannot be scoped")
	ErrNoDivergence         = errors.New("step has no diverging use case edits")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
)

var validationErrors = []error{
	ErrSelfApproval,
	ErrDuplicateApproval,
	ErrMissingJustification,
	ErrEmptyComment,
	ErrUnknownUseCase,
	ErrInvalidTransition,
	ErrScopeNotSupported,
	ErrNoDivergence,
	ErrAlreadyExists,
}

// UnknownUseCaseError lists the use case ids that failed scope validation.
type UnknownUseCaseError struct {
	StepID     string
	UseCaseIDs []string
}

func (e *UnknownUseCaseError) Error() string {
	return fmt.Sprintf("step %s is not linked to use case(s) %s", e.StepID, strings.Join(e.UseCaseIDs, ", "))
}

func (e *UnknownUseCaseError) Is(target error) bool {
	return target == ErrUnknownUseCase
}

// TransitionError records a rejected status transition.
type TransitionError struct {
	Kind   Kind
	ID     string
	From   Status
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Kind, e.ID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsValidation reports whether err is a guard rejection rather than an
// infrastructure failure. Guard rejections must not be retried.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
