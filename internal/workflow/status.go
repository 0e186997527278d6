package workflow

import (
	"strings"
	"time"
)

// open reports whether comments, rejection and revision are accepted.
func open(s Status) bool {
	return s == StatusReview || s == StatusClarification
}

func submit(r *Review, actor Actor, now time.Time) {
	r.AuthorID = actor.ID
	r.AuthorName = actor.Name
	r.Status = StatusReview
	r.CreatedAt = now
	r.LastModified = now
	appendHistory(r, actor, ActionSubmitted, statusPtr(StatusReview), now)
}

func transition(r *Review, to Status, actor Actor, action string, now time.Time) {
	var change *Status
	if r.Status != to {
		change = statusPtr(to)
	}
	r.Status = to
	r.LastModified = now
	appendHistory(r, actor, action, change, now)
}

func reject(kind Kind, r *Review, actor Actor, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrMissingJustification
	}
	if !open(r.Status) {
		return &TransitionError{Kind: kind, ID: r.ID, From: r.Status, Action: "reject"}
	}
	r.RejectionReason = reason
	r.Status = StatusRejected
	r.LastModified = now
	appendHistory(r, actor, rejectAction(reason), statusPtr(StatusRejected), now)
	return nil
}

// revise replaces the content of an open entity and returns it to review.
// The replaced content becomes the diff baseline.
func revise(kind Kind, r *Review, actor Actor, content string, now time.Time) error {
	if !open(r.Status) {
		return &TransitionError{Kind: kind, ID: r.ID, From: r.Status, Action: "revise"}
	}
	if content == r.Content {
		return nil
	}
	r.PreviousContent = r.Content
	r.Content = content
	transition(r, StatusReview, actor, ActionRevised, now)
	return nil
}

func checkSelfApproval(r *Review, actor Actor) error {
	if actor.ID == r.AuthorID {
		return ErrSelfApproval
	}
	return nil
}

func approveStep(step *Step, actor Actor, scope ApprovalScope, now time.Time) error {
	if err := checkSelfApproval(&step.Review, actor); err != nil {
		return err
	}
	for _, existing := range step.Approvals {
		if existing.UserID == actor.ID {
			return ErrDuplicateApproval
		}
	}
	switch step.Status {
	case StatusReview:
	case StatusApproved:
		// Further scoped approvals are accepted until every linked use case
		// is covered. The status itself does not change.
		if Coverage(step).Full() {
			return &TransitionError{Kind: KindStep, ID: step.ID, From: step.Status, Action: "approve"}
		}
	default:
		return &TransitionError{Kind: KindStep, ID: step.ID, From: step.Status, Action: "approve"}
	}
	if err := scope.validate(step); err != nil {
		return err
	}

	approval := Approval{
		UserID:     actor.ID,
		UserName:   actor.Name,
		Timestamp:  now,
		UseCaseIDs: scope.UseCaseIDs(),
	}
	step.Approvals = append(step.Approvals, approval)

	var change *Status
	if step.Status != StatusApproved && len(step.Approvals) >= step.threshold() {
		step.Status = StatusApproved
		change = statusPtr(StatusApproved)
	}
	step.LastModified = now
	appendHistory(&step.Review, actor, approveAction(approval, len(step.Approvals), step.threshold()), change, now)
	return nil
}

func approveUseCase(uc *UseCase, actor Actor, scope ApprovalScope, now time.Time) error {
	if err := checkSelfApproval(&uc.Review, actor); err != nil {
		return err
	}
	if !scope.All() {
		return ErrScopeNotSupported
	}
	if uc.Approval != nil && uc.Approval.UserID == actor.ID {
		return ErrDuplicateApproval
	}
	if uc.Status != StatusReview {
		return &TransitionError{Kind: KindUseCase, ID: uc.ID, From: uc.Status, Action: "approve"}
	}
	approval := Approval{UserID: actor.ID, UserName: actor.Name, Timestamp: now}
	uc.Approval = &approval
	transition(&uc.Review, StatusApproved, actor, approveAction(approval, 1, 1), now)
	return nil
}
