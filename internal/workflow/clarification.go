package workflow

import (
	"context"
	"strings"
	"time"
)

// EventCommentAdded is the notification event emitted for new comments.
const EventCommentAdded = "comment_added"

// Notification is delivered to an entity's author when a comment forces it
// into clarification.
type Notification struct {
	RecipientID   string `json:"recipientId"`
	RecipientName string `json:"recipientName"`
	Event         string `json:"event"`
	Kind          Kind   `json:"kind"`
	EntityID      string `json:"entityId"`
	Title         string `json:"title"`
	ActorName     string `json:"actorName"`
	Comment       string `json:"comment"`
	LineNumber    *int   `json:"lineNumber,omitempty"`
}

// Notifier is the outbound sink for notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// ClarificationRequest is what a reviewer needs to open a comment box. Asking
// for clarification does not change status; the comment does.
type ClarificationRequest struct {
	Kind       Kind   `json:"kind"`
	EntityID   string `json:"entityId"`
	Status     Status `json:"status"`
	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
	Allowed    bool   `json:"allowed"`
}

func beginClarification(kind Kind, r *Review) ClarificationRequest {
	return ClarificationRequest{
		Kind:       kind,
		EntityID:   r.ID,
		Status:     r.Status,
		AuthorID:   r.AuthorID,
		AuthorName: r.AuthorName,
		Allowed:    open(r.Status),
	}
}

// addComment appends the comment, forces the entity into clarification and
// records both history entries in order.
func addComment(kind Kind, r *Review, actor Actor, text string, lineNumber *int, id string, now time.Time) (Comment, Notification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, Notification{}, ErrEmptyComment
	}
	if !open(r.Status) {
		return Comment{}, Notification{}, &TransitionError{Kind: kind, ID: r.ID, From: r.Status, Action: "comment on"}
	}
	comment := Comment{
		ID:        id,
		UserID:    actor.ID,
		UserName:  actor.Name,
		Content:   text,
		Timestamp: now,
	}
	if lineNumber != nil {
		n := *lineNumber
		comment.LineNumber = &n
	}
	r.Comments = append(r.Comments, comment)
	r.Status = StatusClarification
	r.LastModified = now
	appendHistory(r, actor, commentAction(text), nil, now)
	appendHistory(r, actor, ActionNeedsClarify, statusPtr(StatusClarification), now)

	return comment, Notification{
		RecipientID:   r.AuthorID,
		RecipientName: r.AuthorName,
		Event:         EventCommentAdded,
		Kind:          kind,
		EntityID:      r.ID,
		Title:         r.Title,
		ActorName:     actor.Name,
		Comment:       text,
		LineNumber:    comment.LineNumber,
	}, nil
}
