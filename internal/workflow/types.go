// Package workflow implements the review engine for steps and use cases: the
// shared status lifecycle, per-use-case content forks, approval scopes, the
// comment-driven clarification loop and the append-only history.
//
// The package performs no I/O. Callers persist the entities it returns.
package workflow

import (
	"slices"
	"time"
)

type Status string

const (
	StatusReview        Status = "review"
	StatusClarification Status = "clarification"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusReview, StatusClarification, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Kind names the entity type an action applies to.
type Kind string

const (
	KindStep    Kind = "step"
	KindUseCase Kind = "use_case"
)

// Actor is the current user as handed to the engine by the caller.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Approval struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
	// UseCaseIDs empty means the approval covers every use case, including
	// ones attached after the approval was given.
	UseCaseIDs []string `json:"useCaseIds"`
}

// IsGlobal reports whether the approval applies to all use cases.
func (a Approval) IsGlobal() bool {
	return len(a.UseCaseIDs) == 0
}

func (a Approval) Covers(useCaseID string) bool {
	return a.IsGlobal() || slices.Contains(a.UseCaseIDs, useCaseID)
}

type Comment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	LineNumber *int      `json:"lineNumber,omitempty"`
}

type HistoryEntry struct {
	Seq          int       `json:"seq"`
	Date         time.Time `json:"date"`
	ModifiedBy   string    `json:"modifiedBy"`
	Action       string    `json:"action"`
	ColumnChange *Status   `json:"columnChange,omitempty"`
}

// Review holds the fields steps and use cases share. The status machine
// operates on it directly.
type Review struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	AuthorID        string         `json:"authorId"`
	AuthorName      string         `json:"authorName"`
	Content         string         `json:"content"`
	PreviousContent string         `json:"previousContent,omitempty"`
	Status          Status         `json:"status"`
	Comments        []Comment      `json:"comments"`
	History         []HistoryEntry `json:"history"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastModified    time.Time      `json:"lastModified"`
}

type Step struct {
	Review
	UseCaseIDs []string   `json:"useCaseIds"`
	Approvals  []Approval `json:"approvals"`
	// RequiredApprovals is the approval threshold. Zero is treated as one.
	RequiredApprovals int `json:"requiredApprovals"`
}

func (s *Step) threshold() int {
	if s.RequiredApprovals < 1 {
		return 1
	}
	return s.RequiredApprovals
}

func (s *Step) References(useCaseID string) bool {
	return slices.Contains(s.UseCaseIDs, useCaseID)
}

// StepVersion is a per-use-case fork of a step's content. UseCaseID is empty
// for the base version.
type StepVersion struct {
	VersionID       string     `json:"versionId"`
	StepID          string     `json:"stepId"`
	UseCaseID       string     `json:"useCaseId,omitempty"`
	Content         string     `json:"content"`
	PreviousContent string     `json:"previousContent,omitempty"`
	Status          Status     `json:"status"`
	IsBaseVersion   bool       `json:"isBaseVersion"`
	HasEdits        bool       `json:"hasEdits"`
	AuthorID        string     `json:"authorId"`
	AuthorName      string     `json:"authorName"`
	CreatedAt       time.Time  `json:"createdAt"`
	SupersededAt    *time.Time `json:"supersededAt,omitempty"`
}

func (v StepVersion) Active() bool {
	return v.SupersededAt == nil
}

type UseCase struct {
	Review
	Steps            []string             `json:"steps"`
	StepLastModified map[string]time.Time `json:"stepLastModified"`
	Approval         *Approval            `json:"approval,omitempty"`
}

func (u *UseCase) References(stepID string) bool {
	return slices.Contains(u.Steps, stepID)
}

func cloneReview(r Review) Review {
	out := r
	out.Comments = slices.Clone(r.Comments)
	out.History = slices.Clone(r.History)
	return out
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	out.Review = cloneReview(s.Review)
	out.UseCaseIDs = slices.Clone(s.UseCaseIDs)
	out.Approvals = make([]Approval, len(s.Approvals))
	for i, a := range s.Approvals {
		a.UseCaseIDs = slices.Clone(a.UseCaseIDs)
		out.Approvals[i] = a
	}
	return &out
}

func (u *UseCase) Clone() *UseCase {
	if u == nil {
		return nil
	}
	out := *u
	out.Review = cloneReview(u.Review)
	out.Steps = slices.Clone(u.Steps)
	out.StepLastModified = make(map[string]time.Time, len(u.StepLastModified))
	for k, v := range u.StepLastModified {
		out.StepLastModified[k] = v
	}
	if u.Approval != nil {
		a := *u.Approval
		a.UseCaseIDs = slices.Clone(a.UseCaseIDs)
		out.Approval = &a
	}
	return &out
}

func cloneVersions(in []StepVersion) []StepVersion {
	out := make([]StepVersion, len(in))
	for i, v := range in {
		if v.SupersededAt != nil {
			t := *v.SupersededAt
			v.SupersededAt = &t
		}
		out[i] = v
	}
	return out
}
