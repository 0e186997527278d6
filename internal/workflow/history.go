package workflow

import (
	"fmt"
	"strings"
	"time"
)

const (
	ActionSubmitted     = "Submitted for review"
	ActionNeedsClarify  = "Needs Clarification"
	ActionRevised       = "Content revised"
	ActionOverride      = "Overrode all user edits"
	commentPreviewRunes = 80
)

// appendHistory is the only writer of Review.History. Entries are never
// rewritten; Seq increases by one per entry.
func appendHistory(r *Review, actor Actor, action string, change *Status, now time.Time) HistoryEntry {
	seq := 1
	if n := len(r.History); n > 0 {
		seq = r.History[n-1].Seq + 1
	}
	entry := HistoryEntry{
		Seq:          seq,
		Date:         now,
		ModifiedBy:   actor.Name,
		Action:       action,
		ColumnChange: change,
	}
	r.History = append(r.History, entry)
	return entry
}

func statusPtr(s Status) *Status {
	return &s
}

func commentAction(text string) string {
	preview := []rune(strings.Join(strings.Fields(text), " "))
	if len(preview) > commentPreviewRunes {
		return "Added comment: " + string(preview[:commentPreviewRunes]) + "…"
	}
	return "Added comment: " + string(preview)
}

func rejectAction(reason string) string {
	return "Rejected: " + reason
}

func approveAction(a Approval, count, threshold int) string {
	label := "Approved"
	if !a.IsGlobal() {
		label = "Approved for use cases " + strings.Join(a.UseCaseIDs, ", ")
	}
	if threshold > 1 {
		label += fmt.Sprintf(" (%d/%d)", count, threshold)
	}
	return label
}

func forkAction(useCaseID string) string {
	return "Edited for use case " + useCaseID
}

func linkAction(useCaseID string) string {
	return "Linked to use case " + useCaseID
}
