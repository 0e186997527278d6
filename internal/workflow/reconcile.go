package workflow

import "time"

// NeedsReconciliation reports whether two or more use-case forks diverge
// from the base version.
func NeedsReconciliation(versions []StepVersion) bool {
	return len(divergentForks(versions)) > 1
}

func divergentForks(versions []StepVersion) []StepVersion {
	out := make([]StepVersion, 0)
	for _, v := range versions {
		if v.Active() && v.HasEdits {
			out = append(out, v)
		}
	}
	return out
}

// OverrideDraft is the editable canonical content offered when forks diverge.
type OverrideDraft struct {
	StepID  string        `json:"stepId"`
	Content string        `json:"content"`
	Forks   []StepVersion `json:"forks"`
}

// overrideDraft seeds the draft from the pre-fork content of the step,
// falling back to the base version.
func overrideDraft(step *Step, versions []StepVersion) OverrideDraft {
	content := step.PreviousContent
	if content == "" {
		if idx, ok := activeBase(versions); ok {
			content = versions[idx].Content
		} else {
			content = step.Content
		}
	}
	return OverrideDraft{StepID: step.ID, Content: content, Forks: divergentForks(versions)}
}

// commitOverride makes content the new canonical base. Every active version
// is superseded, never deleted.
func commitOverride(step *Step, versions []StepVersion, actor Actor, content string, newID func(string) string, now time.Time) ([]StepVersion, error) {
	if !NeedsReconciliation(versions) {
		return nil, ErrNoDivergence
	}
	out := cloneVersions(versions)
	oldBase := step.Content
	if idx, ok := activeBase(out); ok {
		oldBase = out[idx].Content
	}
	for i := range out {
		if out[i].Active() {
			superseded := now
			out[i].SupersededAt = &superseded
		}
	}

	next := step.Status
	if open(next) {
		next = StatusReview
	}
	base := StepVersion{
		VersionID:       newID("ver"),
		StepID:          step.ID,
		Content:         content,
		PreviousContent: oldBase,
		Status:          next,
		IsBaseVersion:   true,
		AuthorID:        actor.ID,
		AuthorName:      actor.Name,
		CreatedAt:       now,
	}
	out = append([]StepVersion{base}, out...)

	step.PreviousContent = oldBase
	step.Content = content
	transition(&step.Review, next, actor, ActionOverride, now)
	return out, nil
}
