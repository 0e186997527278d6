package workflow

import "time"

// Resolved is the content a reviewer sees for a step through one version.
type Resolved struct {
	StepID          string `json:"stepId"`
	VersionID       string `json:"versionId,omitempty"`
	UseCaseID       string `json:"useCaseId,omitempty"`
	Content         string `json:"content"`
	PreviousContent string `json:"previousContent,omitempty"`
	Status          Status `json:"status"`
	AuthorID        string `json:"authorId"`
	AuthorName      string `json:"authorName"`
	IsBaseVersion   bool   `json:"isBaseVersion"`
}

// ResolveVersion picks the version with versionID, or the first active
// version when versionID is empty. Steps without versions resolve to their
// own content.
func ResolveVersion(step *Step, versions []StepVersion, versionID string) (Resolved, error) {
	active := activeVersions(versions)
	if len(active) == 0 {
		if versionID != "" {
			return Resolved{}, ErrNotFound
		}
		return Resolved{
			StepID:          step.ID,
			Content:         step.Content,
			PreviousContent: step.PreviousContent,
			Status:          step.Status,
			AuthorID:        step.AuthorID,
			AuthorName:      step.AuthorName,
		}, nil
	}

	selected := active[0]
	if versionID != "" {
		found := false
		for _, v := range versions {
			if v.VersionID == versionID {
				selected, found = v, true
				break
			}
		}
		if !found {
			return Resolved{}, ErrNotFound
		}
	}
	return Resolved{
		StepID:          step.ID,
		VersionID:       selected.VersionID,
		UseCaseID:       selected.UseCaseID,
		Content:         selected.Content,
		PreviousContent: selected.PreviousContent,
		Status:          selected.Status,
		AuthorID:        selected.AuthorID,
		AuthorName:      selected.AuthorName,
		IsBaseVersion:   selected.IsBaseVersion,
	}, nil
}

func activeVersions(versions []StepVersion) []StepVersion {
	out := make([]StepVersion, 0, len(versions))
	for _, v := range versions {
		if v.Active() {
			out = append(out, v)
		}
	}
	return out
}

func activeBase(versions []StepVersion) (int, bool) {
	for i, v := range versions {
		if v.Active() && v.IsBaseVersion {
			return i, true
		}
	}
	return -1, false
}

func forkIndex(versions []StepVersion, useCaseID string) int {
	for i, v := range versions {
		if v.Active() && !v.IsBaseVersion && v.UseCaseID == useCaseID {
			return i
		}
	}
	return -1
}

// editForUseCase records an edit of a shared step made from one use case.
// The first edit materialises the base version from the step's canonical
// content. New forks are placed first so they resolve by default.
func editForUseCase(step *Step, versions []StepVersion, useCaseID string, actor Actor, content string, newID func(string) string, now time.Time) ([]StepVersion, StepVersion, error) {
	if !step.References(useCaseID) {
		return nil, StepVersion{}, &UnknownUseCaseError{StepID: step.ID, UseCaseIDs: []string{useCaseID}}
	}
	// An approved or rejected step has no review left to carry a fork.
	if step.Status.IsTerminal() {
		return nil, StepVersion{}, &TransitionError{Kind: KindStep, ID: step.ID, From: step.Status, Action: "edit"}
	}
	out := cloneVersions(versions)

	baseIdx, ok := activeBase(out)
	if !ok {
		out = append(out, StepVersion{
			VersionID:     newID("ver"),
			StepID:        step.ID,
			Content:       step.Content,
			Status:        step.Status,
			IsBaseVersion: true,
			AuthorID:      step.AuthorID,
			AuthorName:    step.AuthorName,
			CreatedAt:     now,
		})
		baseIdx = len(out) - 1
	}
	baseContent := out[baseIdx].Content

	var fork StepVersion
	if idx := forkIndex(out, useCaseID); idx >= 0 {
		fork = out[idx]
		fork.PreviousContent = fork.Content
		fork.Content = content
		fork.Status = StatusReview
		fork.HasEdits = content != baseContent
		fork.AuthorID = actor.ID
		fork.AuthorName = actor.Name
		out[idx] = fork
	} else {
		fork = StepVersion{
			VersionID:       newID("ver"),
			StepID:          step.ID,
			UseCaseID:       useCaseID,
			Content:         content,
			PreviousContent: baseContent,
			Status:          StatusReview,
			HasEdits:        content != baseContent,
			AuthorID:        actor.ID,
			AuthorName:      actor.Name,
			CreatedAt:       now,
		}
		out = append([]StepVersion{fork}, out...)
	}

	step.LastModified = now
	appendHistory(&step.Review, actor, forkAction(useCaseID), nil, now)
	return out, fork, nil
}

// rebaseVersions moves the active base version to the step's revised
// content and recomputes which forks still differ from it.
func rebaseVersions(step *Step, versions []StepVersion) {
	idx, ok := activeBase(versions)
	if !ok {
		return
	}
	base := &versions[idx]
	base.PreviousContent = base.Content
	base.Content = step.Content
	for i := range versions {
		v := &versions[i]
		if v.Active() && !v.IsBaseVersion {
			v.HasEdits = v.Content != step.Content
		}
	}
}

// syncVersionStatuses mirrors a step transition onto its active versions.
// Approvals only reach forks whose use case they cover.
func syncVersionStatuses(step *Step, versions []StepVersion) {
	for i := range versions {
		v := &versions[i]
		if !v.Active() {
			continue
		}
		switch step.Status {
		case StatusApproved:
			covered := Coverage(step).Global
			if !v.IsBaseVersion {
				covered = IsApprovedFor(step, v.UseCaseID)
			}
			if covered {
				v.Status = StatusApproved
			}
		default:
			v.Status = step.Status
		}
	}
}
