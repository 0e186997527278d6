package workflow

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Actor{ID: "u-alice", Name: "Alice"}
	bob   = Actor{ID: "u-bob", Name: "Bob"}
	carol = Actor{ID: "u-carol", Name: "Carol"}
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestWorkspace(t *testing.T, opts ...Option) *Workspace {
	t.Helper()
	clock := &stepClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	counter := 0
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func(prefix string) string {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return fmt.Sprintf("%s-%d", prefix, counter)
		}),
	}
	return NewWorkspace(append(base, opts...)...)
}

// sharedStep submits a step authored by alice linked to the given use cases.
func sharedStep(t *testing.T, w *Workspace, stepID string, useCaseIDs ...string) *Step {
	t.Helper()
	_, err := w.SubmitStep(alice, StepDraft{ID: stepID, Title: "Login", Content: "open page\nenter password\nsubmit"})
	require.NoError(t, err)
	for _, ucID := range useCaseIDs {
		_, err := w.SubmitUseCase(alice, UseCaseDraft{ID: ucID, Title: "UC " + ucID, Content: "flow", StepIDs: []string{stepID}})
		require.NoError(t, err)
	}
	step, err := w.Step(stepID)
	require.NoError(t, err)
	return step
}

func TestSubmitStepStartsInReview(t *testing.T) {
	w := newTestWorkspace(t)
	step, err := w.SubmitStep(alice, StepDraft{Title: "Login", Content: "a"})
	require.NoError(t, err)

	assert.Equal(t, "step-1", step.ID)
	assert.Equal(t, StatusReview, step.Status)
	assert.Equal(t, alice.ID, step.AuthorID)
	assert.Equal(t, 1, step.RequiredApprovals)
	require.Len(t, step.History, 1)
	assert.Equal(t, ActionSubmitted, step.History[0].Action)
	require.NotNil(t, step.History[0].ColumnChange)
	assert.Equal(t, StatusReview, *step.History[0].ColumnChange)

	_, err = w.SubmitStep(alice, StepDraft{ID: step.ID})
	assert.Error(t, err)
}

func TestSubmitUseCaseLinksSteps(t *testing.T) {
	w := newTestWorkspace(t)
	step := sharedStep(t, w, "s1", "uc1")

	assert.Equal(t, []string{"uc1"}, step.UseCaseIDs)
	assert.Equal(t, "Linked to use case uc1", step.History[len(step.History)-1].Action)

	uc, err := w.UseCase("uc1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, uc.Steps)
	assert.Contains(t, uc.StepLastModified, "s1")

	_, err = w.SubmitUseCase(alice, UseCaseDraft{ID: "uc2", StepIDs: []string{"missing"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelfApprovalRejectedForAnyScope(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")

	_, err := w.ApproveStep(alice, "s1", ScopeAll())
	assert.ErrorIs(t, err, ErrSelfApproval)
	_, err = w.ApproveStep(alice, "s1", ScopeUseCases("uc1"))
	assert.ErrorIs(t, err, ErrSelfApproval)

	step, err := w.Step("s1")
	require.NoError(t, err)
	assert.Empty(t, step.Approvals)
	assert.Equal(t, StatusReview, step.Status)

	_, err = w.ApproveUseCase(alice, "uc1", ScopeAll())
	assert.ErrorIs(t, err, ErrSelfApproval)
	_, err = w.ApproveUseCase(alice, "uc1", ScopeUseCases("uc1"))
	assert.ErrorIs(t, err, ErrSelfApproval)
}

func TestDuplicateApprovalRejectedForAnyScope(t *testing.T) {
	w := newTestWorkspace(t)
	_, err := w.SubmitStep(alice, StepDraft{ID: "s1", Content: "a", RequiredApprovals: 3})
	require.NoError(t, err)
	for _, id := range []string{"uc1", "uc2"} {
		_, err := w.SubmitUseCase(carol, UseCaseDraft{ID: id, StepIDs: []string{"s1"}})
		require.NoError(t, err)
	}

	_, err = w.ApproveStep(bob, "s1", ScopeUseCases("uc1"))
	require.NoError(t, err)
	_, err = w.ApproveStep(bob, "s1", ScopeAll())
	assert.ErrorIs(t, err, ErrDuplicateApproval)
	_, err = w.ApproveStep(bob, "s1", ScopeUseCases("uc2"))
	assert.ErrorIs(t, err, ErrDuplicateApproval)

	step, err := w.Step("s1")
	require.NoError(t, err)
	assert.Len(t, step.Approvals, 1)
}

func TestApprovalThreshold(t *testing.T) {
	w := newTestWorkspace(t, WithDefaultThreshold(2))
	_, err := w.SubmitStep(alice, StepDraft{ID: "s1", Content: "a"})
	require.NoError(t, err)

	step, err := w.ApproveStep(bob, "s1", ScopeAll())
	require.NoError(t, err)
	assert.Equal(t, StatusReview, step.Status)
	last := step.History[len(step.History)-1]
	assert.Equal(t, "Approved (1/2)", last.Action)
	assert.Nil(t, last.ColumnChange)

	step, err = w.ApproveStep(carol, "s1", ScopeAll())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, step.Status)
	last = step.History[len(step.History)-1]
	assert.Equal(t, "Approved (2/2)", last.Action)
	require.NotNil(t, last.ColumnChange)
	assert.Equal(t, StatusApproved, *last.ColumnChange)
}

func TestGlobalApprovalCoversLaterUseCases(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")

	step, err := w.ApproveStep(bob, "s1", ScopeAll())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, step.Status)
	assert.Equal(t, "Approved", step.History[len(step.History)-1].Action)

	_, err = w.SubmitUseCase(carol, UseCaseDraft{ID: "uc9", StepIDs: []string{"s1"}})
	require.NoError(t, err)

	ok, err := w.IsApprovedFor("s1", "uc9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScopedApprovalDoesNotCoverOtherUseCases(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1", "uc2")

	step, err := w.ApproveStep(bob, "s1", ScopeUseCases("uc1"))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, step.Status)
	assert.Equal(t, "Approved for use cases uc1", step.History[len(step.History)-1].Action)

	ok, _ := w.IsApprovedFor("s1", "uc1")
	assert.True(t, ok)
	ok, _ = w.IsApprovedFor("s1", "uc2")
	assert.False(t, ok)

	cov := Coverage(step)
	assert.False(t, cov.Full())
	assert.Equal(t, []string{"uc2"}, cov.Uncovered)

	step, err = w.ApproveStep(carol, "s1", ScopeUseCases("uc2"))
	require.NoError(t, err)
	assert.True(t, Coverage(step).Full())

	_, err = w.ApproveStep(Actor{ID: "u-dan", Name: "Dan"}, "s1", ScopeAll())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestScopedApprovalValidatesUseCases(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")

	_, err := w.ApproveStep(bob, "s1", ScopeUseCases("uc1", "nope"))
	var unknown *UnknownUseCaseError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"nope"}, unknown.UseCaseIDs)
	assert.ErrorIs(t, err, ErrUnknownUseCase)

	_, err = w.ApproveStep(bob, "s1", ScopeUseCases())
	assert.ErrorIs(t, err, ErrUnknownUseCase)

	step, _ := w.Step("s1")
	assert.Empty(t, step.Approvals)
}

func TestRejectRequiresReason(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")

	for _, reason := range []string{"", "   ", "\n\t"} {
		_, err := w.RejectStep(bob, "s1", reason)
		assert.ErrorIs(t, err, ErrMissingJustification)
	}
	step, _ := w.Step("s1")
	assert.Equal(t, StatusReview, step.Status)

	step, err := w.RejectStep(bob, "s1", " wrong flow ")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, step.Status)
	assert.Equal(t, "wrong flow", step.RejectionReason)
	assert.Equal(t, "Rejected: wrong flow", step.History[len(step.History)-1].Action)

	_, err = w.ApproveStep(carol, "s1", ScopeAll())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = w.RejectUseCase(bob, "uc1", "")
	assert.ErrorIs(t, err, ErrMissingJustification)
}

func TestCommentForcesClarification(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1")
	before, _ := w.Step("s1")

	line := 2
	res, err := w.AddStepComment(bob, "s1", "Which password field?", &line)
	require.NoError(t, err)

	step := res.Step
	assert.Equal(t, StatusClarification, step.Status)
	require.Len(t, step.History, len(before.History)+2)
	added := step.History[len(before.History):]
	assert.Equal(t, "Added comment: Which password field?", added[0].Action)
	assert.Nil(t, added[0].ColumnChange)
	assert.Equal(t, ActionNeedsClarify, added[1].Action)
	require.NotNil(t, added[1].ColumnChange)
	assert.Equal(t, StatusClarification, *added[1].ColumnChange)
	assert.Equal(t, added[0].Seq+1, added[1].Seq)

	require.Len(t, step.Comments, 1)
	require.NotNil(t, step.Comments[0].LineNumber)
	assert.Equal(t, 2, *step.Comments[0].LineNumber)

	assert.Equal(t, alice.ID, res.Notification.RecipientID)
	assert.Equal(t, EventCommentAdded, res.Notification.Event)
	assert.Equal(t, "Bob", res.Notification.ActorName)

	_, err = w.AddStepComment(bob, "s1", "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyComment)

	_, err = w.ApproveStep(bob, "s1", ScopeAll())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	step, err = w.ReviseStep(alice, "s1", "open page\nenter password in the secret field\nsubmit")
	require.NoError(t, err)
	assert.Equal(t, StatusReview, step.Status)
	diff, err := w.StepDiff("s1", "")
	require.NoError(t, err)
	assert.True(t, HasChanges(diff))
}

func TestLongCommentPreviewIsTruncated(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1")
	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	res, err := w.AddStepComment(bob, "s1", long, nil)
	require.NoError(t, err)
	action := res.Step.History[len(res.Step.History)-2].Action
	assert.Equal(t, "Added comment: "+long[:80]+"…", action)
}

func TestBeginClarificationRequestChangesNothing(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")
	before, _ := w.Step("s1")

	req, err := w.BeginClarificationRequest(KindStep, "s1")
	require.NoError(t, err)
	assert.True(t, req.Allowed)
	assert.Equal(t, alice.ID, req.AuthorID)

	after, _ := w.Step("s1")
	assert.Equal(t, before, after)

	_, err = w.BeginClarificationRequest(KindUseCase, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistorySequenceIsMonotonic(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1", "uc2")
	_, err := w.EditStepForUseCase(carol, "uc1", "s1", "changed")
	require.NoError(t, err)
	_, err = w.AddStepComment(bob, "s1", "why?", nil)
	require.NoError(t, err)

	history, err := w.History(KindStep, "s1")
	require.NoError(t, err)
	for i, entry := range history {
		assert.Equal(t, i+1, entry.Seq)
		if i > 0 {
			assert.False(t, entry.Date.Before(history[i-1].Date))
		}
	}
}

func TestUseCaseApproval(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")

	_, err := w.ApproveUseCase(bob, "uc1", ScopeUseCases("uc1"))
	assert.ErrorIs(t, err, ErrScopeNotSupported)

	uc, err := w.ApproveUseCase(bob, "uc1", ScopeAll())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, uc.Status)
	require.NotNil(t, uc.Approval)
	assert.Equal(t, bob.ID, uc.Approval.UserID)

	_, err = w.ApproveUseCase(bob, "uc1", ScopeAll())
	assert.ErrorIs(t, err, ErrDuplicateApproval)
	_, err = w.ApproveUseCase(carol, "uc1", ScopeAll())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNeedsAttention(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1", "uc2")

	stale, err := w.NeedsAttention("uc1")
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = w.EditStepForUseCase(carol, "uc2", "s1", "changed by uc2")
	require.NoError(t, err)

	stale, err = w.NeedsAttention("uc1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, stale)

	_, err = w.NeedsAttention("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitAndSnapshotRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1", "uc2")
	_, err := w.EditStepForUseCase(carol, "uc1", "s1", "fork")
	require.NoError(t, err)

	seed := w.Snapshot()
	other := newTestWorkspace(t)
	require.NoError(t, other.Init(seed))
	assert.Equal(t, seed, other.Snapshot())

	seed.Steps[0].Title = "mutated"
	step, _ := other.Step("s1")
	assert.Equal(t, "Login", step.Title)

	bad := Seed{UseCases: []*UseCase{{Review: Review{ID: "uc"}, Steps: []string{"ghost"}}}}
	assert.Error(t, other.Init(bad))
}

func TestQueueListsOpenEntities(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")
	_, err := w.SubmitStep(alice, StepDraft{ID: "s2", Content: "x"})
	require.NoError(t, err)
	_, err = w.ApproveStep(bob, "s2", ScopeAll())
	require.NoError(t, err)

	queue := w.Queue()
	ids := make([]string, 0, len(queue))
	for _, item := range queue {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{"s1", "uc1"}, ids)
}

func TestConcurrentApprovalsAreSerialised(t *testing.T) {
	w := newTestWorkspace(t, WithDefaultThreshold(50))
	_, err := w.SubmitStep(alice, StepDraft{ID: "s1", Content: "a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = w.ApproveStep(Actor{ID: fmt.Sprintf("u-%d", i%10), Name: "R"}, "s1", ScopeAll())
		}(i)
	}
	wg.Wait()

	step, _ := w.Step("s1")
	assert.Len(t, step.Approvals, 10)
	assert.Len(t, step.History, 11)
}

func TestFailedPersistLeavesStateUnchanged(t *testing.T) {
	w := newTestWorkspace(t)
	before := sharedStep(t, w, "s1", "uc1", "uc2")
	errWrite := errors.New("write failed")
	failing := w.Persisting(func(Change) error { return errWrite })

	_, err := failing.ApproveStep(bob, "s1", ScopeAll())
	assert.ErrorIs(t, err, errWrite)
	_, err = failing.AddStepComment(bob, "s1", "why?", nil)
	assert.ErrorIs(t, err, errWrite)
	_, err = failing.EditStepForUseCase(carol, "uc1", "s1", "fork")
	assert.ErrorIs(t, err, errWrite)
	_, err = failing.ReviseStep(alice, "s1", "new text")
	assert.ErrorIs(t, err, errWrite)
	_, err = failing.RejectUseCase(bob, "uc1", "unclear")
	assert.ErrorIs(t, err, errWrite)

	after, err := w.Step("s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	versions, err := w.Versions("s1")
	require.NoError(t, err)
	assert.Empty(t, versions)
	uc, err := w.UseCase("uc1")
	require.NoError(t, err)
	assert.Equal(t, StatusReview, uc.Status)

	_, err = failing.SubmitStep(alice, StepDraft{ID: "s2", Title: "t", Content: "c"})
	assert.ErrorIs(t, err, errWrite)
	_, err = w.Step("s2")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = failing.SubmitUseCase(alice, UseCaseDraft{ID: "uc3", StepIDs: []string{"s1"}})
	assert.ErrorIs(t, err, errWrite)
	_, err = w.UseCase("uc3")
	assert.ErrorIs(t, err, ErrNotFound)
	after, err = w.Step("s1")
	require.NoError(t, err)
	assert.False(t, after.References("uc3"))

	// the same action succeeds once the write goes through
	step, err := w.ApproveStep(bob, "s1", ScopeAll())
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, step.Status)
}

func TestPersisterReceivesChange(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1", "uc1")
	var changes []Change
	recording := w.Persisting(func(c Change) error {
		changes = append(changes, c)
		return nil
	})

	_, err := recording.ApproveStep(bob, "s1", ScopeUseCases("uc1"))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	approve := changes[0]
	assert.Equal(t, "approve", approve.Action)
	require.Len(t, approve.Steps, 1)
	assert.Equal(t, StatusApproved, approve.Steps[0].Status)
	require.NotNil(t, approve.Approval)
	assert.Equal(t, KindStep, approve.Approval.Kind)
	assert.Equal(t, bob.ID, approve.Approval.Approval.UserID)
	assert.Equal(t, []string{"uc1"}, approve.Approval.Approval.UseCaseIDs)

	_, err = recording.SubmitStep(alice, StepDraft{ID: "s2", Title: "t", Content: "c"})
	require.NoError(t, err)
	_, err = recording.SubmitUseCase(alice, UseCaseDraft{ID: "uc2", StepIDs: []string{"s1", "s2", "s1"}})
	require.NoError(t, err)
	submit := changes[len(changes)-1]
	require.Len(t, submit.UseCases, 1)
	assert.Equal(t, []string{"s1", "s2"}, submit.UseCases[0].Steps)
	require.Len(t, submit.Steps, 2)
	for _, step := range submit.Steps {
		assert.True(t, step.References("uc2"))
	}
}

func TestSubmitUseCaseWithUnknownStepPublishesNothing(t *testing.T) {
	w := newTestWorkspace(t)
	sharedStep(t, w, "s1")

	_, err := w.SubmitUseCase(alice, UseCaseDraft{ID: "uc1", StepIDs: []string{"s1", "missing"}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = w.UseCase("uc1")
	assert.ErrorIs(t, err, ErrNotFound)
	step, err := w.Step("s1")
	require.NoError(t, err)
	assert.Empty(t, step.UseCaseIDs)
}
