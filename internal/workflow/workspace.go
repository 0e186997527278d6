package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"usecasehub/api/internal/util"
)

// Seed is the full state of a workspace. Init loads one; Snapshot returns one.
type Seed struct {
	Steps    []*Step                  `json:"steps"`
	UseCases []*UseCase               `json:"useCases"`
	Versions map[string][]StepVersion `json:"versions"`
}

type StepDraft struct {
	ID                string
	Title             string
	Content           string
	RequiredApprovals int
}

type UseCaseDraft struct {
	ID      string
	Title   string
	Content string
	StepIDs []string
}

// CommentResult carries the updated entity state and the notification the
// caller must deliver.
type CommentResult struct {
	Comment      Comment
	Notification Notification
	Step         *Step
	UseCase      *UseCase
}

// ForkResult is returned when a use case owner edits a shared step.
type ForkResult struct {
	Step    *Step
	Version StepVersion
	// Versions is the full version list of the step after the edit.
	Versions []StepVersion
}

type Option func(*Workspace)

func WithClock(now func() time.Time) Option {
	return func(w *Workspace) { w.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(w *Workspace) { w.newID = newID }
}

// WithDefaultThreshold sets the approval threshold for submitted steps that
// do not carry one.
func WithDefaultThreshold(n int) Option {
	return func(w *Workspace) {
		if n > 0 {
			w.defaultThreshold = n
		}
	}
}

// Workspace is the in-memory repository the engine applies actions to.
// Writes to one entity are serialised; every action is applied to a copy and
// swapped in only when all guards pass and the change is persisted.
type Workspace struct {
	*state
	persist Persister

	now              func() time.Time
	newID            func(string) string
	defaultThreshold int
}

type state struct {
	mu       sync.RWMutex
	steps    map[string]*Step
	useCases map[string]*UseCase
	versions map[string][]StepVersion

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewWorkspace(opts ...Option) *Workspace {
	w := &Workspace{
		state: &state{
			steps:    make(map[string]*Step),
			useCases: make(map[string]*UseCase),
			versions: make(map[string][]StepVersion),
			locks:    make(map[string]*sync.Mutex),
		},
		now:              func() time.Time { return time.Now().UTC() },
		newID:            util.NewID,
		defaultThreshold: 1,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Init replaces the workspace state with seed.
func (w *Workspace) Init(seed Seed) error {
	steps := make(map[string]*Step, len(seed.Steps))
	for _, s := range seed.Steps {
		if s == nil || s.ID == "" {
			return fmt.Errorf("seed step without id")
		}
		if _, dup := steps[s.ID]; dup {
			return fmt.Errorf("duplicate seed step %s", s.ID)
		}
		steps[s.ID] = s.Clone()
	}
	useCases := make(map[string]*UseCase, len(seed.UseCases))
	for _, u := range seed.UseCases {
		if u == nil || u.ID == "" {
			return fmt.Errorf("seed use case without id")
		}
		if _, dup := useCases[u.ID]; dup {
			return fmt.Errorf("duplicate seed use case %s", u.ID)
		}
		clone := u.Clone()
		for _, stepID := range clone.Steps {
			if _, ok := steps[stepID]; !ok {
				return fmt.Errorf("use case %s references unknown step %s", u.ID, stepID)
			}
		}
		useCases[u.ID] = clone
	}
	versions := make(map[string][]StepVersion, len(seed.Versions))
	for stepID, list := range seed.Versions {
		if _, ok := steps[stepID]; !ok {
			return fmt.Errorf("versions reference unknown step %s", stepID)
		}
		versions[stepID] = cloneVersions(list)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps = steps
	w.useCases = useCases
	w.versions = versions
	return nil
}

// Snapshot returns a deep copy of the current state, ordered by creation.
func (w *Workspace) Snapshot() Seed {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seed := Seed{
		Steps:    make([]*Step, 0, len(w.steps)),
		UseCases: make([]*UseCase, 0, len(w.useCases)),
		Versions: make(map[string][]StepVersion, len(w.versions)),
	}
	for _, s := range w.steps {
		seed.Steps = append(seed.Steps, s.Clone())
	}
	for _, u := range w.useCases {
		seed.UseCases = append(seed.UseCases, u.Clone())
	}
	for id, list := range w.versions {
		seed.Versions[id] = cloneVersions(list)
	}
	sort.Slice(seed.Steps, func(i, j int) bool { return less(seed.Steps[i].Review, seed.Steps[j].Review) })
	sort.Slice(seed.UseCases, func(i, j int) bool { return less(seed.UseCases[i].Review, seed.UseCases[j].Review) })
	return seed
}

func less(a, b Review) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (w *Workspace) entityLock(kind Kind, id string) *sync.Mutex {
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	key := string(kind) + ":" + id
	lock, ok := w.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[key] = lock
	}
	return lock
}

// lockStepThenUseCase takes both locks in a fixed order.
func (w *Workspace) lockStepThenUseCase(stepID, useCaseID string) func() {
	stepLock := w.entityLock(KindStep, stepID)
	ucLock := w.entityLock(KindUseCase, useCaseID)
	stepLock.Lock()
	ucLock.Lock()
	return func() {
		ucLock.Unlock()
		stepLock.Unlock()
	}
}

// lockStepsThenUseCase locks every distinct step in sorted order, then the
// use case, matching the order of lockStepThenUseCase.
func (w *Workspace) lockStepsThenUseCase(stepIDs []string, useCaseID string) func() {
	ids := make([]string, 0, len(stepIDs))
	seen := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	locks := make([]*sync.Mutex, 0, len(ids)+1)
	for _, id := range ids {
		locks = append(locks, w.entityLock(KindStep, id))
	}
	locks = append(locks, w.entityLock(KindUseCase, useCaseID))
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (w *Workspace) loadStep(id string) (*Step, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (w *Workspace) loadUseCase(id string) (*UseCase, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	u, ok := w.useCases[id]
	if !ok {
		return nil, fmt.Errorf("use case %s: %w", id, ErrNotFound)
	}
	return u.Clone(), nil
}

func (w *Workspace) loadVersions(stepID string) []StepVersion {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneVersions(w.versions[stepID])
}

func (w *Workspace) storeStep(s *Step, versions []StepVersion) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps[s.ID] = s
	if versions != nil {
		w.versions[s.ID] = versions
	}
}

func (w *Workspace) storeUseCase(u *UseCase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.useCases[u.ID] = u
}

func (w *Workspace) Step(id string) (*Step, error) {
	return w.loadStep(id)
}

func (w *Workspace) UseCase(id string) (*UseCase, error) {
	return w.loadUseCase(id)
}

// Versions returns all versions of a step, active first in resolution order.
func (w *Workspace) Versions(stepID string) ([]StepVersion, error) {
	if _, err := w.loadStep(stepID); err != nil {
		return nil, err
	}
	return w.loadVersions(stepID), nil
}

func (w *Workspace) SubmitStep(actor Actor, draft StepDraft) (*Step, error) {
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		id = w.newID("step")
	}
	threshold := draft.RequiredApprovals
	if threshold < 1 {
		threshold = w.defaultThreshold
	}
	step := &Step{
		Review: Review{
			ID:      id,
			Title:   strings.TrimSpace(draft.Title),
			Content: draft.Content,
		},
		UseCaseIDs:        []string{},
		Approvals:         []Approval{},
		RequiredApprovals: threshold,
	}
	submit(&step.Review, actor, w.now())

	lock := w.entityLock(KindStep, id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := w.loadStep(id); err == nil {
		return nil, fmt.Errorf("step %s: %w", id, ErrAlreadyExists)
	}
	if err := w.save(stepChange("submit", step, nil)); err != nil {
		return nil, err
	}
	w.storeStep(step, nil)
	return step.Clone(), nil
}

// SubmitUseCase creates a use case in review and links the given steps to it
// in order. The use case and its links are published together.
func (w *Workspace) SubmitUseCase(actor Actor, draft UseCaseDraft) (*UseCase, error) {
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		id = w.newID("uc")
	}
	now := w.now()
	uc := &UseCase{
		Review: Review{
			ID:      id,
			Title:   strings.TrimSpace(draft.Title),
			Content: draft.Content,
		},
		Steps:            []string{},
		StepLastModified: map[string]time.Time{},
	}
	submit(&uc.Review, actor, now)

	unlock := w.lockStepsThenUseCase(draft.StepIDs, id)
	defer unlock()

	if _, err := w.loadUseCase(id); err == nil {
		return nil, fmt.Errorf("use case %s: %w", id, ErrAlreadyExists)
	}
	linked := make(map[string]*Step, len(draft.StepIDs))
	order := make([]*Step, 0, len(draft.StepIDs))
	for _, stepID := range draft.StepIDs {
		step, ok := linked[stepID]
		if !ok {
			loaded, err := w.loadStep(stepID)
			if err != nil {
				return nil, err
			}
			step = loaded
			linked[stepID] = step
			order = append(order, step)
		}
		link(actor, uc, step, now)
	}

	if err := w.save(Change{Action: "submit", Steps: order, UseCases: []*UseCase{uc}}); err != nil {
		return nil, err
	}
	w.mu.Lock()
	for _, step := range order {
		w.steps[step.ID] = step
	}
	w.useCases[uc.ID] = uc
	w.mu.Unlock()
	return uc.Clone(), nil
}

// AttachStep appends a step reference to a use case and records the
// attachment time used by NeedsAttention. Linking does not count as a
// modification of the step.
func (w *Workspace) AttachStep(actor Actor, useCaseID, stepID string) (*UseCase, *Step, error) {
	unlock := w.lockStepThenUseCase(stepID, useCaseID)
	defer unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return nil, nil, err
	}
	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return nil, nil, err
	}
	if uc.Status.IsTerminal() {
		return nil, nil, &TransitionError{Kind: KindUseCase, ID: uc.ID, From: uc.Status, Action: "attach steps to"}
	}
	if uc.References(stepID) {
		return uc, step, nil
	}
	link(actor, uc, step, w.now())

	if err := w.save(Change{Action: "attach", Steps: []*Step{step}, UseCases: []*UseCase{uc}}); err != nil {
		return nil, nil, err
	}
	w.mu.Lock()
	w.steps[step.ID] = step
	w.useCases[uc.ID] = uc
	w.mu.Unlock()
	return uc.Clone(), step.Clone(), nil
}

// link records stepID on uc and uc on the step's history.
func link(actor Actor, uc *UseCase, step *Step, now time.Time) {
	if !uc.References(step.ID) {
		uc.Steps = append(uc.Steps, step.ID)
		uc.StepLastModified[step.ID] = now
	}
	if !step.References(uc.ID) {
		step.UseCaseIDs = append(step.UseCaseIDs, uc.ID)
		appendHistory(&step.Review, actor, linkAction(uc.ID), nil, now)
	}
}

func (w *Workspace) ReviseStep(actor Actor, stepID, content string) (*Step, error) {
	lock := w.entityLock(KindStep, stepID)
	lock.Lock()
	defer lock.Unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	replaced := step.Content
	if err := revise(KindStep, &step.Review, actor, content, w.now()); err != nil {
		return nil, err
	}
	versions := w.loadVersions(stepID)
	if step.Content != replaced {
		rebaseVersions(step, versions)
	}
	syncVersionStatuses(step, versions)
	if err := w.save(stepChange("revise", step, versions)); err != nil {
		return nil, err
	}
	w.storeStep(step, versions)
	return step.Clone(), nil
}

func (w *Workspace) ReviseUseCase(actor Actor, useCaseID, content string) (*UseCase, error) {
	lock := w.entityLock(KindUseCase, useCaseID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return nil, err
	}
	if err := revise(KindUseCase, &uc.Review, actor, content, w.now()); err != nil {
		return nil, err
	}
	if err := w.save(useCaseChange("revise", uc)); err != nil {
		return nil, err
	}
	w.storeUseCase(uc)
	return uc.Clone(), nil
}

// EditStepForUseCase forks the step's content for one use case.
func (w *Workspace) EditStepForUseCase(actor Actor, useCaseID, stepID, content string) (ForkResult, error) {
	unlock := w.lockStepThenUseCase(stepID, useCaseID)
	defer unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return ForkResult{}, err
	}
	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return ForkResult{}, err
	}
	if !uc.References(stepID) {
		return ForkResult{}, &UnknownUseCaseError{StepID: stepID, UseCaseIDs: []string{useCaseID}}
	}
	versions, fork, err := editForUseCase(step, w.loadVersions(stepID), useCaseID, actor, content, w.newID, w.now())
	if err != nil {
		return ForkResult{}, err
	}
	if err := w.save(stepChange("fork", step, versions)); err != nil {
		return ForkResult{}, err
	}
	w.storeStep(step, versions)
	return ForkResult{Step: step.Clone(), Version: fork, Versions: cloneVersions(versions)}, nil
}

func (w *Workspace) ApproveStep(actor Actor, stepID string, scope ApprovalScope) (*Step, error) {
	lock := w.entityLock(KindStep, stepID)
	lock.Lock()
	defer lock.Unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	if err := approveStep(step, actor, scope, w.now()); err != nil {
		return nil, err
	}
	versions := w.loadVersions(stepID)
	syncVersionStatuses(step, versions)
	change := stepChange("approve", step, versions)
	change.Approval = &ApprovalRecord{Kind: KindStep, EntityID: step.ID, Approval: step.Approvals[len(step.Approvals)-1]}
	if err := w.save(change); err != nil {
		return nil, err
	}
	w.storeStep(step, versions)
	return step.Clone(), nil
}

func (w *Workspace) ApproveUseCase(actor Actor, useCaseID string, scope ApprovalScope) (*UseCase, error) {
	lock := w.entityLock(KindUseCase, useCaseID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return nil, err
	}
	if err := approveUseCase(uc, actor, scope, w.now()); err != nil {
		return nil, err
	}
	change := useCaseChange("approve", uc)
	change.Approval = &ApprovalRecord{Kind: KindUseCase, EntityID: uc.ID, Approval: *uc.Approval}
	if err := w.save(change); err != nil {
		return nil, err
	}
	w.storeUseCase(uc)
	return uc.Clone(), nil
}

func (w *Workspace) RejectStep(actor Actor, stepID, reason string) (*Step, error) {
	lock := w.entityLock(KindStep, stepID)
	lock.Lock()
	defer lock.Unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return nil, err
	}
	if err := reject(KindStep, &step.Review, actor, reason, w.now()); err != nil {
		return nil, err
	}
	versions := w.loadVersions(stepID)
	syncVersionStatuses(step, versions)
	if err := w.save(stepChange("reject", step, versions)); err != nil {
		return nil, err
	}
	w.storeStep(step, versions)
	return step.Clone(), nil
}

func (w *Workspace) RejectUseCase(actor Actor, useCaseID, reason string) (*UseCase, error) {
	lock := w.entityLock(KindUseCase, useCaseID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return nil, err
	}
	if err := reject(KindUseCase, &uc.Review, actor, reason, w.now()); err != nil {
		return nil, err
	}
	if err := w.save(useCaseChange("reject", uc)); err != nil {
		return nil, err
	}
	w.storeUseCase(uc)
	return uc.Clone(), nil
}

func (w *Workspace) AddStepComment(actor Actor, stepID, text string, lineNumber *int) (CommentResult, error) {
	lock := w.entityLock(KindStep, stepID)
	lock.Lock()
	defer lock.Unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return CommentResult{}, err
	}
	comment, note, err := addComment(KindStep, &step.Review, actor, text, lineNumber, w.newID("cmt"), w.now())
	if err != nil {
		return CommentResult{}, err
	}
	versions := w.loadVersions(stepID)
	syncVersionStatuses(step, versions)
	if err := w.save(stepChange("comment", step, versions)); err != nil {
		return CommentResult{}, err
	}
	w.storeStep(step, versions)
	return CommentResult{Comment: comment, Notification: note, Step: step.Clone()}, nil
}

func (w *Workspace) AddUseCaseComment(actor Actor, useCaseID, text string, lineNumber *int) (CommentResult, error) {
	lock := w.entityLock(KindUseCase, useCaseID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return CommentResult{}, err
	}
	comment, note, err := addComment(KindUseCase, &uc.Review, actor, text, lineNumber, w.newID("cmt"), w.now())
	if err != nil {
		return CommentResult{}, err
	}
	if err := w.save(useCaseChange("comment", uc)); err != nil {
		return CommentResult{}, err
	}
	w.storeUseCase(uc)
	return CommentResult{Comment: comment, Notification: note, UseCase: uc.Clone()}, nil
}

// BeginClarificationRequest changes nothing. It reports whether a comment
// may be added and who will be notified.
func (w *Workspace) BeginClarificationRequest(kind Kind, id string) (ClarificationRequest, error) {
	r, err := w.review(kind, id)
	if err != nil {
		return ClarificationRequest{}, err
	}
	return beginClarification(kind, &r), nil
}

func (w *Workspace) review(kind Kind, id string) (Review, error) {
	switch kind {
	case KindStep:
		s, err := w.loadStep(id)
		if err != nil {
			return Review{}, err
		}
		return s.Review, nil
	case KindUseCase:
		u, err := w.loadUseCase(id)
		if err != nil {
			return Review{}, err
		}
		return u.Review, nil
	default:
		return Review{}, fmt.Errorf("kind %q: %w", kind, ErrNotFound)
	}
}

func (w *Workspace) History(kind Kind, id string) ([]HistoryEntry, error) {
	r, err := w.review(kind, id)
	if err != nil {
		return nil, err
	}
	return r.History, nil
}

func (w *Workspace) ResolveVersion(stepID, versionID string) (Resolved, error) {
	step, err := w.loadStep(stepID)
	if err != nil {
		return Resolved{}, err
	}
	return ResolveVersion(step, w.loadVersions(stepID), versionID)
}

// StepDiff returns the pending edits of the resolved version of a step.
func (w *Workspace) StepDiff(stepID, versionID string) ([]DiffLine, error) {
	resolved, err := w.ResolveVersion(stepID, versionID)
	if err != nil {
		return nil, err
	}
	return ReviewDiff(&Review{Status: resolved.Status, Content: resolved.Content, PreviousContent: resolved.PreviousContent}), nil
}

func (w *Workspace) UseCaseDiff(useCaseID string) ([]DiffLine, error) {
	uc, err := w.loadUseCase(useCaseID)
	if err != nil {
		return nil, err
	}
	return ReviewDiff(&uc.Review), nil
}

func (w *Workspace) IsApprovedFor(stepID, useCaseID string) (bool, error) {
	step, err := w.loadStep(stepID)
	if err != nil {
		return false, err
	}
	return IsApprovedFor(step, useCaseID), nil
}

// NeedsAttention lists the steps of a use case modified after they were
// attached to it.
func (w *Workspace) NeedsAttention(useCaseID string) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	uc, ok := w.useCases[useCaseID]
	if !ok {
		return nil, fmt.Errorf("use case %s: %w", useCaseID, ErrNotFound)
	}
	out := make([]string, 0)
	for _, stepID := range uc.Steps {
		step, ok := w.steps[stepID]
		if !ok {
			continue
		}
		if step.LastModified.After(uc.StepLastModified[stepID]) {
			out = append(out, stepID)
		}
	}
	return out, nil
}

// ReconciliationCandidates lists steps whose use-case forks diverge.
func (w *Workspace) ReconciliationCandidates() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0)
	for stepID, versions := range w.versions {
		if NeedsReconciliation(versions) {
			out = append(out, stepID)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Workspace) OverrideDraft(stepID string) (OverrideDraft, bool, error) {
	step, err := w.loadStep(stepID)
	if err != nil {
		return OverrideDraft{}, false, err
	}
	versions := w.loadVersions(stepID)
	return overrideDraft(step, versions), NeedsReconciliation(versions), nil
}

func (w *Workspace) CommitOverride(actor Actor, stepID, content string) (ForkResult, error) {
	lock := w.entityLock(KindStep, stepID)
	lock.Lock()
	defer lock.Unlock()

	step, err := w.loadStep(stepID)
	if err != nil {
		return ForkResult{}, err
	}
	versions, err := commitOverride(step, w.loadVersions(stepID), actor, content, w.newID, w.now())
	if err != nil {
		return ForkResult{}, err
	}
	if err := w.save(stepChange("override", step, versions)); err != nil {
		return ForkResult{}, err
	}
	w.storeStep(step, versions)
	return ForkResult{Step: step.Clone(), Version: versions[0], Versions: cloneVersions(versions)}, nil
}

// QueueItem is an entity waiting on a reviewer or its author.
type QueueItem struct {
	Kind           Kind      `json:"kind"`
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         Status    `json:"status"`
	AuthorName     string    `json:"authorName"`
	LastModified   time.Time `json:"lastModified"`
	NeedsAttention bool      `json:"needsAttention"`
	Diverged       bool      `json:"diverged"`
}

// Queue returns open steps and use cases, most recently modified first.
func (w *Workspace) Queue() []QueueItem {
	w.mu.RLock()
	items := make([]QueueItem, 0)
	for _, s := range w.steps {
		if !open(s.Status) {
			continue
		}
		items = append(items, QueueItem{
			Kind: KindStep, ID: s.ID, Title: s.Title, Status: s.Status,
			AuthorName: s.AuthorName, LastModified: s.LastModified,
			Diverged: NeedsReconciliation(w.versions[s.ID]),
		})
	}
	useCaseIDs := make([]string, 0)
	for _, u := range w.useCases {
		if open(u.Status) {
			useCaseIDs = append(useCaseIDs, u.ID)
		}
	}
	w.mu.RUnlock()

	for _, id := range useCaseIDs {
		uc, err := w.loadUseCase(id)
		if err != nil {
			continue
		}
		stale, _ := w.NeedsAttention(id)
		items = append(items, QueueItem{
			Kind: KindUseCase, ID: uc.ID, Title: uc.Title, Status: uc.Status,
			AuthorName: uc.AuthorName, LastModified: uc.LastModified,
			NeedsAttention: len(stale) > 0,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastModified.Equal(items[j].LastModified) {
			return items[i].LastModified.After(items[j].LastModified)
		}
		return items[i].ID < items[j].ID
	})
	return items
}
