package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"usecasehub/api/internal/auth"
	"usecasehub/api/internal/config"
	"usecasehub/api/internal/email"
	"usecasehub/api/internal/gitrepo"
	"usecasehub/api/internal/idempotency"
	"usecasehub/api/internal/logger"
	"usecasehub/api/internal/metrics"
	"usecasehub/api/internal/rbac"
	"usecasehub/api/internal/store"
	"usecasehub/api/internal/workflow"
)

type Session struct {
	UserID   string
	UserName string
	Email    string
	Role     rbac.Role
}

func (s Session) Actor() workflow.Actor {
	return workflow.Actor{ID: s.UserID, Name: s.UserName}
}

type StepInput struct {
	ID                string `json:"id" validate:"omitempty,max=64,excludesall=/ "`
	Title             string `json:"title" validate:"required,max=200"`
	Content           string `json:"content" validate:"required"`
	RequiredApprovals int    `json:"requiredApprovals" validate:"gte=0,lte=10"`
}

type UseCaseInput struct {
	ID      string   `json:"id" validate:"omitempty,max=64,excludesall=/ "`
	Title   string   `json:"title" validate:"required,max=200"`
	Content string   `json:"content"`
	StepIDs []string `json:"stepIds" validate:"dive,required"`
}

type StepView struct {
	Step                *workflow.Step            `json:"step"`
	Versions            []workflow.StepVersion    `json:"versions"`
	Coverage            workflow.ApprovalCoverage `json:"coverage"`
	NeedsReconciliation bool                      `json:"needsReconciliation"`
}

type UseCaseView struct {
	UseCase        *workflow.UseCase `json:"useCase"`
	NeedsAttention []string          `json:"needsAttention"`
}

type DiffView struct {
	Lines      []workflow.DiffLine `json:"lines"`
	HasChanges bool                `json:"hasChanges"`
	Unified    string              `json:"unified,omitempty"`
}

type HistoryView struct {
	Entries []workflow.HistoryEntry `json:"entries"`
	Commits []gitrepo.CommitInfo    `json:"commits,omitempty"`
}

type ContentView struct {
	Branch  string `json:"branch,omitempty"`
	Commit  string `json:"commit"`
	Content string `json:"content"`
}

type ReconciliationView struct {
	Draft               workflow.OverrideDraft `json:"draft"`
	NeedsReconciliation bool                   `json:"needsReconciliation"`
}

type dataStore interface {
	LoadSeed(context.Context) (workflow.Seed, error)
	Apply(context.Context, workflow.Change) error
	UpsertReviewer(context.Context, string, string, string) error
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureStepRepo(string, string, string) error
	CommitBase(string, string, string, string) (gitrepo.CommitInfo, error)
	CommitFork(string, string, string, string, string) (gitrepo.CommitInfo, error)
	CommitOverride(string, string, string, []string) (gitrepo.CommitInfo, error)
	History(string, string, int) ([]gitrepo.CommitInfo, error)
	HeadContent(string, string) (string, gitrepo.CommitInfo, error)
	ContentByHash(string, string) (string, error)
	TagApproval(string, string, string, string) error
}

type idempotencyStore interface {
	Claim(context.Context, string, idempotency.Record) (bool, error)
	Lookup(context.Context, string, string) (idempotency.Record, bool, error)
	Release(context.Context, string, string) error
	Ping(context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	git       gitService
	notifier  workflow.Notifier
	idem      idempotencyStore
	metrics   *metrics.Metrics
	root      zerolog.Logger
	log       zerolog.Logger
	workspace *workflow.Workspace

	// reviewers already written to the store, keyed by id, valued by email
	reviewers sync.Map
}

type Option func(*Service)

func WithNotifier(notifier workflow.Notifier) Option {
	return func(s *Service) { s.notifier = notifier }
}

func WithIdempotency(idem *idempotency.RedisStore) Option {
	return func(s *Service) {
		if idem != nil {
			s.idem = idem
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.root = l }
}

func WithWorkspace(w *workflow.Workspace) Option {
	return func(s *Service) { s.workspace = w }
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, opts ...Option) *Service {
	return newService(cfg, dataStore, gitService, opts...)
}

func newService(cfg config.Config, dataStore dataStore, gitService gitService, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		git:       gitService,
		metrics:   metrics.New(),
		root:      logger.Nop(),
		workspace: workflow.NewWorkspace(workflow.WithDefaultThreshold(cfg.RequiredApprovals)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Component(s.root, "service")
	return s
}

// Bootstrap loads the persisted review state. An empty store is seeded with
// demo data when enabled.
func (s *Service) Bootstrap(ctx context.Context) error {
	seed, err := s.store.LoadSeed(ctx)
	if err != nil {
		return fmt.Errorf("load review state: %w", err)
	}
	if len(seed.Steps) == 0 && len(seed.UseCases) == 0 && s.cfg.SeedDemoData {
		return s.seedDemo(ctx)
	}
	if err := s.workspace.Init(seed); err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	s.refreshDivergence()
	s.log.Info().
		Int("steps", len(seed.Steps)).
		Int("use_cases", len(seed.UseCases)).
		Msg("review state loaded")
	return nil
}

func (s *Service) seedDemo(ctx context.Context) error {
	avery := Session{UserID: "user-avery", UserName: "Avery", Role: rbac.RoleContributor}
	marcus := Session{UserID: "user-marcus", UserName: "Marcus K.", Role: rbac.RoleReviewer}
	sarah := Session{UserID: "user-sarah", UserName: "Sarah R.", Role: rbac.RoleReviewer}

	steps := []StepInput{
		{ID: "enter-credentials", Title: "Enter credentials", Content: "User opens the sign-in page.\nUser enters email and password.\nSystem validates the input format."},
		{ID: "verify-identity", Title: "Verify identity", Content: "System checks the credentials against the identity store.\nSystem issues a session token."},
		{ID: "send-reset-link", Title: "Send reset link", Content: "System generates a single-use reset token.\nSystem emails the reset link to the user."},
	}
	for _, input := range steps {
		if _, err := s.SubmitStep(ctx, avery, input); err != nil {
			return fmt.Errorf("seed step %s: %w", input.ID, err)
		}
	}
	useCases := []UseCaseInput{
		{ID: "uc-sign-in", Title: "Sign in", Content: "A registered user signs in with email and password.", StepIDs: []string{"enter-credentials", "verify-identity"}},
		{ID: "uc-password-reset", Title: "Reset password", Content: "A user who forgot their password requests a reset link.", StepIDs: []string{"enter-credentials", "send-reset-link"}},
	}
	for _, input := range useCases {
		if _, err := s.SubmitUseCase(ctx, avery, input); err != nil {
			return fmt.Errorf("seed use case %s: %w", input.ID, err)
		}
	}

	if _, err := s.ApproveStep(ctx, marcus, "verify-identity", workflow.ScopeAll()); err != nil {
		return fmt.Errorf("seed approval: %w", err)
	}
	if _, err := s.EditStepForUseCase(ctx, avery, "uc-password-reset", "enter-credentials",
		"User opens the reset page.\nUser enters the account email.\nSystem validates the input format."); err != nil {
		return fmt.Errorf("seed fork: %w", err)
	}
	if _, err := s.CommentOnStep(ctx, sarah, "send-reset-link", "How long does the reset link stay valid?", nil); err != nil {
		return fmt.Errorf("seed comment: %w", err)
	}
	s.log.Info().Msg("demo review data seeded")
	return nil
}

// SessionFromToken verifies a bearer token and records the reviewer's email
// for comment notifications.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		UserID:   claims.Subject,
		UserName: claims.Name,
		Email:    strings.TrimSpace(claims.Email),
		Role:     rbac.Normalize(claims.Role),
	}
	if session.Email != "" {
		if known, ok := s.reviewers.Load(session.UserID); !ok || known != session.Email {
			if err := s.store.UpsertReviewer(ctx, session.UserID, session.UserName, session.Email); err != nil {
				return Session{}, fmt.Errorf("record reviewer: %w", err)
			}
			s.reviewers.Store(session.UserID, session.Email)
		}
	}
	return session, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// ClaimRequest reserves an idempotency key for the session. It reports
// whether a key was claimed and must be released if the request fails.
func (s *Service) ClaimRequest(ctx context.Context, session Session, key, method, path string) (bool, error) {
	key = strings.TrimSpace(key)
	if s.idem == nil || key == "" {
		return false, nil
	}
	ok, err := s.idem.Claim(ctx, key, idempotency.Record{
		ActorID: session.UserID,
		Method:  method,
		Path:    path,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.metrics.ReplaysTotal.Inc()
		rec, found, lookupErr := s.idem.Lookup(ctx, session.UserID, key)
		if lookupErr != nil || !found {
			return false, errDuplicateRequest
		}
		return false, domainError(errDuplicateRequest.Status, errDuplicateRequest.Code, errDuplicateRequest.Message, map[string]any{
			"method":    rec.Method,
			"path":      rec.Path,
			"claimedAt": rec.ClaimedAt,
		})
	}
	return true, nil
}

func (s *Service) ReleaseRequest(ctx context.Context, session Session, key string) {
	if s.idem == nil {
		return
	}
	if err := s.idem.Release(ctx, session.UserID, strings.TrimSpace(key)); err != nil {
		s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("release idempotency key")
	}
}

func (s *Service) SubmitStep(ctx context.Context, session Session, input StepInput) (step *workflow.Step, err error) {
	defer s.observe(workflow.KindStep, "submit", &err)
	step, err = s.writer(ctx).SubmitStep(session.Actor(), workflow.StepDraft{
		ID:                input.ID,
		Title:             input.Title,
		Content:           input.Content,
		RequiredApprovals: input.RequiredApprovals,
	})
	if err != nil {
		return nil, err
	}
	if gitErr := s.git.EnsureStepRepo(step.ID, step.Content, session.UserName); gitErr != nil {
		s.gitFailed(step.ID, "init", gitErr)
	}
	return step, nil
}

func (s *Service) SubmitUseCase(ctx context.Context, session Session, input UseCaseInput) (uc *workflow.UseCase, err error) {
	defer s.observe(workflow.KindUseCase, "submit", &err)
	return s.writer(ctx).SubmitUseCase(session.Actor(), workflow.UseCaseDraft{
		ID:      input.ID,
		Title:   input.Title,
		Content: input.Content,
		StepIDs: input.StepIDs,
	})
}

func (s *Service) AttachStep(ctx context.Context, session Session, useCaseID, stepID string) (uc *workflow.UseCase, err error) {
	defer s.observe(workflow.KindUseCase, "attach", &err)
	uc, _, err = s.writer(ctx).AttachStep(session.Actor(), useCaseID, stepID)
	if err != nil {
		return nil, err
	}
	return uc, nil
}

func (s *Service) ReviseStep(ctx context.Context, session Session, stepID, content string) (step *workflow.Step, err error) {
	defer s.observe(workflow.KindStep, "revise", &err)
	step, err = s.writer(ctx).ReviseStep(session.Actor(), stepID, content)
	if err != nil {
		return nil, err
	}
	s.commit(step, func() (gitrepo.CommitInfo, error) {
		return s.git.CommitBase(step.ID, step.Content, session.UserName, "Revise step")
	})
	s.refreshDivergence()
	return step, nil
}

func (s *Service) ReviseUseCase(ctx context.Context, session Session, useCaseID, content string) (uc *workflow.UseCase, err error) {
	defer s.observe(workflow.KindUseCase, "revise", &err)
	return s.writer(ctx).ReviseUseCase(session.Actor(), useCaseID, content)
}

// EditStepForUseCase forks a shared step for one use case and commits the
// edit to the use case's branch.
func (s *Service) EditStepForUseCase(ctx context.Context, session Session, useCaseID, stepID, content string) (result workflow.ForkResult, err error) {
	defer s.observe(workflow.KindStep, "fork", &err)
	result, err = s.writer(ctx).EditStepForUseCase(session.Actor(), useCaseID, stepID, content)
	if err != nil {
		return workflow.ForkResult{}, err
	}
	s.commit(result.Step, func() (gitrepo.CommitInfo, error) {
		return s.git.CommitFork(stepID, useCaseID, content, session.UserName, "Edit step for use case "+useCaseID)
	})
	s.refreshDivergence()
	return result, nil
}

func (s *Service) ApproveStep(ctx context.Context, session Session, stepID string, scope workflow.ApprovalScope) (step *workflow.Step, err error) {
	defer s.observe(workflow.KindStep, "approve", &err)
	step, err = s.writer(ctx).ApproveStep(session.Actor(), stepID, scope)
	if err != nil {
		return nil, err
	}
	if step.Status == workflow.StatusApproved {
		name := fmt.Sprintf("approved-%d", len(step.History))
		if gitErr := s.ensureRepo(step); gitErr == nil {
			if tagErr := s.git.TagApproval(step.ID, gitrepo.MainBranch, name, session.UserName); tagErr != nil {
				s.gitFailed(step.ID, "tag", tagErr)
			}
		}
	}
	return step, nil
}

func (s *Service) ApproveUseCase(ctx context.Context, session Session, useCaseID string, scope workflow.ApprovalScope) (uc *workflow.UseCase, err error) {
	defer s.observe(workflow.KindUseCase, "approve", &err)
	return s.writer(ctx).ApproveUseCase(session.Actor(), useCaseID, scope)
}

func (s *Service) RejectStep(ctx context.Context, session Session, stepID, reason string) (step *workflow.Step, err error) {
	defer s.observe(workflow.KindStep, "reject", &err)
	return s.writer(ctx).RejectStep(session.Actor(), stepID, reason)
}

func (s *Service) RejectUseCase(ctx context.Context, session Session, useCaseID, reason string) (uc *workflow.UseCase, err error) {
	defer s.observe(workflow.KindUseCase, "reject", &err)
	return s.writer(ctx).RejectUseCase(session.Actor(), useCaseID, reason)
}

func (s *Service) CommentOnStep(ctx context.Context, session Session, stepID, text string, lineNumber *int) (result workflow.CommentResult, err error) {
	defer s.observe(workflow.KindStep, "comment", &err)
	result, err = s.writer(ctx).AddStepComment(session.Actor(), stepID, text, lineNumber)
	if err != nil {
		return workflow.CommentResult{}, err
	}
	s.notify(ctx, result.Notification)
	return result, nil
}

func (s *Service) CommentOnUseCase(ctx context.Context, session Session, useCaseID, text string, lineNumber *int) (result workflow.CommentResult, err error) {
	defer s.observe(workflow.KindUseCase, "comment", &err)
	result, err = s.writer(ctx).AddUseCaseComment(session.Actor(), useCaseID, text, lineNumber)
	if err != nil {
		return workflow.CommentResult{}, err
	}
	s.notify(ctx, result.Notification)
	return result, nil
}

func (s *Service) BeginClarification(kind workflow.Kind, id string) (workflow.ClarificationRequest, error) {
	return s.workspace.BeginClarificationRequest(kind, id)
}

func (s *Service) GetStep(stepID string) (StepView, error) {
	step, err := s.workspace.Step(stepID)
	if err != nil {
		return StepView{}, err
	}
	versions, err := s.workspace.Versions(stepID)
	if err != nil {
		return StepView{}, err
	}
	return StepView{
		Step:                step,
		Versions:            versions,
		Coverage:            workflow.Coverage(step),
		NeedsReconciliation: workflow.NeedsReconciliation(versions),
	}, nil
}

// CommittedContent reads step content from the audit repository. A commit
// hash wins over a use case; with neither the base branch head is returned.
func (s *Service) CommittedContent(stepID, useCaseID, commit string) (ContentView, error) {
	if _, err := s.workspace.Step(stepID); err != nil {
		return ContentView{}, err
	}
	if commit != "" {
		content, err := s.git.ContentByHash(stepID, commit)
		if err != nil {
			s.log.Debug().Err(err).Str("step_id", stepID).Str("commit", commit).Msg("commit lookup failed")
			return ContentView{}, fmt.Errorf("commit %s: %w", commit, workflow.ErrNotFound)
		}
		return ContentView{Commit: commit, Content: content}, nil
	}
	branch := gitrepo.MainBranch
	if useCaseID != "" {
		branch = gitrepo.ForkBranch(useCaseID)
	}
	content, info, err := s.git.HeadContent(stepID, branch)
	if err != nil {
		s.log.Debug().Err(err).Str("step_id", stepID).Str("branch", branch).Msg("branch lookup failed")
		return ContentView{}, fmt.Errorf("branch %s: %w", branch, workflow.ErrNotFound)
	}
	return ContentView{Branch: branch, Commit: info.Hash, Content: content}, nil
}

func (s *Service) GetUseCase(useCaseID string) (UseCaseView, error) {
	uc, err := s.workspace.UseCase(useCaseID)
	if err != nil {
		return UseCaseView{}, err
	}
	stale, err := s.workspace.NeedsAttention(useCaseID)
	if err != nil {
		return UseCaseView{}, err
	}
	return UseCaseView{UseCase: uc, NeedsAttention: stale}, nil
}

func (s *Service) ResolveVersion(stepID, versionID string) (workflow.Resolved, error) {
	return s.workspace.ResolveVersion(stepID, versionID)
}

func (s *Service) StepDiff(stepID, versionID string, unified bool) (DiffView, error) {
	lines, err := s.workspace.StepDiff(stepID, versionID)
	if err != nil {
		return DiffView{}, err
	}
	return diffView("a/"+stepID, "b/"+stepID, lines, unified)
}

func (s *Service) UseCaseDiff(useCaseID string, unified bool) (DiffView, error) {
	lines, err := s.workspace.UseCaseDiff(useCaseID)
	if err != nil {
		return DiffView{}, err
	}
	return diffView("a/"+useCaseID, "b/"+useCaseID, lines, unified)
}

// RawDiff compares two arbitrary texts line by line.
func (s *Service) RawDiff(oldContent, newContent string, unified bool) (DiffView, error) {
	return diffView("a/content", "b/content", workflow.Diff(oldContent, newContent), unified)
}

func diffView(origName, newName string, lines []workflow.DiffLine, unified bool) (DiffView, error) {
	view := DiffView{Lines: lines, HasChanges: workflow.HasChanges(lines)}
	if unified {
		out, err := workflow.UnifiedDiff(origName, newName, lines)
		if err != nil {
			return DiffView{}, err
		}
		view.Unified = string(out)
	}
	return view, nil
}

func (s *Service) IsApprovedFor(stepID, useCaseID string) (bool, error) {
	return s.workspace.IsApprovedFor(stepID, useCaseID)
}

// History returns the workflow history of an entity. Steps also carry the
// commits on their canonical branch.
func (s *Service) History(kind workflow.Kind, id string) (HistoryView, error) {
	entries, err := s.workspace.History(kind, id)
	if err != nil {
		return HistoryView{}, err
	}
	view := HistoryView{Entries: entries}
	if kind == workflow.KindStep {
		commits, gitErr := s.git.History(id, gitrepo.MainBranch, 50)
		if gitErr != nil {
			s.log.Debug().Err(gitErr).Str("step_id", id).Msg("step commits unavailable")
		} else {
			view.Commits = commits
		}
	}
	return view, nil
}

func (s *Service) Reconciliation(stepID string) (ReconciliationView, error) {
	draft, needed, err := s.workspace.OverrideDraft(stepID)
	if err != nil {
		return ReconciliationView{}, err
	}
	return ReconciliationView{Draft: draft, NeedsReconciliation: needed}, nil
}

// CommitOverride replaces every diverging fork with one canonical version.
func (s *Service) CommitOverride(ctx context.Context, session Session, stepID, content string) (result workflow.ForkResult, err error) {
	defer s.observe(workflow.KindStep, "override", &err)
	draft, _, err := s.workspace.OverrideDraft(stepID)
	if err != nil {
		return workflow.ForkResult{}, err
	}
	result, err = s.writer(ctx).CommitOverride(session.Actor(), stepID, content)
	if err != nil {
		return workflow.ForkResult{}, err
	}
	superseded := make([]string, 0, len(draft.Forks))
	for _, fork := range draft.Forks {
		superseded = append(superseded, fork.UseCaseID)
	}
	s.commit(result.Step, func() (gitrepo.CommitInfo, error) {
		return s.git.CommitOverride(stepID, content, session.UserName, superseded)
	})
	s.refreshDivergence()
	return result, nil
}

func (s *Service) ReconciliationCandidates() []string {
	return s.workspace.ReconciliationCandidates()
}

func (s *Service) Queue() []workflow.QueueItem {
	return s.workspace.Queue()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingIdempotency reports whether the key store is reachable. It returns nil
// when no key store is configured.
func (s *Service) PingIdempotency(ctx context.Context) error {
	if s.idem == nil {
		return nil
	}
	return s.idem.Ping(ctx)
}

// writer returns the workspace with every action written through to the
// store before it becomes visible. A failed write leaves the workspace
// unchanged, so the caller can retry.
func (s *Service) writer(ctx context.Context) *workflow.Workspace {
	return s.workspace.Persisting(func(change workflow.Change) error {
		err := s.store.Apply(ctx, change)
		if errors.Is(err, store.ErrDuplicateApproval) {
			// another writer recorded this reviewer's approval first
			return workflow.ErrDuplicateApproval
		}
		if err != nil {
			return fmt.Errorf("persist %s: %w", change.Action, err)
		}
		return nil
	})
}

// notify delivers a comment notification. Delivery failures are logged; the
// comment itself is already recorded.
func (s *Service) notify(ctx context.Context, note workflow.Notification) {
	if s.notifier == nil {
		s.metrics.Notification("skipped")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := s.notifier.Notify(ctx, note)
	switch {
	case err == nil:
		s.metrics.Notification("sent")
	case errors.Is(err, email.ErrNotConfigured):
		s.metrics.Notification("skipped")
	default:
		s.metrics.Notification("failed")
		s.log.Warn().
			Err(err).
			Str("recipient_id", note.RecipientID).
			Str("entity_id", note.EntityID).
			Msg("comment notification failed")
	}
}

func (s *Service) ensureRepo(step *workflow.Step) error {
	if err := s.git.EnsureStepRepo(step.ID, step.Content, step.AuthorName); err != nil {
		s.gitFailed(step.ID, "init", err)
		return err
	}
	return nil
}

// commit writes step content to its repository. The workflow state is the
// source of truth, so git failures are logged and not returned.
func (s *Service) commit(step *workflow.Step, fn func() (gitrepo.CommitInfo, error)) {
	if err := s.ensureRepo(step); err != nil {
		return
	}
	info, err := fn()
	if err != nil {
		s.gitFailed(step.ID, "commit", err)
		return
	}
	s.log.Debug().Str("step_id", step.ID).Str("commit", info.Hash).Msg("step content committed")
}

func (s *Service) gitFailed(stepID, op string, err error) {
	s.log.Warn().Err(err).Str("step_id", stepID).Str("op", op).Msg("git operation failed")
}

func (s *Service) observe(kind workflow.Kind, action string, errp *error) {
	err := *errp
	outcome := "ok"
	switch {
	case err == nil:
	case workflow.IsValidation(err) || errors.Is(err, workflow.ErrNotFound):
		outcome = "rejected"
	default:
		outcome = "error"
		s.log.Error().Err(err).Str("kind", string(kind)).Str("action", action).Msg("workflow action failed")
	}
	s.metrics.Action(string(kind), action, outcome)
}

func (s *Service) refreshDivergence() {
	s.metrics.DivergentSteps.Set(float64(len(s.workspace.ReconciliationCandidates())))
}
