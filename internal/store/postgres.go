package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"usecasehub/api/internal/workflow"
)

// ErrDuplicateApproval is returned when the approvals uniqueness constraint
// rejects a second approval by the same user.
var ErrDuplicateApproval = errors.New("approval already recorded")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertReviewer records the display name and address of an authenticated
// user so notifications can reach them.
func (s *PostgresStore) UpsertReviewer(ctx context.Context, id, name, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviewers (id, display_name, email, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = CASE WHEN EXCLUDED.email = '' THEN reviewers.email ELSE EXCLUDED.email END,
			updated_at = NOW()
	`, id, name, email)
	if err != nil {
		return fmt.Errorf("upsert reviewer: %w", err)
	}
	return nil
}

func (s *PostgresStore) EmailForUser(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM reviewers WHERE id=$1`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reviewer %s: %w", userID, workflow.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup reviewer email: %w", err)
	}
	return email, nil
}

// Apply writes everything an action changed in one transaction. A new
// approval is inserted first so the uniqueness constraint rejects a second
// approval by the same reviewer before anything else is written.
func (s *PostgresStore) Apply(ctx context.Context, change workflow.Change) error {
	return s.inTx(ctx, change.Action, func(tx *sql.Tx) error {
		if rec := change.Approval; rec != nil {
			if err := insertApprovalStrict(ctx, tx, rec.Kind, rec.EntityID, rec.Approval); err != nil {
				return err
			}
		}
		for _, step := range change.Steps {
			if err := saveStep(ctx, tx, step); err != nil {
				return err
			}
			if versions, ok := change.Versions[step.ID]; ok {
				if err := saveVersions(ctx, tx, step.ID, versions); err != nil {
					return err
				}
			}
		}
		for _, uc := range change.UseCases {
			if err := saveUseCase(ctx, tx, uc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

// saveStep writes the step aggregate. Approvals, comments and history rows
// are insert-only; rows already present are left untouched.
func saveStep(ctx context.Context, tx execer, step *workflow.Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (id, title, author_id, author_name, content, previous_content, status,
			rejection_reason, required_approvals, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			previous_content = EXCLUDED.previous_content,
			status = EXCLUDED.status,
			rejection_reason = EXCLUDED.rejection_reason,
			required_approvals = EXCLUDED.required_approvals,
			last_modified = EXCLUDED.last_modified
	`, step.ID, step.Title, step.AuthorID, step.AuthorName, step.Content, step.PreviousContent,
		string(step.Status), step.RejectionReason, max(step.RequiredApprovals, 1), step.CreatedAt, step.LastModified)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}

	for _, approval := range step.Approvals {
		if err := insertApproval(ctx, tx, workflow.KindStep, step.ID, approval); err != nil {
			return err
		}
	}
	return saveReviewChildren(ctx, tx, workflow.KindStep, &step.Review)
}

func saveUseCase(ctx context.Context, tx execer, uc *workflow.UseCase) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO use_cases (id, title, author_id, author_name, content, previous_content, status,
			rejection_reason, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			previous_content = EXCLUDED.previous_content,
			status = EXCLUDED.status,
			rejection_reason = EXCLUDED.rejection_reason,
			last_modified = EXCLUDED.last_modified
	`, uc.ID, uc.Title, uc.AuthorID, uc.AuthorName, uc.Content, uc.PreviousContent,
		string(uc.Status), uc.RejectionReason, uc.CreatedAt, uc.LastModified)
	if err != nil {
		return fmt.Errorf("upsert use case: %w", err)
	}

	for position, stepID := range uc.Steps {
		attachedAt, ok := uc.StepLastModified[stepID]
		if !ok {
			attachedAt = uc.CreatedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO use_case_steps (use_case_id, step_id, position, attached_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (use_case_id, step_id) DO UPDATE SET
				position = EXCLUDED.position,
				attached_at = EXCLUDED.attached_at
		`, uc.ID, stepID, position, attachedAt)
		if err != nil {
			return fmt.Errorf("link step %s: %w", stepID, err)
		}
	}
	if uc.Approval != nil {
		if err := insertApproval(ctx, tx, workflow.KindUseCase, uc.ID, *uc.Approval); err != nil {
			return err
		}
	}
	return saveReviewChildren(ctx, tx, workflow.KindUseCase, &uc.Review)
}

// saveVersions writes every version of a step in list order. Superseded
// rows are written first so the active-version indexes never see two
// active bases.
func saveVersions(ctx context.Context, tx execer, stepID string, versions []workflow.StepVersion) error {
	order := make([]int, len(versions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return !versions[order[a]].Active() && versions[order[b]].Active()
	})

	for _, idx := range order {
		v := versions[idx]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_versions (version_id, step_id, use_case_id, content, previous_content, status,
				is_base, has_edits, author_id, author_name, position, created_at, superseded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (version_id) DO UPDATE SET
				content = EXCLUDED.content,
				previous_content = EXCLUDED.previous_content,
				status = EXCLUDED.status,
				has_edits = EXCLUDED.has_edits,
				author_id = EXCLUDED.author_id,
				author_name = EXCLUDED.author_name,
				position = EXCLUDED.position,
				superseded_at = EXCLUDED.superseded_at
		`, v.VersionID, stepID, nullString(v.UseCaseID), v.Content, v.PreviousContent, string(v.Status),
			v.IsBaseVersion, v.HasEdits, v.AuthorID, v.AuthorName, idx, v.CreatedAt, nullTime(v.SupersededAt))
		if err != nil {
			return fmt.Errorf("upsert version %s: %w", v.VersionID, err)
		}
	}
	return nil
}

// insertApprovalStrict records a new approval. A second approval by the same
// user on the same entity fails with ErrDuplicateApproval.
func insertApprovalStrict(ctx context.Context, tx execer, kind workflow.Kind, entityID string, approval workflow.Approval) error {
	ids, err := json.Marshal(nonNil(approval.UseCaseIDs))
	if err != nil {
		return fmt.Errorf("marshal approval scope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (entity_kind, entity_id, user_id, user_name, use_case_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(kind), entityID, approval.UserID, approval.UserName, ids, approval.Timestamp)
	if isUniqueViolation(err) {
		return ErrDuplicateApproval
	}
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertApproval(ctx context.Context, tx execer, kind workflow.Kind, entityID string, approval workflow.Approval) error {
	ids, err := json.Marshal(nonNil(approval.UseCaseIDs))
	if err != nil {
		return fmt.Errorf("marshal approval scope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (entity_kind, entity_id, user_id, user_name, use_case_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_kind, entity_id, user_id) DO NOTHING
	`, string(kind), entityID, approval.UserID, approval.UserName, ids, approval.Timestamp)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func saveReviewChildren(ctx context.Context, tx execer, kind workflow.Kind, r *workflow.Review) error {
	for _, c := range r.Comments {
		var line sql.NullInt64
		if c.LineNumber != nil {
			line = sql.NullInt64{Int64: int64(*c.LineNumber), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, entity_kind, entity_id, user_id, user_name, content, line_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, string(kind), r.ID, c.UserID, c.UserName, c.Content, line, c.Timestamp)
		if err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}
	for _, h := range r.History {
		var change sql.NullString
		if h.ColumnChange != nil {
			change = sql.NullString{String: string(*h.ColumnChange), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history (entity_kind, entity_id, seq, occurred_at, modified_by, action, column_change)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (entity_kind, entity_id, seq) DO NOTHING
		`, string(kind), r.ID, h.Seq, h.Date, h.ModifiedBy, h.Action, change)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return nil
}

// LoadSeed reads the full workspace state.
func (s *PostgresStore) LoadSeed(ctx context.Context) (workflow.Seed, error) {
	seed := workflow.Seed{Versions: map[string][]workflow.StepVersion{}}

	steps, err := s.loadSteps(ctx)
	if err != nil {
		return workflow.Seed{}, err
	}
	useCases, err := s.loadUseCases(ctx)
	if err != nil {
		return workflow.Seed{}, err
	}

	stepByID := make(map[string]*workflow.Step, len(steps))
	for _, step := range steps {
		stepByID[step.ID] = step
	}
	ucByID := make(map[string]*workflow.UseCase, len(useCases))
	for _, uc := range useCases {
		ucByID[uc.ID] = uc
	}

	if err := s.loadLinks(ctx, stepByID, ucByID); err != nil {
		return workflow.Seed{}, err
	}
	if err := s.loadApprovals(ctx, stepByID, ucByID); err != nil {
		return workflow.Seed{}, err
	}
	reviews := make(map[string]*workflow.Review, len(steps)+len(useCases))
	for _, step := range steps {
		reviews[reviewKey(workflow.KindStep, step.ID)] = &step.Review
	}
	for _, uc := range useCases {
		reviews[reviewKey(workflow.KindUseCase, uc.ID)] = &uc.Review
	}
	if err := s.loadComments(ctx, reviews); err != nil {
		return workflow.Seed{}, err
	}
	if err := s.loadHistory(ctx, reviews); err != nil {
		return workflow.Seed{}, err
	}
	if err := s.loadVersions(ctx, seed.Versions); err != nil {
		return workflow.Seed{}, err
	}

	seed.Steps = steps
	seed.UseCases = useCases
	return seed, nil
}

func (s *PostgresStore) loadSteps(ctx context.Context) ([]*workflow.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author_id, author_name, content, previous_content, status,
			rejection_reason, required_approvals, created_at, last_modified
		FROM steps
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := make([]*workflow.Step, 0)
	for rows.Next() {
		step := &workflow.Step{UseCaseIDs: []string{}, Approvals: []workflow.Approval{}}
		var status string
		if err := rows.Scan(&step.ID, &step.Title, &step.AuthorID, &step.AuthorName, &step.Content,
			&step.PreviousContent, &status, &step.RejectionReason, &step.RequiredApprovals,
			&step.CreatedAt, &step.LastModified); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = workflow.Status(status)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) loadUseCases(ctx context.Context) ([]*workflow.UseCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author_id, author_name, content, previous_content, status,
			rejection_reason, created_at, last_modified
		FROM use_cases
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query use cases: %w", err)
	}
	defer rows.Close()

	useCases := make([]*workflow.UseCase, 0)
	for rows.Next() {
		uc := &workflow.UseCase{Steps: []string{}, StepLastModified: map[string]time.Time{}}
		var status string
		if err := rows.Scan(&uc.ID, &uc.Title, &uc.AuthorID, &uc.AuthorName, &uc.Content,
			&uc.PreviousContent, &status, &uc.RejectionReason, &uc.CreatedAt, &uc.LastModified); err != nil {
			return nil, fmt.Errorf("scan use case: %w", err)
		}
		uc.Status = workflow.Status(status)
		useCases = append(useCases, uc)
	}
	return useCases, rows.Err()
}

func (s *PostgresStore) loadLinks(ctx context.Context, steps map[string]*workflow.Step, useCases map[string]*workflow.UseCase) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT use_case_id, step_id, attached_at
		FROM use_case_steps
		ORDER BY use_case_id, position
	`)
	if err != nil {
		return fmt.Errorf("query use case steps: %w", err)
	}
	defer rows.Close()

	type link struct {
		useCaseID  string
		attachedAt time.Time
	}
	byStep := map[string][]link{}
	for rows.Next() {
		var ucID, stepID string
		var attachedAt time.Time
		if err := rows.Scan(&ucID, &stepID, &attachedAt); err != nil {
			return fmt.Errorf("scan use case step: %w", err)
		}
		if uc, ok := useCases[ucID]; ok {
			uc.Steps = append(uc.Steps, stepID)
			uc.StepLastModified[stepID] = attachedAt
		}
		byStep[stepID] = append(byStep[stepID], link{useCaseID: ucID, attachedAt: attachedAt})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for stepID, links := range byStep {
		step, ok := steps[stepID]
		if !ok {
			continue
		}
		sort.SliceStable(links, func(i, j int) bool { return links[i].attachedAt.Before(links[j].attachedAt) })
		for _, l := range links {
			step.UseCaseIDs = append(step.UseCaseIDs, l.useCaseID)
		}
	}
	return nil
}

func (s *PostgresStore) loadApprovals(ctx context.Context, steps map[string]*workflow.Step, useCases map[string]*workflow.UseCase) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_kind, entity_id, user_id, user_name, use_case_ids, created_at
		FROM approvals
		ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, entityID string
		var raw []byte
		var approval workflow.Approval
		if err := rows.Scan(&kind, &entityID, &approval.UserID, &approval.UserName, &raw, &approval.Timestamp); err != nil {
			return fmt.Errorf("scan approval: %w", err)
		}
		if err := json.Unmarshal(raw, &approval.UseCaseIDs); err != nil {
			return fmt.Errorf("decode approval scope: %w", err)
		}
		if len(approval.UseCaseIDs) == 0 {
			approval.UseCaseIDs = nil
		}
		switch workflow.Kind(kind) {
		case workflow.KindStep:
			if step, ok := steps[entityID]; ok {
				step.Approvals = append(step.Approvals, approval)
			}
		case workflow.KindUseCase:
			if uc, ok := useCases[entityID]; ok {
				a := approval
				uc.Approval = &a
			}
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadComments(ctx context.Context, reviews map[string]*workflow.Review) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_kind, entity_id, user_id, user_name, content, line_number, created_at
		FROM comments
		ORDER BY created_at, id
	`)
	if err != nil {
		return fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c workflow.Comment
		var kind, entityID string
		var line sql.NullInt64
		if err := rows.Scan(&c.ID, &kind, &entityID, &c.UserID, &c.UserName, &c.Content, &line, &c.Timestamp); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		if line.Valid {
			n := int(line.Int64)
			c.LineNumber = &n
		}
		if r, ok := reviews[reviewKey(workflow.Kind(kind), entityID)]; ok {
			r.Comments = append(r.Comments, c)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadHistory(ctx context.Context, reviews map[string]*workflow.Review) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_kind, entity_id, seq, occurred_at, modified_by, action, column_change
		FROM history
		ORDER BY entity_kind, entity_id, seq
	`)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h workflow.HistoryEntry
		var kind, entityID string
		var change sql.NullString
		if err := rows.Scan(&kind, &entityID, &h.Seq, &h.Date, &h.ModifiedBy, &h.Action, &change); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		if change.Valid {
			status := workflow.Status(change.String)
			h.ColumnChange = &status
		}
		if r, ok := reviews[reviewKey(workflow.Kind(kind), entityID)]; ok {
			r.History = append(r.History, h)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadVersions(ctx context.Context, out map[string][]workflow.StepVersion) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, step_id, COALESCE(use_case_id, ''), content, previous_content, status,
			is_base, has_edits, author_id, author_name, created_at, superseded_at
		FROM step_versions
		ORDER BY step_id, position
	`)
	if err != nil {
		return fmt.Errorf("query step versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v workflow.StepVersion
		var status string
		var superseded sql.NullTime
		if err := rows.Scan(&v.VersionID, &v.StepID, &v.UseCaseID, &v.Content, &v.PreviousContent, &status,
			&v.IsBaseVersion, &v.HasEdits, &v.AuthorID, &v.AuthorName, &v.CreatedAt, &superseded); err != nil {
			return fmt.Errorf("scan step version: %w", err)
		}
		v.Status = workflow.Status(status)
		if superseded.Valid {
			t := superseded.Time
			v.SupersededAt = &t
		}
		out[v.StepID] = append(out[v.StepID], v)
	}
	return rows.Err()
}

func reviewKey(kind workflow.Kind, id string) string {
	return string(kind) + ":" + id
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
