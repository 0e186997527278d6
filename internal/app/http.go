package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"usecasehub/api/internal/auth"
	"usecasehub/api/internal/logger"
	"usecasehub/api/internal/rbac"
	"usecasehub/api/internal/workflow"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.root}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.log.Warn().
		Str("user_id", session.UserID).
		Str("role", string(session.Role)).
		Str("action", string(action)).
		Str("path", r.URL.Path).
		Msg("permission denied")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if err := s.service.PingIdempotency(ctx); err != nil {
			checks["idempotency"] = map[string]any{"status": "degraded", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "queue":
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.service.Queue()})
		return

	case r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "reconciliation":
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stepIds": s.service.ReconciliationCandidates()})
		return

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "diff":
		var body struct {
			OldContent string `json:"oldContent"`
			NewContent string `json:"newContent"`
			Format     string `json:"format" validate:"omitempty,oneof=lines unified"`
		}
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.respond(w, http.StatusOK, func() (any, error) {
			return s.service.RawDiff(body.OldContent, body.NewContent, body.Format == "unified")
		})
		return

	case parts[1] == "steps":
		s.routeSteps(w, r, session, parts[2:])
		return

	case parts[1] == "use-cases":
		s.routeUseCases(w, r, session, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type approveBody struct {
	Scope      string   `json:"scope" validate:"omitempty,oneof=all scoped"`
	UseCaseIDs []string `json:"useCaseIds" validate:"dive,required"`
}

func (b approveBody) approvalScope() workflow.ApprovalScope {
	if b.Scope == "scoped" || len(b.UseCaseIDs) > 0 {
		return workflow.ScopeUseCases(b.UseCaseIDs...)
	}
	return workflow.ScopeAll()
}

type rejectBody struct {
	Reason string `json:"reason"`
}

type commentBody struct {
	Text       string `json:"text"`
	LineNumber *int   `json:"lineNumber" validate:"omitempty,gte=1"`
}

type contentBody struct {
	Content string `json:"content"`
}

func (s *HTTPServer) routeSteps(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body StepInput
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusCreated, func(ctx context.Context) (any, error) {
			step, err := s.service.SubmitStep(ctx, session, body)
			if err != nil {
				return nil, err
			}
			return map[string]any{"step": step}, nil
		})
		return
	}

	stepID := rest[0]
	if r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		query := r.URL.Query()
		switch {
		case len(rest) == 1:
			s.respond(w, http.StatusOK, func() (any, error) { return s.service.GetStep(stepID) })
		case len(rest) == 2 && rest[1] == "resolve":
			s.respond(w, http.StatusOK, func() (any, error) {
				return s.service.ResolveVersion(stepID, query.Get("versionId"))
			})
		case len(rest) == 2 && rest[1] == "diff":
			s.respond(w, http.StatusOK, func() (any, error) {
				return s.service.StepDiff(stepID, query.Get("versionId"), query.Get("format") == "unified")
			})
		case len(rest) == 2 && rest[1] == "history":
			s.respond(w, http.StatusOK, func() (any, error) {
				return s.service.History(workflow.KindStep, stepID)
			})
		case len(rest) == 2 && rest[1] == "content":
			s.respond(w, http.StatusOK, func() (any, error) {
				return s.service.CommittedContent(stepID, query.Get("useCaseId"), query.Get("commit"))
			})
		case len(rest) == 2 && rest[1] == "reconciliation":
			s.respond(w, http.StatusOK, func() (any, error) { return s.service.Reconciliation(stepID) })
		case len(rest) == 3 && rest[1] == "approved-for":
			useCaseID := rest[2]
			s.respond(w, http.StatusOK, func() (any, error) {
				approved, err := s.service.IsApprovedFor(stepID, useCaseID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"stepId": stepID, "useCaseId": useCaseID, "approved": approved}, nil
			})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost || len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[1] {
	case "revise":
		var body contentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusOK, func(ctx context.Context) (any, error) {
			step, err := s.service.ReviseStep(ctx, session, stepID, body.Content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"step": step}, nil
		})
	case "approve":
		var body approveBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionReview, http.StatusOK, func(ctx context.Context) (any, error) {
			step, err := s.service.ApproveStep(ctx, session, stepID, body.approvalScope())
			if err != nil {
				return nil, err
			}
			return map[string]any{"step": step, "coverage": workflow.Coverage(step)}, nil
		})
	case "reject":
		var body rejectBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionReview, http.StatusOK, func(ctx context.Context) (any, error) {
			step, err := s.service.RejectStep(ctx, session, stepID, body.Reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{"step": step}, nil
		})
	case "comments":
		var body commentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionComment, http.StatusCreated, func(ctx context.Context) (any, error) {
			result, err := s.service.CommentOnStep(ctx, session, stepID, body.Text, body.LineNumber)
			if err != nil {
				return nil, err
			}
			return map[string]any{"comment": result.Comment, "step": result.Step}, nil
		})
	case "clarification":
		if !s.service.Can(session.Role, rbac.ActionComment) {
			s.forbid(w, r, session, rbac.ActionComment)
			return
		}
		s.respond(w, http.StatusOK, func() (any, error) {
			return s.service.BeginClarification(workflow.KindStep, stepID)
		})
	case "reconciliation":
		var body contentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionReconcile, http.StatusOK, func(ctx context.Context) (any, error) {
			result, err := s.service.CommitOverride(ctx, session, stepID, body.Content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"step": result.Step, "version": result.Version, "versions": result.Versions}, nil
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeUseCases(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body UseCaseInput
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusCreated, func(ctx context.Context) (any, error) {
			uc, err := s.service.SubmitUseCase(ctx, session, body)
			if err != nil {
				return nil, err
			}
			return map[string]any{"useCase": uc}, nil
		})
		return
	}

	useCaseID := rest[0]
	if r.Method == http.MethodGet {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, r, session, rbac.ActionRead)
			return
		}
		switch {
		case len(rest) == 1:
			s.respond(w, http.StatusOK, func() (any, error) { return s.service.GetUseCase(useCaseID) })
		case len(rest) == 2 && rest[1] == "history":
			s.respond(w, http.StatusOK, func() (any, error) {
				return s.service.History(workflow.KindUseCase, useCaseID)
			})
		case len(rest) == 2 && rest[1] == "diff":
			unified := r.URL.Query().Get("format") == "unified"
			s.respond(w, http.StatusOK, func() (any, error) { return s.service.UseCaseDiff(useCaseID, unified) })
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// POST /api/use-cases/{id}/steps/{stepId}/edit
	if len(rest) == 4 && rest[1] == "steps" && rest[3] == "edit" {
		stepID := rest[2]
		var body contentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusOK, func(ctx context.Context) (any, error) {
			result, err := s.service.EditStepForUseCase(ctx, session, useCaseID, stepID, body.Content)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"step":                result.Step,
				"version":             result.Version,
				"versions":            result.Versions,
				"needsReconciliation": workflow.NeedsReconciliation(result.Versions),
			}, nil
		})
		return
	}

	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[1] {
	case "steps":
		var body struct {
			StepID string `json:"stepId" validate:"required"`
		}
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusOK, func(ctx context.Context) (any, error) {
			uc, err := s.service.AttachStep(ctx, session, useCaseID, body.StepID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"useCase": uc}, nil
		})
	case "revise":
		var body contentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionSubmit, http.StatusOK, func(ctx context.Context) (any, error) {
			uc, err := s.service.ReviseUseCase(ctx, session, useCaseID, body.Content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"useCase": uc}, nil
		})
	case "approve":
		var body approveBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionReview, http.StatusOK, func(ctx context.Context) (any, error) {
			uc, err := s.service.ApproveUseCase(ctx, session, useCaseID, body.approvalScope())
			if err != nil {
				return nil, err
			}
			return map[string]any{"useCase": uc}, nil
		})
	case "reject":
		var body rejectBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionReview, http.StatusOK, func(ctx context.Context) (any, error) {
			uc, err := s.service.RejectUseCase(ctx, session, useCaseID, body.Reason)
			if err != nil {
				return nil, err
			}
			return map[string]any{"useCase": uc}, nil
		})
	case "comments":
		var body commentBody
		if err := decodeInput(r, &body); err != nil {
			s.fail(w, err)
			return
		}
		s.mutate(w, r, session, rbac.ActionComment, http.StatusCreated, func(ctx context.Context) (any, error) {
			result, err := s.service.CommentOnUseCase(ctx, session, useCaseID, body.Text, body.LineNumber)
			if err != nil {
				return nil, err
			}
			return map[string]any{"comment": result.Comment, "useCase": result.UseCase}, nil
		})
	case "clarification":
		if !s.service.Can(session.Role, rbac.ActionComment) {
			s.forbid(w, r, session, rbac.ActionComment)
			return
		}
		s.respond(w, http.StatusOK, func() (any, error) {
			return s.service.BeginClarification(workflow.KindUseCase, useCaseID)
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// mutate runs a state-changing action under the caller's idempotency key.
// The key is released only when the action failed for an infrastructure
// reason, so rejected actions cannot be replayed.
func (s *HTTPServer) mutate(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action, status int, fn func(context.Context) (any, error)) {
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	claimed, err := s.service.ClaimRequest(r.Context(), session, key, r.Method, r.URL.Path)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload, err := fn(r.Context())
	if err != nil {
		code, _, _, _ := mapError(err)
		if claimed && code >= http.StatusInternalServerError {
			s.service.ReleaseRequest(r.Context(), session, key)
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, fn func() (any, error)) {
	payload, err := fn()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.service.metrics.ObserveRequest(r.Method, writer.status, elapsed)
		logger.LogRequest(s.log, requestID, r.Method, r.URL.Path, writer.status, elapsed)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeInput decodes the JSON body and applies the struct's validate tags.
func decodeInput(r *http.Request, target any) error {
	if err := decodeBody(r, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields[fe.Field()] = fe.Tag()
			}
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request body", fields)
		}
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if wfErr := workflowError(err); wfErr != nil {
		return wfErr.Status, wfErr.Code, wfErr.Message, wfErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
