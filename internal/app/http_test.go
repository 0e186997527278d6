package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"usecasehub/api/internal/auth"
	"usecasehub/api/internal/idempotency"
	"usecasehub/api/internal/workflow"
)

func tokenFor(t *testing.T, id, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Identity{ID: id, Name: name, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPIClient(t *testing.T, svc *Service) *apiClient {
	return &apiClient{t: t, handler: NewHTTPServer(svc, "*").Handler()}
}

func (c *apiClient) do(method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			c.t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, payload map[string]any, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	if code != "" && payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))

	rr, payload := client.do(http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	fs := newFakeStore()
	client := newAPIClient(t, newTestService(fs, &fakeGit{}))

	rr, payload := client.do(http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, payload)
	}

	fs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, payload = client.do(http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks, _ := payload["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Fatalf("unexpected database check %v", database)
	}
}

func TestOptionsRequestSetsCORSHeaders(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))

	rr, _ := client.do(http.MethodOptions, "/api/steps", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin *, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key to be allowed, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	client.do(http.MethodGet, "/api/health", "", nil)

	rr, _ := client.do(http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "usecasehub_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))

	rr, payload := client.do(http.MethodGet, "/api/queue", "", nil)
	expectCode(t, rr, payload, http.StatusUnauthorized, "UNAUTHORIZED")

	rr, payload = client.do(http.MethodGet, "/api/queue", "not-a-token", nil)
	expectCode(t, rr, payload, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestStepReviewFlow(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	reviewer := tokenFor(t, "user-marcus", "Marcus K.", "reviewer")

	rr, payload := client.do(http.MethodPost, "/api/steps", author, map[string]any{
		"id": "s1", "title": "Enter credentials", "content": "one\ntwo\nthree",
	})
	expectCode(t, rr, payload, http.StatusCreated, "")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", author, nil)
	expectCode(t, rr, payload, http.StatusForbidden, "FORBIDDEN")

	admin := tokenFor(t, "user-avery", "Avery", "admin")
	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", admin, nil)
	expectCode(t, rr, payload, http.StatusForbidden, "SELF_APPROVAL")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/reject", reviewer, map[string]any{"reason": "  "})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "MISSING_JUSTIFICATION")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", reviewer, map[string]any{})
	expectCode(t, rr, payload, http.StatusOK, "")
	step, _ := payload["step"].(map[string]any)
	if step["status"] != string(workflow.StatusApproved) {
		t.Fatalf("expected approved step, got %v", step["status"])
	}

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", reviewer, nil)
	expectCode(t, rr, payload, http.StatusConflict, "DUPLICATE_APPROVAL")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/comments", reviewer, map[string]any{"text": "late question"})
	expectCode(t, rr, payload, http.StatusConflict, "INVALID_TRANSITION")

	rr, payload = client.do(http.MethodGet, "/api/steps/s1/history", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	entries, _ := payload["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected submit and approve entries, got %d", len(entries))
	}
}

func TestSubmitStepValidatesBody(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	author := tokenFor(t, "user-avery", "Avery", "contributor")

	rr, payload := client.do(http.MethodPost, "/api/steps", author, map[string]any{"content": "text"})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	details, _ := payload["details"].(map[string]any)
	if details["title"] != "required" {
		t.Fatalf("expected title to be required, got %v", details)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/steps", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+author)
	raw := httptest.NewRecorder()
	client.handler.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed JSON, got %d", raw.Code)
	}
}

func TestCommentAndClarificationRoutes(t *testing.T) {
	notifier := &fakeNotifier{}
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}, WithNotifier(notifier)))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	reviewer := tokenFor(t, "user-marcus", "Marcus K.", "reviewer")

	client.do(http.MethodPost, "/api/steps", author, map[string]any{"id": "s1", "title": "Step", "content": "a"})

	rr, payload := client.do(http.MethodPost, "/api/steps/s1/clarification", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["allowed"] != true || payload["authorId"] != "user-avery" {
		t.Fatalf("unexpected clarification request %v", payload)
	}

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/comments", reviewer, map[string]any{"text": ""})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "EMPTY_COMMENT")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/comments", reviewer, map[string]any{"text": "Why?", "lineNumber": 1})
	expectCode(t, rr, payload, http.StatusCreated, "")
	if len(notifier.sent) != 1 || notifier.sent[0].RecipientID != "user-avery" {
		t.Fatalf("expected author notification, got %+v", notifier.sent)
	}

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/revise", author, map[string]any{"content": "b"})
	expectCode(t, rr, payload, http.StatusOK, "")
	step, _ := payload["step"].(map[string]any)
	if step["status"] != string(workflow.StatusReview) {
		t.Fatalf("expected revise to return to review, got %v", step["status"])
	}
}

func TestUseCaseRoutesAndScopedApproval(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	reviewer := tokenFor(t, "user-marcus", "Marcus K.", "reviewer")

	client.do(http.MethodPost, "/api/steps", author, map[string]any{"id": "s1", "title": "Shared", "content": "one\ntwo"})
	rr, payload := client.do(http.MethodPost, "/api/use-cases", author, map[string]any{"id": "uc-a", "title": "A", "stepIds": []string{"s1"}})
	expectCode(t, rr, payload, http.StatusCreated, "")
	client.do(http.MethodPost, "/api/use-cases", author, map[string]any{"id": "uc-b", "title": "B"})
	rr, payload = client.do(http.MethodPost, "/api/use-cases/uc-b/steps", author, map[string]any{"stepId": "s1"})
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", reviewer, map[string]any{"useCaseIds": []string{"uc-x"}})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "UNKNOWN_USE_CASE")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/approve", reviewer, map[string]any{"scope": "scoped", "useCaseIds": []string{"uc-a"}})
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodGet, "/api/steps/s1/approved-for/uc-a", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["approved"] != true {
		t.Fatalf("expected uc-a to be covered, got %v", payload)
	}
	rr, payload = client.do(http.MethodGet, "/api/steps/s1/approved-for/uc-b", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["approved"] != false {
		t.Fatalf("expected uc-b to be uncovered, got %v", payload)
	}

	rr, payload = client.do(http.MethodPost, "/api/use-cases/uc-a/approve", reviewer, map[string]any{"useCaseIds": []string{"uc-a"}})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "SCOPE_NOT_SUPPORTED")

	rr, payload = client.do(http.MethodPost, "/api/use-cases/uc-a/approve", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodGet, "/api/use-cases/uc-b", reviewer, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if _, ok := payload["needsAttention"].([]any); !ok {
		t.Fatalf("expected needsAttention list, got %v", payload)
	}
}

func TestForkAndReconciliationRoutes(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	admin := tokenFor(t, "user-sarah", "Sarah R.", "admin")

	client.do(http.MethodPost, "/api/steps", author, map[string]any{"id": "s1", "title": "Shared", "content": "one\ntwo"})
	client.do(http.MethodPost, "/api/use-cases", author, map[string]any{"id": "uc-a", "title": "A", "stepIds": []string{"s1"}})
	client.do(http.MethodPost, "/api/use-cases", author, map[string]any{"id": "uc-b", "title": "B", "stepIds": []string{"s1"}})

	rr, payload := client.do(http.MethodPost, "/api/use-cases/uc-a/steps/s1/edit", author, map[string]any{"content": "one\nTWO"})
	expectCode(t, rr, payload, http.StatusOK, "")
	rr, payload = client.do(http.MethodPost, "/api/use-cases/uc-b/steps/s1/edit", author, map[string]any{"content": "ONE\ntwo"})
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["needsReconciliation"] != true {
		t.Fatalf("expected divergence after second fork, got %v", payload["needsReconciliation"])
	}

	rr, payload = client.do(http.MethodGet, "/api/reconciliation", author, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if ids, _ := payload["stepIds"].([]any); len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("unexpected reconciliation candidates %v", payload["stepIds"])
	}

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/reconciliation", author, map[string]any{"content": "one\ntwo!"})
	expectCode(t, rr, payload, http.StatusForbidden, "FORBIDDEN")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/reconciliation", admin, map[string]any{"content": "one\ntwo!"})
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodPost, "/api/steps/s1/reconciliation", admin, map[string]any{"content": "again"})
	expectCode(t, rr, payload, http.StatusConflict, "NO_DIVERGENCE")

	rr, payload = client.do(http.MethodGet, "/api/steps/s1/resolve", author, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["content"] != "one\ntwo!" || payload["isBaseVersion"] != true {
		t.Fatalf("expected the override to resolve by default, got %v", payload)
	}
}

func TestForkEditOnApprovedStepConflicts(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	reviewer := tokenFor(t, "user-marcus", "Marcus K.", "reviewer")

	client.do(http.MethodPost, "/api/steps", author, map[string]any{"id": "s1", "title": "Shared", "content": "one"})
	client.do(http.MethodPost, "/api/use-cases", author, map[string]any{"id": "uc-a", "title": "A", "stepIds": []string{"s1"}})
	rr, payload := client.do(http.MethodPost, "/api/steps/s1/approve", reviewer, map[string]any{})
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodPost, "/api/use-cases/uc-a/steps/s1/edit", author, map[string]any{"content": "ONE"})
	expectCode(t, rr, payload, http.StatusConflict, "INVALID_TRANSITION")

	rr, payload = client.do(http.MethodGet, "/api/steps/s1/resolve", author, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["content"] != "one" {
		t.Fatalf("expected approved base content, got %v", payload["content"])
	}
}

func TestDiffRoutes(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	token := tokenFor(t, "user-avery", "Avery", "contributor")

	rr, payload := client.do(http.MethodPost, "/api/diff", token, map[string]any{
		"oldContent": "a\nb\nc", "newContent": "a\nB\nc", "format": "unified",
	})
	expectCode(t, rr, payload, http.StatusOK, "")
	if payload["hasChanges"] != true {
		t.Fatalf("expected changes, got %v", payload)
	}
	unified, _ := payload["unified"].(string)
	if !strings.Contains(unified, "@@ -1,3 +1,3 @@") {
		t.Fatalf("unexpected unified diff %q", unified)
	}

	rr, payload = client.do(http.MethodPost, "/api/diff", token, map[string]any{"format": "html"})
	expectCode(t, rr, payload, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	client.do(http.MethodPost, "/api/steps", token, map[string]any{"id": "s1", "title": "Step", "content": "x"})
	rr, payload = client.do(http.MethodGet, "/api/steps/s1/diff", token, nil)
	expectCode(t, rr, payload, http.StatusOK, "")

	rr, payload = client.do(http.MethodGet, "/api/steps/missing", token, nil)
	expectCode(t, rr, payload, http.StatusNotFound, "NOT_FOUND")
}

func TestQueueListsOpenEntities(t *testing.T) {
	client := newAPIClient(t, newTestService(newFakeStore(), &fakeGit{}))
	token := tokenFor(t, "user-avery", "Avery", "contributor")
	client.do(http.MethodPost, "/api/steps", token, map[string]any{"id": "s1", "title": "Step", "content": "x"})
	client.do(http.MethodPost, "/api/use-cases", token, map[string]any{"id": "uc-a", "title": "A"})

	rr, payload := client.do(http.MethodGet, "/api/queue", token, nil)
	expectCode(t, rr, payload, http.StatusOK, "")
	if items, _ := payload["items"].([]any); len(items) != 2 {
		t.Fatalf("expected two queue items, got %v", payload["items"])
	}
}

func TestIdempotencyKeyReplayAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	idem, err := idempotency.NewRedisStore("redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = idem.Close() })

	fs := newFakeStore()
	client := newAPIClient(t, newTestService(fs, &fakeGit{}, WithIdempotency(idem)))
	author := tokenFor(t, "user-avery", "Avery", "contributor")
	reviewer := tokenFor(t, "user-marcus", "Marcus K.", "reviewer")
	client.do(http.MethodPost, "/api/steps", author, map[string]any{"id": "s1", "title": "Step", "content": "x"})

	body := map[string]any{"text": "Please clarify"}
	rr, payload := client.do(http.MethodPost, "/api/steps/s1/comments", reviewer, body, "Idempotency-Key", "k-1")
	expectCode(t, rr, payload, http.StatusCreated, "")
	rr, payload = client.do(http.MethodPost, "/api/steps/s1/comments", reviewer, body, "Idempotency-Key", "k-1")
	expectCode(t, rr, payload, http.StatusConflict, "DUPLICATE_REQUEST")

	// A storage failure frees the key for a retry.
	fs.saveStepFn = func(context.Context, *workflow.Step) error { return errors.New("connection reset") }
	rr, payload = client.do(http.MethodPost, "/api/steps/s1/revise", author, map[string]any{"content": "y"}, "Idempotency-Key", "k-2")
	expectCode(t, rr, payload, http.StatusInternalServerError, "SERVER_ERROR")
	fs.saveStepFn = nil
	rr, payload = client.do(http.MethodPost, "/api/steps/s1/revise", author, map[string]any{"content": "y"}, "Idempotency-Key", "k-2")
	expectCode(t, rr, payload, http.StatusOK, "")
}
