package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcsuite/mcs-orchestrator/internal/auth"
	"github.com/mcsuite/mcs-orchestrator/internal/config"
	"github.com/mcsuite/mcs-orchestrator/internal/domain"
	"github.com/mcsuite/mcs-orchestrator/internal/listener"
	"github.com/mcsuite/mcs-orchestrator/internal/orchestration"
)

type fakeOrchestrator struct {
	runResult    *domain.RunResult
	runErr       error
	replayResult *domain.RunResult
	replayErr    error
	run          *domain.Run
	runLookupErr error
	outcome      *orchestration.ReviewOutcome
	submitErr    error

	lastTenant    string
	lastPrincipal *auth.Principal
	lastSub       orchestration.ReviewSubmission
}

func (f *fakeOrchestrator) Run(_ context.Context, _ *domain.InboundMessage, tenantID string) (*domain.RunResult, error) {
	f.lastTenant = tenantID
	return f.runResult, f.runErr
}

func (f *fakeOrchestrator) Replay(context.Context, string) (*domain.RunResult, error) {
	return f.replayResult, f.replayErr
}

func (f *fakeOrchestrator) GetRun(context.Context, string) (*domain.Run, error) {
	return f.run, f.runLookupErr
}

func (f *fakeOrchestrator) SubmitManualReview(_ context.Context, p *auth.Principal, sub orchestration.ReviewSubmission) (*orchestration.ReviewOutcome, error) {
	f.lastPrincipal = p
	f.lastSub = sub
	return f.outcome, f.submitErr
}

type fakeSweeper struct {
	triggered int
	statuses  []listener.ChannelStatus
}

func (f *fakeSweeper) TriggerPoll() { f.triggered++ }

func (f *fakeSweeper) Status() []listener.ChannelStatus { return f.statuses }

func newTestRouter(orch Orchestrator, sweeper Sweeper, webhook *listener.WebhookAdapter) http.Handler {
	h := NewHandlers(orch, sweeper, webhook, nil, nil, nil)
	return SetupRoutes(h, config.AuthConfig{APIKey: "secret"})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRunEndpoint(t *testing.T) {
	orch := &fakeOrchestrator{runResult: &domain.RunResult{
		RunID:  "run-1",
		Status: domain.StatusSuccess,
	}}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/orchestrations/sales-email/run",
		map[string]any{"message_id": "msg-1@example.com", "sender_id": "a@b.com"},
		map[string]string{"X-Tenant-ID": "tenant-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-1", orch.lastTenant)

	var res domain.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRunEndpointRequiresAuth(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrations/sales-email/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunEndpointValidationError(t *testing.T) {
	orch := &fakeOrchestrator{
		runErr: domain.NewError(domain.CodeInvalidDecision, "sender_id is required"),
	}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/orchestrations/sales-email/run",
		map[string]any{"message_id": "msg-1@example.com"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeInvalidDecision)
}

func TestReplayNotFound(t *testing.T) {
	orch := &fakeOrchestrator{
		replayErr: domain.NewError(domain.CodeRunNotFound, "no run recorded"),
	}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/orchestrations/sales-email/replay",
		map[string]string{"message_id": "ghost@example.com"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.CodeRunNotFound)
}

func TestSubmitPassesPrincipal(t *testing.T) {
	orch := &fakeOrchestrator{outcome: &orchestration.ReviewOutcome{
		OK:          true,
		RunID:       "run-1",
		Status:      "RESUMED",
		FinalStatus: domain.StatusSuccess,
	}}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/orchestrations/sales-email/manual-review/submit",
		orchestration.ReviewSubmission{
			RunID:    "run-1",
			Decision: domain.ReviewDecision{Action: "RESUME", SelectedCustomerID: "C1"},
		},
		map[string]string{
			"X-Tenant-ID": "tenant-1",
			"X-Scopes":    auth.ScopeManualReview,
		})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, orch.lastPrincipal)
	assert.Equal(t, "tenant-1", orch.lastPrincipal.TenantID)
	assert.True(t, orch.lastPrincipal.HasScope(auth.ScopeManualReview))
	assert.Equal(t, "run-1", orch.lastSub.RunID)
	assert.Contains(t, rec.Body.String(), `"RESUMED"`)
}

func TestSubmitRejectionIsOKFalse(t *testing.T) {
	orch := &fakeOrchestrator{
		submitErr: domain.NewError(domain.CodeRunNotInManualReview, "run run-1 is SUCCESS"),
	}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/orchestrations/sales-email/manual-review/submit",
		orchestration.ReviewSubmission{
			RunID:    "run-1",
			Decision: domain.ReviewDecision{Action: "BLOCK", Comment: "nope"},
		}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, domain.CodeRunNotInManualReview, body["error_code"])
}

func TestGetRun(t *testing.T) {
	orch := &fakeOrchestrator{run: &domain.Run{
		RunID:  "run-1",
		Status: domain.StatusManualReview,
	}}
	router := newTestRouter(orch, nil, nil)

	rec := doJSON(t, router, http.MethodGet, "/v1/orchestrations/sales-email/runs/run-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"MANUAL_REVIEW"`)
}

func TestListenerEndpoints(t *testing.T) {
	sweeper := &fakeSweeper{statuses: []listener.ChannelStatus{
		{Channel: "email", Dispatched: 3},
	}}
	router := newTestRouter(&fakeOrchestrator{}, sweeper, nil)

	rec := doJSON(t, router, http.MethodPost, "/v1/listener/trigger/poll", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sweeper.triggered)

	rec = doJSON(t, router, http.MethodGet, "/v1/listener/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email"`)
}

func TestWebhookInbound(t *testing.T) {
	sweeper := &fakeSweeper{}
	wa := listener.NewWebhookAdapter()
	router := newTestRouter(&fakeOrchestrator{}, sweeper, wa)

	rec := doJSON(t, router, http.MethodPost, "/v1/listener/webhook",
		map[string]any{"message_id": "<hook-1@example.com>", "sender_id": "p@example.com"}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, wa.Pending())
	assert.Equal(t, 1, sweeper.triggered)
}

func TestWebhookInboundInvalid(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, nil, listener.NewWebhookAdapter())

	rec := doJSON(t, router, http.MethodPost, "/v1/listener/webhook",
		map[string]any{"subject": "no ids"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	router := newTestRouter(&fakeOrchestrator{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
