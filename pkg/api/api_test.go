package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/cartridge"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/guardrail"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/store"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type testCartridge struct {
	risk contracts.RiskInput
}

func (c *testCartridge) ID() string              { return "ads" }
func (c *testCartridge) ContractVersion() string { return "1.0.0" }
func (c *testCartridge) Initialize(ctx context.Context, config map[string]any) error { return nil }
func (c *testCartridge) HealthCheck(ctx context.Context) error                       { return nil }

func (c *testCartridge) EnrichContext(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	return params, nil
}

func (c *testCartridge) Execute(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
	return &contracts.ExecutionResult{Success: true, Summary: "done"}, nil, nil
}

func (c *testCartridge) GetRiskInput(ctx context.Context, actionType string, params map[string]any) (*contracts.RiskInput, error) {
	in := c.risk
	return &in, nil
}

func (c *testCartridge) GetGuardrails(ctx context.Context) (*contracts.GuardrailSpec, error) {
	return &contracts.GuardrailSpec{}, nil
}

type apiHarness struct {
	server  *Server
	handler http.Handler
	mem     *store.Memory
	cart    *testCartridge
	manager *approval.Manager
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	mem := store.NewMemory()
	led := ledger.New(mem.Ledger, ledger.NewMemoryEvidenceStore(), discard())
	gr := guardrail.NewEngine(guardrail.NewMemoryState(), mem.Spend)
	eng, err := policy.NewEngine(gr, discard())
	require.NoError(t, err)
	manager := approval.NewManager(mem.Approvals, discard())

	reg, err := cartridge.NewRegistry(discard())
	require.NoError(t, err)
	cart := &testCartridge{risk: contracts.RiskInput{BaseRisk: contracts.RiskLow, Reversibility: contracts.ReversibilityFull}}
	require.NoError(t, reg.Register(context.Background(), cart, nil))

	orch, err := orchestrator.New(orchestrator.Config{
		Envelopes:  mem.Envelopes,
		Identities: mem.Identities,
		Policies:   mem.Policies,
		Spend:      mem.Spend,
		Approvals:  manager,
		Audit:      led,
		Engine:     eng,
		Guardrails: gr,
		Registry:   reg,
		Log:        discard(),
	})
	require.NoError(t, err)

	server, err := NewServer(orch, manager, led, mem.Policies, reg, discard())
	require.NoError(t, err)

	keys, err := ParseAPIKeys("k-agent:agent-1:org-1,k-human:human-1:org-1")
	require.NoError(t, err)
	auth := NewAuthenticator(keys, []byte("test-secret"))
	handler := server.Handler(auth, nil, NewMemoryIdempotencyStore(time.Minute))

	require.NoError(t, mem.Identities.Put(context.Background(), &contracts.IdentitySpec{
		PrincipalID:    "agent-1",
		OrganizationID: "org-1",
		Profile:        contracts.ProfileGuarded,
		TrustBehaviors: []string{"ads.pause"},
	}))
	return &apiHarness{server: server, handler: handler, mem: mem, cart: cart, manager: manager}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", "k-agent")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func executeBody(actionType string) map[string]any {
	return map[string]any{
		"cartridge_id": "ads",
		"proposal": map[string]any{
			"action_type": actionType,
			"parameters":  map[string]any{"campaign": "cmp-1"},
			"confidence":  0.9,
		},
	}
}

func TestExecuteEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/execute", executeBody("ads.pause"),
		map[string]string{"Idempotency-Key": "idem-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, orchestrator.OutcomeExecuted, result.Outcome)
	assert.Equal(t, "agent-1", result.Envelope.PrincipalID, "principal comes from the api key")
}

func TestExecuteRequiresIdempotencyKey(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/api/execute", executeBody("ads.pause"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Idempotency-Key")
}

func TestExecuteIdempotentReplay(t *testing.T) {
	h := newAPIHarness(t)
	headers := map[string]string{"Idempotency-Key": "idem-dup"}

	first := h.do(t, http.MethodPost, "/api/execute", executeBody("ads.pause"), headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := h.do(t, http.MethodPost, "/api/execute", executeBody("ads.pause"), headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))

	var result orchestrator.Result
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &result))
	entries, err := h.mem.Ledger.Query(context.Background(), store.AuditFilter{
		EventType:  contracts.EventActionExecuted,
		EnvelopeID: result.Envelope.ID,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "replay must not execute twice")
}

func TestExecuteConcurrentDuplicateRunsOnce(t *testing.T) {
	idem := NewMemoryIdempotencyStore(time.Minute)
	var calls atomic.Int32
	entered := make(chan struct{})
	finish := make(chan struct{})
	handler := Idempotency(idem, "/api/execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-finish
		_, _ = w.Write([]byte(`{"envelope_id":"env_1"}`))
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "dup-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- do() }()
	<-entered

	// The duplicate arrives while the first request is still executing.
	// It must not reach the handler a second time.
	second := do()
	assert.Equal(t, http.StatusConflict, second.Code)

	close(finish)
	first := <-firstDone
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int32(1), calls.Load())

	// Once the winner has stored its response, the same key replays it.
	third := do()
	assert.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, "true", third.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotencyReleasesKeyOnFailure(t *testing.T) {
	idem := NewMemoryIdempotencyStore(time.Minute)
	var calls atomic.Int32
	handler := Idempotency(idem, "/api/execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// A failed attempt releases the claim so the retry can execute.
	assert.Equal(t, http.StatusInternalServerError, do().Code)
	assert.Equal(t, http.StatusOK, do().Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/approvals", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/approvals", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for probes.
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	h := newAPIHarness(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "human-9",
		"org": "org-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/approvals", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/approvals", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestApprovalFlowStatusCodes(t *testing.T) {
	h := newAPIHarness(t)
	h.cart.risk = contracts.RiskInput{BaseRisk: contracts.RiskHigh, Reversibility: contracts.ReversibilityNone}

	rec := h.do(t, http.MethodPost, "/api/execute", executeBody("ads.budget.set"),
		map[string]string{"Idempotency-Key": "idem-appr"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, orchestrator.OutcomePendingApproval, result.Outcome)
	approvalID := result.Approval.ID

	respond := func(hash string) *httptest.ResponseRecorder {
		return h.do(t, http.MethodPost, "/api/approvals/"+approvalID+"/respond", map[string]any{
			"action":       "approve",
			"binding_hash": hash,
		}, map[string]string{"X-API-Key": "k-human"})
	}

	// Stale binding: 412.
	bad := respond("sha256:" + string(bytes.Repeat([]byte("0"), 64)))
	assert.Equal(t, http.StatusPreconditionFailed, bad.Code)

	// Correct binding: decided.
	good := respond(result.Approval.BindingHash)
	require.Equal(t, http.StatusOK, good.Code, good.Body.String())

	// Second response: 409.
	again := respond(result.Approval.BindingHash)
	assert.Equal(t, http.StatusConflict, again.Code)

	// Unknown approval: 404.
	missing := h.do(t, http.MethodGet, "/api/approvals/apr_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestPolicyCRUD(t *testing.T) {
	h := newAPIHarness(t)

	invalid := h.do(t, http.MethodPost, "/api/policies", map[string]any{
		"id":       "p1",
		"priority": 10,
		"effect":   "explode",
		"rule":     map[string]any{},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, invalid.Code)

	valid := map[string]any{
		"id":       "p1",
		"priority": 10,
		"active":   true,
		"effect":   "deny",
		"rule": map[string]any{
			"conditions": []map[string]any{
				{"field": "parameters.budget", "operator": "gt", "value": 1000},
			},
		},
	}
	created := h.do(t, http.MethodPost, "/api/policies", valid, nil)
	require.Equal(t, http.StatusOK, created.Code, created.Body.String())

	got := h.do(t, http.MethodGet, "/api/policies/p1", nil, nil)
	require.Equal(t, http.StatusOK, got.Code)
	var pol contracts.Policy
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &pol))
	assert.Equal(t, contracts.PolicyDeny, pol.Effect)

	deleted := h.do(t, http.MethodDelete, "/api/policies/p1", nil, nil)
	assert.Equal(t, http.StatusNoContent, deleted.Code)

	entries, err := h.mem.Ledger.Query(context.Background(), store.AuditFilter{EntityType: "policy", EntityID: "p1"})
	require.NoError(t, err)
	types := make([]contracts.AuditEventType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []contracts.AuditEventType{contracts.EventPolicyCreated, contracts.EventPolicyDeleted}, types)
}

func TestSimulateDoesNotPersist(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/simulate", executeBody("ads.pause"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "decision_trace")

	entries, err := h.mem.Ledger.Query(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries, "simulation must not audit")
}

func TestAuditVerifyEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/api/execute", executeBody("ads.pause"),
		map[string]string{"Idempotency-Key": "idem-v"})

	rec := h.do(t, http.MethodGet, "/api/audit/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result ledger.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, -1, result.BrokenAt)
}

func TestHealthDeep(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/health/deep", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cartridge:ads")
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys("k1:agent-1:org-1, k2:human-2:org-2")
	require.NoError(t, err)
	assert.Equal(t, Principal{ActorID: "agent-1", OrganizationID: "org-1", Source: "api_key"}, keys["k1"])
	assert.Equal(t, "human-2", keys["k2"].ActorID)

	_, err = ParseAPIKeys("missing-parts")
	assert.Error(t, err)

	keys, err = ParseAPIKeys("")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"conn url", "dial postgres://user:pass@db:5432/warden failed", "dial [redacted] failed"},
		{"ip", "connect 10.0.0.12:5432 refused", "connect [redacted] refused"},
		{"sql", "syntax error in SELECT id FROM envelopes", "a storage operation failed"},
		{"clean", "approval not found", "approval not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Sanitize(tc.in))
		})
	}
}

func TestDomainErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{contracts.ErrNotFound, http.StatusNotFound},
		{contracts.ErrForbidden, http.StatusForbidden},
		{contracts.ErrApprovalExpired, http.StatusGone},
		{contracts.ErrApprovalAlreadyDecided, http.StatusConflict},
		{contracts.ErrStaleVersion, http.StatusConflict},
		{contracts.ErrBindingHashMismatch, http.StatusPreconditionFailed},
		{contracts.ErrTimeout, http.StatusGatewayTimeout},
		{&contracts.ValidationError{Fields: []string{"x"}, Detail: "missing"}, http.StatusBadRequest},
		{&contracts.NeedsClarificationError{Question: "which one?"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", contracts.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		WriteDomainError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), discard(), tc.err)
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	}
}

func TestExecuteBodySchemaValidation(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing cartridge_id", map[string]any{
			"proposal": map[string]any{"action_type": "ads.pause"},
		}},
		{"missing action_type", map[string]any{
			"cartridge_id": "ads",
			"proposal":     map[string]any{"parameters": map[string]any{}},
		}},
		{"confidence out of range", map[string]any{
			"cartridge_id": "ads",
			"proposal":     map[string]any{"action_type": "ads.pause", "confidence": 1.5},
		}},
		{"bad expired_behavior", map[string]any{
			"cartridge_id":     "ads",
			"proposal":         map[string]any{"action_type": "ads.pause"},
			"expired_behavior": "retry",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/execute", tt.body,
				map[string]string{"Idempotency-Key": "idem-" + tt.name})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}
