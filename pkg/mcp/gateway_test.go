package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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

type stubCartridge struct {
	risk contracts.RiskInput
}

func (s *stubCartridge) ID() string                                       { return "ads" }
func (s *stubCartridge) ContractVersion() string                          { return "1.0.0" }
func (s *stubCartridge) Initialize(context.Context, map[string]any) error { return nil }
func (s *stubCartridge) HealthCheck(context.Context) error                { return nil }

func (s *stubCartridge) GetGuardrails(context.Context) (*contracts.GuardrailSpec, error) {
	return &contracts.GuardrailSpec{}, nil
}

func (s *stubCartridge) EnrichContext(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	return params, nil
}

func (s *stubCartridge) GetRiskInput(ctx context.Context, actionType string, params map[string]any) (*contracts.RiskInput, error) {
	in := s.risk
	return &in, nil
}

func (s *stubCartridge) Execute(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
	return &contracts.ExecutionResult{Success: true, Summary: "applied " + actionType}, nil, nil
}

func newTestGateway(t *testing.T) (*Gateway, *stubCartridge) {
	t.Helper()
	mem := store.NewMemory()
	led := ledger.New(mem.Ledger, ledger.NewMemoryEvidenceStore(), discard())
	gr := guardrail.NewEngine(guardrail.NewMemoryState(), mem.Spend)
	eng, err := policy.NewEngine(gr, discard())
	require.NoError(t, err)
	manager := approval.NewManager(mem.Approvals, discard())

	cart := &stubCartridge{risk: contracts.RiskInput{BaseRisk: contracts.RiskLow, Reversibility: contracts.ReversibilityFull}}
	reg, err := cartridge.NewRegistry(discard())
	require.NoError(t, err)
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

	require.NoError(t, mem.Identities.Put(context.Background(), &contracts.IdentitySpec{
		PrincipalID:    "agent-1",
		OrganizationID: "org-1",
		Profile:        contracts.ProfileGuarded,
		TrustBehaviors: []string{"ads.pause"},
	}))
	return NewGateway(orch, reg, discard()), cart
}

func TestCapabilitiesListsGovernanceAndCartridgeTools(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/v1/capabilities", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var manifest CapabilityManifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Equal(t, "warden-mcp-gateway", manifest.ServerName)

	names := make([]string, 0, len(manifest.Capabilities))
	for _, ref := range manifest.Capabilities {
		names = append(names, ref.Name)
	}
	assert.Contains(t, names, "warden.execute")
	assert.Contains(t, names, "warden.undo")
	assert.Contains(t, names, "cartridge.ads")
}

func TestCallExecutesTrustedAction(t *testing.T) {
	g, _ := newTestGateway(t)

	resp := g.Call(context.Background(), ToolCallRequest{
		Name:      "warden.execute",
		SessionID: "agent-1",
		Arguments: map[string]any{
			"organization_id": "org-1",
			"cartridge_id":    "ads",
			"action_type":     "ads.pause",
			"parameters":      map[string]any{"campaign_id": "c-1"},
			"entity_refs":     []string{"c-1"},
		},
	})
	require.Empty(t, resp.Error)
	assert.False(t, resp.IsError)

	result, ok := resp.Result.(*orchestrator.Result)
	require.True(t, ok)
	assert.Equal(t, orchestrator.OutcomeExecuted, result.Outcome)
}

func TestCallCartridgeToolInfersCartridgeID(t *testing.T) {
	g, _ := newTestGateway(t)

	resp := g.Call(context.Background(), ToolCallRequest{
		Name:      "cartridge.ads",
		SessionID: "agent-1",
		Arguments: map[string]any{
			"organization_id": "org-1",
			"action_type":     "ads.pause",
			"parameters":      map[string]any{"campaign_id": "c-2"},
		},
	})
	require.Empty(t, resp.Error)
	result, ok := resp.Result.(*orchestrator.Result)
	require.True(t, ok)
	assert.Equal(t, "ads", result.Envelope.CartridgeID)
}

func TestCallSimulateReturnsTraceWithoutExecuting(t *testing.T) {
	g, _ := newTestGateway(t)

	resp := g.Call(context.Background(), ToolCallRequest{
		Name:      "warden.simulate",
		SessionID: "agent-1",
		Arguments: map[string]any{
			"organization_id": "org-1",
			"cartridge_id":    "ads",
			"action_type":     "ads.pause",
			"parameters":      map[string]any{"campaign_id": "c-1"},
		},
	})
	require.Empty(t, resp.Error)

	body, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, body["decision_trace"])
}

func TestCallUnknownToolIsTransportError(t *testing.T) {
	g, _ := newTestGateway(t)
	resp := g.Call(context.Background(), ToolCallRequest{Name: "warden.nope"})
	assert.True(t, strings.Contains(resp.Error, "unknown tool"))
}

func TestCallStatusUnknownEnvelopeIsRefusal(t *testing.T) {
	g, _ := newTestGateway(t)
	resp := g.Call(context.Background(), ToolCallRequest{
		Name:      "warden.status",
		Arguments: map[string]any{"envelope_id": "env_missing"},
	})
	assert.Empty(t, resp.Error)
	assert.True(t, resp.IsError)

	body, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, body["refused"])
}

func TestCallRespondRejectsBadBindingHash(t *testing.T) {
	g, cart := newTestGateway(t)
	cart.risk = contracts.RiskInput{BaseRisk: contracts.RiskHigh, Reversibility: contracts.ReversibilityNone}

	// Force an approval by proposing an untrusted high-risk action.
	exec := g.Call(context.Background(), ToolCallRequest{
		Name:      "warden.execute",
		SessionID: "agent-1",
		Arguments: map[string]any{
			"organization_id": "org-1",
			"cartridge_id":    "ads",
			"action_type":     "ads.budget.adjust",
			"parameters":      map[string]any{"amount": 500.0},
		},
	})
	require.Empty(t, exec.Error)
	result, ok := exec.Result.(*orchestrator.Result)
	require.True(t, ok)
	require.Equal(t, orchestrator.OutcomePendingApproval, result.Outcome)
	require.NotNil(t, result.Approval)

	resp := g.Call(context.Background(), ToolCallRequest{
		Name: "warden.respond",
		Arguments: map[string]any{
			"approval_id":  result.Approval.ID,
			"action":       "approve",
			"responded_by": "human-1",
			"binding_hash": "sha256:0000000000000000000000000000000000000000000000000000000000000000",
		},
	})
	assert.Empty(t, resp.Error)
	assert.True(t, resp.IsError)
}
