package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wardenhq/warden/pkg/cartridge"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/orchestrator"
)

// ToolCallRequest is the wire format for an MCP tool call.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// ToolCallResponse is the wire format for an MCP tool result. Governed
// denials come back as content with IsError set so the agent sees the
// explanation instead of a transport failure.
type ToolCallResponse struct {
	Result  any    `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CapabilityManifest describes the tools this gateway exposes.
type CapabilityManifest struct {
	ServerName   string    `json:"server_name"`
	Version      string    `json:"version"`
	Capabilities []ToolRef `json:"capabilities"`
	Governance   string    `json:"governance"`
}

// Gateway serves MCP tool calls, routing every action through the
// orchestrator.
type Gateway struct {
	orch    *orchestrator.Orchestrator
	catalog *Catalog
	log     *slog.Logger
}

// NewGateway builds a gateway and seeds the catalog with the built-in
// governance tools plus one action tool per registered cartridge.
func NewGateway(orch *orchestrator.Orchestrator, registry *cartridge.Registry, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{orch: orch, catalog: NewCatalog(), log: log}

	builtins := []ToolRef{
		{Name: "warden.execute", Description: "Propose and execute an action under governance"},
		{Name: "warden.simulate", Description: "Dry-run the decision pipeline without side effects"},
		{Name: "warden.respond", Description: "Approve, reject, or patch a pending approval"},
		{Name: "warden.undo", Description: "Reverse a previously executed action"},
		{Name: "warden.status", Description: "Look up an action envelope by ID"},
	}
	for _, ref := range builtins {
		_ = g.catalog.Register(ref)
	}
	if registry != nil {
		for _, id := range registry.IDs() {
			_ = g.catalog.Register(ToolRef{
				Name:        "cartridge." + id,
				Description: "Execute an action through the " + id + " cartridge",
				CartridgeID: id,
			})
		}
	}
	return g
}

// Catalog exposes the tool catalog for registration of extra tools.
func (g *Gateway) Catalog() *Catalog { return g.catalog }

// RegisterRoutes mounts the gateway endpoints.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mcp/v1/capabilities", g.handleCapabilities)
	mux.HandleFunc("POST /mcp/v1/call", g.handleCall)
}

func (g *Gateway) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	tools, err := g.catalog.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(ToolCallResponse{Error: "catalog unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CapabilityManifest{
		ServerName:   "warden-mcp-gateway",
		Version:      "1.0.0",
		Capabilities: tools,
		Governance:   "warden:envelope:v1",
	})
}

func (g *Gateway) handleCall(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ToolCallResponse{Error: "invalid request body"})
		return
	}
	resp := g.Call(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Call dispatches one tool call. Unknown tools and malformed arguments
// are transport errors; governed outcomes, including denials, are tool
// results.
func (g *Gateway) Call(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	if _, ok := g.catalog.Get(req.Name); !ok {
		return ToolCallResponse{Error: fmt.Sprintf("unknown tool %q", req.Name)}
	}

	switch {
	case req.Name == "warden.execute" || strings.HasPrefix(req.Name, "cartridge."):
		return g.execute(ctx, req, false)
	case req.Name == "warden.simulate":
		return g.execute(ctx, req, true)
	case req.Name == "warden.respond":
		return g.respond(ctx, req)
	case req.Name == "warden.undo":
		return g.undo(ctx, req)
	case req.Name == "warden.status":
		return g.status(ctx, req)
	}
	return ToolCallResponse{Error: fmt.Sprintf("tool %q has no handler", req.Name)}
}

func (g *Gateway) execute(ctx context.Context, req ToolCallRequest, simulate bool) ToolCallResponse {
	var args struct {
		PrincipalID    string         `json:"principal_id"`
		OrganizationID string         `json:"organization_id"`
		CartridgeID    string         `json:"cartridge_id"`
		ActionType     string         `json:"action_type"`
		Parameters     map[string]any `json:"parameters"`
		EntityRefs     []string       `json:"entity_refs"`
		Confidence     float64        `json:"confidence"`
	}
	if !decodeArgs(req.Arguments, &args) {
		return ToolCallResponse{Error: "invalid arguments"}
	}
	if args.CartridgeID == "" {
		args.CartridgeID = strings.TrimPrefix(req.Name, "cartridge.")
	}
	if args.PrincipalID == "" {
		args.PrincipalID = req.SessionID
	}
	if args.Confidence == 0 {
		args.Confidence = 1
	}

	preq := orchestrator.ProposeRequest{
		PrincipalID:    args.PrincipalID,
		OrganizationID: args.OrganizationID,
		CartridgeID:    args.CartridgeID,
		Proposal: contracts.Proposal{
			ActionType: args.ActionType,
			Parameters: args.Parameters,
			Confidence: args.Confidence,
		},
		EntityRefs: args.EntityRefs,
	}

	if simulate {
		trace, err := g.orch.Simulate(ctx, preq)
		if err != nil {
			return g.governed(req, err)
		}
		return ToolCallResponse{Result: map[string]any{"decision_trace": trace}}
	}

	result, err := g.orch.ResolveAndPropose(ctx, preq)
	if err != nil {
		return g.governed(req, err)
	}
	return ToolCallResponse{Result: result, IsError: result.Outcome == orchestrator.OutcomeDenied}
}

func (g *Gateway) respond(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	var args struct {
		ApprovalID  string         `json:"approval_id"`
		Action      string         `json:"action"`
		RespondedBy string         `json:"responded_by"`
		BindingHash string         `json:"binding_hash"`
		PatchValue  map[string]any `json:"patch_value"`
	}
	if !decodeArgs(req.Arguments, &args) {
		return ToolCallResponse{Error: "invalid arguments"}
	}
	result, err := g.orch.RespondToApproval(ctx, orchestrator.RespondRequest{
		ApprovalID:  args.ApprovalID,
		Action:      contracts.ApprovalAction(args.Action),
		RespondedBy: args.RespondedBy,
		BindingHash: args.BindingHash,
		PatchValue:  args.PatchValue,
	})
	if err != nil {
		return g.governed(req, err)
	}
	return ToolCallResponse{Result: result}
}

func (g *Gateway) undo(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	var args struct {
		EnvelopeID  string `json:"envelope_id"`
		RequestedBy string `json:"requested_by"`
	}
	if !decodeArgs(req.Arguments, &args) {
		return ToolCallResponse{Error: "invalid arguments"}
	}
	if args.RequestedBy == "" {
		args.RequestedBy = req.SessionID
	}
	result, err := g.orch.RequestUndo(ctx, orchestrator.UndoRequest{
		EnvelopeID:  args.EnvelopeID,
		RequestedBy: args.RequestedBy,
	})
	if err != nil {
		return g.governed(req, err)
	}
	return ToolCallResponse{Result: result}
}

func (g *Gateway) status(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	var args struct {
		EnvelopeID string `json:"envelope_id"`
	}
	if !decodeArgs(req.Arguments, &args) {
		return ToolCallResponse{Error: "invalid arguments"}
	}
	env, err := g.orch.GetEnvelope(ctx, args.EnvelopeID)
	if err != nil {
		return g.governed(req, err)
	}
	return ToolCallResponse{Result: env}
}

// governed turns domain errors into tool content so the calling agent
// can react, and logs everything else as a transport failure.
func (g *Gateway) governed(req ToolCallRequest, err error) ToolCallResponse {
	var clarify *contracts.NeedsClarificationError
	if errors.As(err, &clarify) {
		return ToolCallResponse{
			Result: map[string]any{
				"needs_clarification": true,
				"question":            clarify.Question,
				"alternatives":        clarify.Alternatives,
			},
			IsError: true,
		}
	}
	var invalid *contracts.ValidationError
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, contracts.ErrNotFound),
		errors.Is(err, contracts.ErrForbidden),
		errors.Is(err, contracts.ErrApprovalExpired),
		errors.Is(err, contracts.ErrApprovalAlreadyDecided),
		errors.Is(err, contracts.ErrBindingHashMismatch),
		errors.Is(err, contracts.ErrInvalidTransition):
		return ToolCallResponse{Result: map[string]any{"refused": err.Error()}, IsError: true}
	}
	g.log.Error("mcp tool call failed", slog.String("tool", req.Name), slog.Any("error", err))
	return ToolCallResponse{Error: "internal error"}
}

func decodeArgs(args map[string]any, v any) bool {
	buf, err := json.Marshal(args)
	if err != nil {
		return false
	}
	return json.Unmarshal(buf, v) == nil
}
