package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenhq/warden/pkg/approval"
	"github.com/wardenhq/warden/pkg/cartridge"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/store"
)

// policySchema validates policy documents before they persist. The
// operator and effect enums mirror pkg/contracts.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "priority", "effect", "rule"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "priority": {"type": "integer", "minimum": 0},
    "active": {"type": "boolean"},
    "organization_id": {"type": "string"},
    "cartridge_id": {"type": "string"},
    "effect": {"enum": ["allow", "deny", "modify", "require_approval"]},
    "effect_params": {"type": "object"},
    "approval_requirement": {"enum": ["none", "standard", "elevated", "mandatory"]},
    "risk_category_override": {"enum": ["none", "low", "medium", "high", "critical"]},
    "rule": {"$ref": "#/$defs/rule"}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "properties": {
        "composition": {"enum": ["AND", "OR", "NOT"]},
        "conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["field", "operator"],
            "properties": {
              "field": {"type": "string", "minLength": 1},
              "operator": {"enum": ["eq", "neq", "gt", "gte", "lt", "lte", "in", "not_in", "contains", "not_contains", "matches", "exists", "not_exists", "cel"]},
              "value": {}
            }
          }
        },
        "children": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
      }
    }
  }
}`

// executeSchema rejects malformed execute bodies before they reach the
// orchestrator.
const executeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cartridge_id", "proposal"],
  "properties": {
    "principal_id": {"type": "string"},
    "organization_id": {"type": "string"},
    "cartridge_id": {"type": "string", "minLength": 1},
    "proposal": {
      "type": "object",
      "required": ["action_type"],
      "properties": {
        "action_type": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "entity_refs": {"type": "array", "items": {"type": "string"}},
    "metadata": {"type": "object"},
    "trace_id": {"type": "string"},
    "async": {"type": "boolean"},
    "emergency_override": {"type": "boolean"},
    "approvers": {"type": "array", "items": {"type": "string"}},
    "quorum_required": {"type": "integer", "minimum": 0},
    "expired_behavior": {"enum": ["deny", "re_request"]}
  }
}`

// Server routes the governance HTTP API.
type Server struct {
	orch       *orchestrator.Orchestrator
	approvals  *approval.Manager
	audit      *ledger.Ledger
	policies   store.PolicyStore
	registry   *cartridge.Registry
	log        *slog.Logger
	schema     *jsonschema.Schema
	execSchema *jsonschema.Schema
}

// NewServer wires the API over the runtime components.
func NewServer(orch *orchestrator.Orchestrator, approvals *approval.Manager, audit *ledger.Ledger, policies store.PolicyStore, registry *cartridge.Registry, log *slog.Logger) (*Server, error) {
	schema, err := jsonschema.CompileString("policy.json", policySchema)
	if err != nil {
		return nil, err
	}
	execSchema, err := jsonschema.CompileString("execute.json", executeSchema)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		orch:       orch,
		approvals:  approvals,
		audit:      audit,
		policies:   policies,
		registry:   registry,
		log:        log,
		schema:     schema,
		execSchema: execSchema,
	}, nil
}

// Routes builds the API mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("POST /api/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/undo", s.handleUndo)
	mux.HandleFunc("GET /api/envelopes/{id}", s.handleGetEnvelope)
	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("GET /api/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/approvals/{id}/respond", s.handleRespond)
	mux.HandleFunc("GET /api/policies", s.handleListPolicies)
	mux.HandleFunc("POST /api/policies", s.handlePutPolicy)
	mux.HandleFunc("GET /api/policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/policies/{id}", s.handlePutPolicy)
	mux.HandleFunc("DELETE /api/policies/{id}", s.handleDeletePolicy)
	mux.HandleFunc("GET /api/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/deep", s.handleHealthDeep)
	return mux
}

// Handler wraps the routes with the standard middleware stack:
// request IDs outermost, then rate limiting, auth, and idempotency.
func (s *Server) Handler(auth *Authenticator, limiter *RateLimiter, idem IdempotencyStore) http.Handler {
	mws := []func(http.Handler) http.Handler{RequestID}
	if limiter != nil {
		mws = append(mws, limiter.Middleware)
	}
	if auth != nil {
		mws = append(mws, authExemptHealth(auth))
	}
	if idem != nil {
		mws = append(mws, Idempotency(idem, "/api/execute"))
	}
	return Chain(s.Routes(), mws...)
}

// authExemptHealth leaves the health probes unauthenticated.
func authExemptHealth(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authed := auth.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/health") {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}
