package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/ledger"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/store"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	return true
}

// decodeExecute schema-validates the body before it reaches the typed
// request.
func (s *Server) decodeExecute(w http.ResponseWriter, r *http.Request, req *orchestrator.ProposeRequest) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	if err := s.execSchema.Validate(raw); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	if err := json.Unmarshal(buf, req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ProposeRequest
	if !s.decodeExecute(w, r, &req) {
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		if req.PrincipalID == "" {
			req.PrincipalID = p.ActorID
		}
		if req.OrganizationID == "" {
			req.OrganizationID = p.OrganizationID
		}
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := s.orch.ResolveAndPropose(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ProposeRequest
	if !s.decodeExecute(w, r, &req) {
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok {
		if req.PrincipalID == "" {
			req.PrincipalID = p.ActorID
		}
		if req.OrganizationID == "" {
			req.OrganizationID = p.OrganizationID
		}
	}
	trace, err := s.orch.Simulate(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision_trace": trace})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.UndoRequest
	if !decode(w, r, &req) {
		return
	}
	if p, ok := PrincipalFrom(r.Context()); ok && req.RequestedBy == "" {
		req.RequestedBy = p.ActorID
	}
	result, err := s.orch.RequestUndo(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := s.orch.GetEnvelope(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	recs, err := s.approvals.ListPending(r.Context(), limit)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": recs})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rec, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RespondRequest
	if !decode(w, r, &req) {
		return
	}
	req.ApprovalID = r.PathValue("id")
	if p, ok := PrincipalFrom(r.Context()); ok && req.RespondedBy == "" {
		req.RespondedBy = p.ActorID
	}
	if req.Action == "" || req.BindingHash == "" {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "action and binding_hash are required")
		return
	}
	result, err := s.orch.RespondToApproval(r.Context(), req)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.ListActive(r.Context(), r.URL.Query().Get("organization_id"), r.URL.Query().Get("cartridge_id"))
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutPolicy creates or replaces a policy. The document must pass
// schema validation before anything persists, and the change is
// audited.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}
	if id := r.PathValue("id"); id != "" {
		raw["id"] = id
	}
	if err := s.schema.Validate(raw); err != nil {
		WriteError(w, r, http.StatusUnprocessableEntity, "Invalid Policy", err.Error())
		return
	}

	// Round-trip through JSON into the typed contract.
	buf, err := json.Marshal(raw)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	var pol contracts.Policy
	if err := json.Unmarshal(buf, &pol); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid policy document")
		return
	}

	eventType := contracts.EventPolicyCreated
	if existing, err := s.policies.Get(r.Context(), pol.ID); err == nil && existing != nil {
		eventType = contracts.EventPolicyUpdated
		pol.CreatedAt = existing.CreatedAt
	} else {
		pol.CreatedAt = time.Now().UTC()
	}
	pol.UpdatedAt = time.Now().UTC()

	actor := "anonymous"
	if p, ok := PrincipalFrom(r.Context()); ok {
		actor = p.ActorID
	}
	if _, err := s.audit.Record(r.Context(), ledger.Event{
		Type:           eventType,
		ActorType:      contracts.ActorHuman,
		ActorID:        actor,
		EntityType:     "policy",
		EntityID:       pol.ID,
		OrganizationID: pol.OrganizationID,
		Summary:        "policy " + pol.ID + " " + strings.TrimPrefix(string(eventType), "policy."),
		Snapshot:       raw,
	}); err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	if err := s.policies.Put(r.Context(), &pol); err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, &pol)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pol, err := s.policies.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}

	actor := "anonymous"
	if p, ok := PrincipalFrom(r.Context()); ok {
		actor = p.ActorID
	}
	if _, err := s.audit.Record(r.Context(), ledger.Event{
		Type:           contracts.EventPolicyDeleted,
		ActorType:      contracts.ActorHuman,
		ActorID:        actor,
		EntityType:     "policy",
		EntityID:       id,
		OrganizationID: pol.OrganizationID,
		Summary:        "policy " + id + " deleted",
	}); err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	if err := s.policies.Delete(r.Context(), id); err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		EventType:  contracts.AuditEventType(q.Get("event_type")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		EnvelopeID: q.Get("envelope_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "Bad Request", "after must be RFC 3339")
			return
		}
		filter.After = t
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "Bad Request", "before must be RFC 3339")
			return
		}
		filter.Before = t
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var (
		result ledger.VerifyResult
		err    error
	)
	if r.URL.Query().Get("deep") == "true" {
		result, err = s.audit.DeepVerify(r.Context())
	} else {
		result, err = s.audit.VerifyChain(r.Context())
	}
	if err != nil {
		WriteDomainError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleHealthDeep checks cartridge connectivity and ledger
// readability. Any failure flips the response to 503.
func (s *Server) handleHealthDeep(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	for _, id := range s.registry.IDs() {
		checks["cartridge:"+id] = "ok"
	}
	for id, err := range s.registry.Health(r.Context()) {
		checks["cartridge:"+id] = Sanitize(err.Error())
		healthy = false
	}
	if _, err := s.audit.Query(r.Context(), store.AuditFilter{Limit: 1}); err != nil {
		checks["ledger"] = "unreachable"
		healthy = false
	} else {
		checks["ledger"] = "ok"
	}

	status := http.StatusOK
	body := map[string]any{"status": "ok", "checks": checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
