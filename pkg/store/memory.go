package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

// Memory bundles in-memory implementations of every store interface.
// Single-process only: state is not shared across API servers and
// workers. Use the Postgres or SQLite stores in multi-process
// deployments.
type Memory struct {
	Envelopes  *MemoryEnvelopeStore
	Approvals  *MemoryApprovalStore
	Policies   *MemoryPolicyStore
	Identities *MemoryIdentityStore
	Ledger     *MemoryLedgerStore
	Spend      *MemorySpendStore
}

// NewMemory creates a full in-memory store bundle.
func NewMemory() *Memory {
	return &Memory{
		Envelopes:  NewMemoryEnvelopeStore(),
		Approvals:  NewMemoryApprovalStore(),
		Policies:   NewMemoryPolicyStore(),
		Identities: NewMemoryIdentityStore(),
		Ledger:     NewMemoryLedgerStore(),
		Spend:      NewMemorySpendStore(),
	}
}

// deepCopy round-trips v through JSON so callers never share memory with
// the store. Contracts are json-clean by construction.
func deepCopy[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic("store: contract not json-serializable: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("store: contract not json-round-trippable: " + err.Error())
	}
	return out
}

// MemoryEnvelopeStore is an in-memory EnvelopeStore.
type MemoryEnvelopeStore struct {
	mu   sync.RWMutex
	byID map[string]*contracts.Envelope
}

func NewMemoryEnvelopeStore() *MemoryEnvelopeStore {
	return &MemoryEnvelopeStore{byID: make(map[string]*contracts.Envelope)}
}

func (s *MemoryEnvelopeStore) Create(_ context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[env.ID]; exists {
		return contracts.ErrStaleVersion
	}
	s.byID[env.ID] = deepCopy(env)
	return nil
}

func (s *MemoryEnvelopeStore) Get(_ context.Context, id string) (*contracts.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.byID[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return deepCopy(env), nil
}

func (s *MemoryEnvelopeStore) Update(_ context.Context, env *contracts.Envelope, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[env.ID]
	if !ok {
		return contracts.ErrNotFound
	}
	if current.Version != expectedVersion {
		return contracts.ErrStaleVersion
	}
	s.byID[env.ID] = deepCopy(env)
	return nil
}

func (s *MemoryEnvelopeStore) ListByStatus(_ context.Context, status contracts.EnvelopeStatus, limit int) ([]*contracts.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Envelope
	for _, env := range s.byID {
		if env.Status == status {
			out = append(out, deepCopy(env))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryApprovalStore is an in-memory ApprovalStore.
type MemoryApprovalStore struct {
	mu   sync.RWMutex
	byID map[string]*contracts.ApprovalRecord
}

func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{byID: make(map[string]*contracts.ApprovalRecord)}
}

func (s *MemoryApprovalStore) Create(_ context.Context, rec *contracts.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; exists {
		return contracts.ErrStaleVersion
	}
	s.byID[rec.ID] = deepCopy(rec)
	return nil
}

func (s *MemoryApprovalStore) Get(_ context.Context, id string) (*contracts.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return deepCopy(rec), nil
}

func (s *MemoryApprovalStore) UpdateState(_ context.Context, rec *contracts.ApprovalRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[rec.ID]
	if !ok {
		return contracts.ErrNotFound
	}
	if current.Version != expectedVersion {
		return contracts.ErrStaleVersion
	}
	s.byID[rec.ID] = deepCopy(rec)
	return nil
}

func (s *MemoryApprovalStore) ListPending(_ context.Context, limit int) ([]*contracts.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalRecord
	for _, rec := range s.byID {
		if rec.Status == contracts.ApprovalPending {
			out = append(out, deepCopy(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryApprovalStore) ListExpired(_ context.Context, now time.Time) ([]*contracts.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalRecord
	for _, rec := range s.byID {
		if rec.Status == contracts.ApprovalPending && rec.ExpiresAt.Before(now) {
			out = append(out, deepCopy(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryPolicyStore is an in-memory PolicyStore.
type MemoryPolicyStore struct {
	mu   sync.RWMutex
	byID map[string]*contracts.Policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{byID: make(map[string]*contracts.Policy)}
}

func (s *MemoryPolicyStore) Put(_ context.Context, p *contracts.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = deepCopy(p)
	return nil
}

func (s *MemoryPolicyStore) Get(_ context.Context, id string) (*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return deepCopy(p), nil
}

func (s *MemoryPolicyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return contracts.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

func (s *MemoryPolicyStore) ListActive(_ context.Context, organizationID, cartridgeID string) ([]*contracts.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Policy
	for _, p := range s.byID {
		if p.Active && p.AppliesTo(organizationID, cartridgeID) {
			out = append(out, deepCopy(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MemoryIdentityStore is an in-memory IdentityStore.
type MemoryIdentityStore struct {
	mu    sync.RWMutex
	specs map[string]*contracts.IdentitySpec
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{specs: make(map[string]*contracts.IdentitySpec)}
}

func identityKey(principalID, organizationID string) string {
	return principalID + "\x00" + organizationID
}

func (s *MemoryIdentityStore) Put(_ context.Context, spec *contracts.IdentitySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[identityKey(spec.PrincipalID, spec.OrganizationID)] = deepCopy(spec)
	return nil
}

func (s *MemoryIdentityStore) Get(_ context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if spec, ok := s.specs[identityKey(principalID, organizationID)]; ok {
		return deepCopy(spec), nil
	}
	// Fall back to the org-less spec.
	if spec, ok := s.specs[identityKey(principalID, "")]; ok {
		return deepCopy(spec), nil
	}
	return nil, contracts.ErrNotFound
}

// MemoryLedgerStore is an in-memory LedgerStore with compare-and-append.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	entries []*contracts.AuditEntry
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{}
}

func (s *MemoryLedgerStore) AppendCAS(_ context.Context, entry *contracts.AuditEntry, expectedPrev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head := ""
	if len(s.entries) > 0 {
		head = s.entries[len(s.entries)-1].EntryHash
	}
	if head != expectedPrev {
		return contracts.ErrStaleVersion
	}
	s.entries = append(s.entries, deepCopy(entry))
	return nil
}

func (s *MemoryLedgerStore) Last(_ context.Context) (*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return deepCopy(s.entries[len(s.entries)-1]), nil
}

func (s *MemoryLedgerStore) Query(_ context.Context, filter AuditFilter) ([]*contracts.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.AuditEntry
	for _, e := range s.entries {
		if matchesAuditFilter(e, filter) {
			out = append(out, deepCopy(e))
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// Tamper overwrites the entry at position i in place. Test helper: the
// chain contract says verification must detect exactly this.
func (s *MemoryLedgerStore) Tamper(i int, mutate func(*contracts.AuditEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.entries) {
		mutate(s.entries[i])
	}
}

func matchesAuditFilter(e *contracts.AuditEntry, f AuditFilter) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.EnvelopeID != "" && e.EnvelopeID != f.EnvelopeID {
		return false
	}
	if !f.After.IsZero() && !e.Timestamp.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !e.Timestamp.Before(f.Before) {
		return false
	}
	return true
}

// MemorySpendStore is an in-memory SpendStore.
type MemorySpendStore struct {
	mu     sync.Mutex
	events []spendEvent
}

type spendEvent struct {
	principalID string
	cartridgeID string
	executedAt  time.Time
	dollars     float64
}

func NewMemorySpendStore() *MemorySpendStore {
	return &MemorySpendStore{}
}

func (s *MemorySpendStore) Add(_ context.Context, principalID, cartridgeID string, executedAt time.Time, dollars float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, spendEvent{principalID, cartridgeID, executedAt.UTC(), dollars})
	return nil
}

func (s *MemorySpendStore) WindowTotals(_ context.Context, principalID, cartridgeID string, now time.Time) (SpendTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day, week, month := DayStart(now), WeekStart(now), MonthStart(now)
	var totals SpendTotals
	for _, ev := range s.events {
		if ev.principalID != principalID {
			continue
		}
		if cartridgeID != "" && ev.cartridgeID != cartridgeID {
			continue
		}
		if !ev.executedAt.Before(day) {
			totals.Daily += ev.dollars
		}
		if !ev.executedAt.Before(week) {
			totals.Weekly += ev.dollars
		}
		if !ev.executedAt.Before(month) {
			totals.Monthly += ev.dollars
		}
	}
	return totals, nil
}
