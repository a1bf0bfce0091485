package store

import (
	"context"
	"time"

	"github.com/wardenhq/warden/pkg/contracts"
)

// The SQL struct carries every table; these views expose it through the
// narrow per-concern interfaces the rest of the runtime depends on.

// Envelopes returns the EnvelopeStore view.
func (s *SQL) Envelopes() EnvelopeStore { return s }

// Approvals returns the ApprovalStore view.
func (s *SQL) Approvals() ApprovalStore { return sqlApprovals{s} }

// Policies returns the PolicyStore view.
func (s *SQL) Policies() PolicyStore { return sqlPolicies{s} }

// Identities returns the IdentityStore view.
func (s *SQL) Identities() IdentityStore { return sqlIdentities{s} }

// Ledger returns the LedgerStore view.
func (s *SQL) Ledger() LedgerStore { return s }

// Spend returns the SpendStore view.
func (s *SQL) Spend() SpendStore { return sqlSpend{s} }

type sqlApprovals struct{ s *SQL }

func (v sqlApprovals) Create(ctx context.Context, rec *contracts.ApprovalRecord) error {
	return v.s.CreateApproval(ctx, rec)
}

func (v sqlApprovals) Get(ctx context.Context, id string) (*contracts.ApprovalRecord, error) {
	return v.s.GetApproval(ctx, id)
}

func (v sqlApprovals) UpdateState(ctx context.Context, rec *contracts.ApprovalRecord, expectedVersion int64) error {
	return v.s.UpdateApprovalState(ctx, rec, expectedVersion)
}

func (v sqlApprovals) ListPending(ctx context.Context, limit int) ([]*contracts.ApprovalRecord, error) {
	return v.s.ListPendingApprovals(ctx, limit)
}

func (v sqlApprovals) ListExpired(ctx context.Context, now time.Time) ([]*contracts.ApprovalRecord, error) {
	return v.s.ListExpiredApprovals(ctx, now)
}

type sqlPolicies struct{ s *SQL }

func (v sqlPolicies) Put(ctx context.Context, p *contracts.Policy) error { return v.s.PutPolicy(ctx, p) }

func (v sqlPolicies) Get(ctx context.Context, id string) (*contracts.Policy, error) {
	return v.s.GetPolicy(ctx, id)
}

func (v sqlPolicies) Delete(ctx context.Context, id string) error { return v.s.DeletePolicy(ctx, id) }

func (v sqlPolicies) ListActive(ctx context.Context, organizationID, cartridgeID string) ([]*contracts.Policy, error) {
	return v.s.ListActivePolicies(ctx, organizationID, cartridgeID)
}

type sqlIdentities struct{ s *SQL }

func (v sqlIdentities) Put(ctx context.Context, spec *contracts.IdentitySpec) error {
	return v.s.PutIdentity(ctx, spec)
}

func (v sqlIdentities) Get(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error) {
	return v.s.GetIdentity(ctx, principalID, organizationID)
}

type sqlSpend struct{ s *SQL }

func (v sqlSpend) Add(ctx context.Context, principalID, cartridgeID string, executedAt time.Time, dollars float64) error {
	return v.s.AddSpend(ctx, principalID, cartridgeID, executedAt, dollars)
}

func (v sqlSpend) WindowTotals(ctx context.Context, principalID, cartridgeID string, now time.Time) (SpendTotals, error) {
	return v.s.SpendWindowTotals(ctx, principalID, cartridgeID, now)
}
