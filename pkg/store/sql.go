package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/wardenhq/warden/pkg/contracts"
)

// dialect selects placeholder style and DDL variants.
type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQL implements every store interface over database/sql. Contracts are
// persisted as JSON documents next to the columns used for filtering and
// CAS, so the schema stays stable as contracts grow fields.
type SQL struct {
	db *sql.DB
	d  dialect
}

// rebind rewrites ?-placeholders to the dialect's form.
func (s *SQL) rebind(query string) string {
	if s.d == dialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) migrate(ctx context.Context) error {
	position := "BIGSERIAL PRIMARY KEY"
	if s.d == dialectSQLite {
		position = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS envelopes (
			id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			status TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS approval_records (
			id TEXT PRIMARY KEY,
			envelope_id TEXT NOT NULL,
			status TEXT NOT NULL,
			version BIGINT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_records (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			priority INTEGER NOT NULL,
			active BOOLEAN NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			cartridge_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identity_specs (
			principal_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			doc TEXT NOT NULL,
			PRIMARY KEY (principal_id, organization_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_entries (
			position %s,
			id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			envelope_id TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL,
			entry_hash TEXT NOT NULL,
			previous_entry_hash TEXT NOT NULL UNIQUE,
			doc TEXT NOT NULL
		)`, position),
		`CREATE INDEX IF NOT EXISTS idx_audit_envelope ON audit_entries (envelope_id)`,
		`CREATE TABLE IF NOT EXISTS spend_events (
			principal_id TEXT NOT NULL,
			cartridge_id TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMP NOT NULL,
			dollars DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spend_principal ON spend_events (principal_id, executed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", contracts.ErrStorage, err)
		}
	}
	return nil
}

func marshalDoc(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: marshal doc: %v", contracts.ErrStorage, err)
	}
	return string(data), nil
}

// --- EnvelopeStore ---

func (s *SQL) Create(ctx context.Context, env *contracts.Envelope) error {
	doc, err := marshalDoc(env)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO envelopes (id, version, status, principal_id, organization_id, created_at, updated_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		env.ID, env.Version, string(env.Status), env.PrincipalID, env.OrganizationID,
		env.CreatedAt.UTC(), env.UpdatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("%w: insert envelope: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*contracts.Envelope, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM envelopes WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get envelope: %v", contracts.ErrStorage, err)
	}
	var env contracts.Envelope
	if err := json.Unmarshal([]byte(doc), &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", contracts.ErrStorage, err)
	}
	return &env, nil
}

func (s *SQL) Update(ctx context.Context, env *contracts.Envelope, expectedVersion int64) error {
	doc, err := marshalDoc(env)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE envelopes SET version = ?, status = ?, updated_at = ?, doc = ?
		 WHERE id = ? AND version = ?`),
		env.Version, string(env.Status), env.UpdatedAt.UTC(), doc, env.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("%w: update envelope: %v", contracts.ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update envelope: %v", contracts.ErrStorage, err)
	}
	if affected == 0 {
		// Distinguish missing from stale.
		if _, getErr := s.Get(ctx, env.ID); errors.Is(getErr, contracts.ErrNotFound) {
			return contracts.ErrNotFound
		}
		return contracts.ErrStaleVersion
	}
	return nil
}

func (s *SQL) ListByStatus(ctx context.Context, status contracts.EnvelopeStatus, limit int) ([]*contracts.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT doc FROM envelopes WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list envelopes: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Envelope
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan envelope: %v", contracts.ErrStorage, err)
		}
		var env contracts.Envelope
		if err := json.Unmarshal([]byte(doc), &env); err != nil {
			return nil, fmt.Errorf("%w: decode envelope: %v", contracts.ErrStorage, err)
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

// --- ApprovalStore ---

func (s *SQL) CreateApproval(ctx context.Context, rec *contracts.ApprovalRecord) error {
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO approval_records (id, envelope_id, status, version, expires_at, created_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.EnvelopeID, string(rec.Status), rec.Version, rec.ExpiresAt.UTC(), rec.CreatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("%w: insert approval: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQL) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM approval_records WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get approval: %v", contracts.ErrStorage, err)
	}
	var rec contracts.ApprovalRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("%w: decode approval: %v", contracts.ErrStorage, err)
	}
	return &rec, nil
}

func (s *SQL) UpdateApprovalState(ctx context.Context, rec *contracts.ApprovalRecord, expectedVersion int64) error {
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE approval_records SET status = ?, version = ?, doc = ?
		 WHERE id = ? AND version = ?`),
		string(rec.Status), rec.Version, doc, rec.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("%w: update approval: %v", contracts.ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update approval: %v", contracts.ErrStorage, err)
	}
	if affected == 0 {
		if _, getErr := s.GetApproval(ctx, rec.ID); errors.Is(getErr, contracts.ErrNotFound) {
			return contracts.ErrNotFound
		}
		return contracts.ErrStaleVersion
	}
	return nil
}

func (s *SQL) ListPendingApprovals(ctx context.Context, limit int) ([]*contracts.ApprovalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryApprovals(ctx, s.rebind(
		`SELECT doc FROM approval_records WHERE status = ? ORDER BY created_at ASC LIMIT ?`),
		string(contracts.ApprovalPending), limit)
}

func (s *SQL) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*contracts.ApprovalRecord, error) {
	return s.queryApprovals(ctx, s.rebind(
		`SELECT doc FROM approval_records WHERE status = ? AND expires_at < ? ORDER BY created_at ASC`),
		string(contracts.ApprovalPending), now.UTC())
}

func (s *SQL) queryApprovals(ctx context.Context, query string, args ...any) ([]*contracts.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list approvals: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.ApprovalRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan approval: %v", contracts.ErrStorage, err)
		}
		var rec contracts.ApprovalRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("%w: decode approval: %v", contracts.ErrStorage, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- PolicyStore ---

func (s *SQL) PutPolicy(ctx context.Context, p *contracts.Policy) error {
	doc, err := marshalDoc(p)
	if err != nil {
		return err
	}
	var query string
	if s.d == dialectPostgres {
		query = `INSERT INTO policies (id, priority, active, organization_id, cartridge_id, updated_at, doc)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET priority = EXCLUDED.priority, active = EXCLUDED.active,
			 organization_id = EXCLUDED.organization_id, cartridge_id = EXCLUDED.cartridge_id,
			 updated_at = EXCLUDED.updated_at, doc = EXCLUDED.doc`
	} else {
		query = `INSERT OR REPLACE INTO policies (id, priority, active, organization_id, cartridge_id, updated_at, doc)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`
	}
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		p.ID, p.Priority, p.Active, p.OrganizationID, p.CartridgeID, p.UpdatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("%w: put policy: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQL) GetPolicy(ctx context.Context, id string) (*contracts.Policy, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT doc FROM policies WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get policy: %v", contracts.ErrStorage, err)
	}
	var p contracts.Policy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("%w: decode policy: %v", contracts.ErrStorage, err)
	}
	return &p, nil
}

func (s *SQL) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM policies WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("%w: delete policy: %v", contracts.ErrStorage, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func (s *SQL) ListActivePolicies(ctx context.Context, organizationID, cartridgeID string) ([]*contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT doc FROM policies
		 WHERE active = ? AND (organization_id = '' OR organization_id = ?) AND (cartridge_id = '' OR cartridge_id = ?)
		 ORDER BY priority ASC, id ASC`),
		true, organizationID, cartridgeID)
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Policy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan policy: %v", contracts.ErrStorage, err)
		}
		var p contracts.Policy
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("%w: decode policy: %v", contracts.ErrStorage, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- IdentityStore ---

func (s *SQL) PutIdentity(ctx context.Context, spec *contracts.IdentitySpec) error {
	doc, err := marshalDoc(spec)
	if err != nil {
		return err
	}
	var query string
	if s.d == dialectPostgres {
		query = `INSERT INTO identity_specs (principal_id, organization_id, doc) VALUES (?, ?, ?)
			 ON CONFLICT (principal_id, organization_id) DO UPDATE SET doc = EXCLUDED.doc`
	} else {
		query = `INSERT OR REPLACE INTO identity_specs (principal_id, organization_id, doc) VALUES (?, ?, ?)`
	}
	_, err = s.db.ExecContext(ctx, s.rebind(query), spec.PrincipalID, spec.OrganizationID, doc)
	if err != nil {
		return fmt.Errorf("%w: put identity: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQL) GetIdentity(ctx context.Context, principalID, organizationID string) (*contracts.IdentitySpec, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM identity_specs WHERE principal_id = ? AND organization_id = ?`),
		principalID, organizationID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) && organizationID != "" {
		err = s.db.QueryRowContext(ctx, s.rebind(
			`SELECT doc FROM identity_specs WHERE principal_id = ? AND organization_id = ''`),
			principalID).Scan(&doc)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get identity: %v", contracts.ErrStorage, err)
	}
	var spec contracts.IdentitySpec
	if err := json.Unmarshal([]byte(doc), &spec); err != nil {
		return nil, fmt.Errorf("%w: decode identity: %v", contracts.ErrStorage, err)
	}
	return &spec, nil
}

// --- LedgerStore ---

func (s *SQL) AppendCAS(ctx context.Context, entry *contracts.AuditEntry, expectedPrev string) error {
	doc, err := marshalDoc(entry)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin append: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	headQuery := `SELECT entry_hash FROM audit_entries ORDER BY position DESC LIMIT 1`
	if s.d == dialectPostgres {
		headQuery += ` FOR UPDATE`
	}
	var head string
	err = tx.QueryRowContext(ctx, headQuery).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: read chain head: %v", contracts.ErrStorage, err)
	}
	if head != expectedPrev {
		return contracts.ErrStaleVersion
	}
	// The UNIQUE constraint on previous_entry_hash is the real
	// cross-process guard: the head re-read above can miss a concurrent
	// committed insert, but only one row may ever link to a given
	// predecessor. The loser's violation maps to ErrStaleVersion so the
	// ledger's retry loop re-reads the head.
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_entries (id, event_type, entity_type, entity_id, envelope_id, ts, entry_hash, previous_entry_hash, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, string(entry.EventType), entry.EntityType, entry.EntityID, entry.EnvelopeID,
		entry.Timestamp.UTC(), entry.EntryHash, entry.PreviousEntryHash, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return contracts.ErrStaleVersion
		}
		return fmt.Errorf("%w: insert audit entry: %v", contracts.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return contracts.ErrStaleVersion
		}
		return fmt.Errorf("%w: commit append: %v", contracts.ErrStorage, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure
// from either backend (Postgres class 23505, SQLite constraint text).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func (s *SQL) Last(ctx context.Context) (*contracts.AuditEntry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM audit_entries ORDER BY position DESC LIMIT 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last audit entry: %v", contracts.ErrStorage, err)
	}
	var entry contracts.AuditEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, fmt.Errorf("%w: decode audit entry: %v", contracts.ErrStorage, err)
	}
	return &entry, nil
}

func (s *SQL) Query(ctx context.Context, filter AuditFilter) ([]*contracts.AuditEntry, error) {
	var conds []string
	var args []any
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.EnvelopeID != "" {
		conds = append(conds, "envelope_id = ?")
		args = append(args, filter.EnvelopeID)
	}
	if !filter.After.IsZero() {
		conds = append(conds, "ts > ?")
		args = append(args, filter.After.UTC())
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, filter.Before.UTC())
	}
	query := `SELECT doc FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY position ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit entries: %v", contracts.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.AuditEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %v", contracts.ErrStorage, err)
		}
		var entry contracts.AuditEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			return nil, fmt.Errorf("%w: decode audit entry: %v", contracts.ErrStorage, err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// --- SpendStore ---

func (s *SQL) AddSpend(ctx context.Context, principalID, cartridgeID string, executedAt time.Time, dollars float64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO spend_events (principal_id, cartridge_id, executed_at, dollars) VALUES (?, ?, ?, ?)`),
		principalID, cartridgeID, executedAt.UTC(), dollars)
	if err != nil {
		return fmt.Errorf("%w: add spend: %v", contracts.ErrStorage, err)
	}
	return nil
}

func (s *SQL) SpendWindowTotals(ctx context.Context, principalID, cartridgeID string, now time.Time) (SpendTotals, error) {
	var totals SpendTotals
	query := `SELECT
			COALESCE(SUM(CASE WHEN executed_at >= ? THEN dollars ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN executed_at >= ? THEN dollars ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN executed_at >= ? THEN dollars ELSE 0 END), 0)
		 FROM spend_events WHERE principal_id = ?`
	args := []any{DayStart(now), WeekStart(now), MonthStart(now), principalID}
	if cartridgeID != "" {
		query += ` AND cartridge_id = ?`
		args = append(args, cartridgeID)
	}
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).
		Scan(&totals.Daily, &totals.Weekly, &totals.Monthly)
	if err != nil {
		return SpendTotals{}, fmt.Errorf("%w: spend totals: %v", contracts.ErrStorage, err)
	}
	return totals, nil
}
