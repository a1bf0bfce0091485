// Package ledger is the append-only audit trail. Every governance
// event becomes an AuditEntry whose hash covers its predecessor's
// hash, so any after-the-fact edit to history is detectable by a
// linear re-scan.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/canonicalize"
	"github.com/wardenhq/warden/pkg/contracts"
	"github.com/wardenhq/warden/pkg/store"
)

const (
	// SchemaVersion tags the entry layout; bump on field changes.
	SchemaVersion = "1"
	// ChainHashVersion tags the hash tuple; bump only when the hashed
	// field subset changes, because that invalidates verification of
	// older chains.
	ChainHashVersion = "1"

	// Retries against concurrent appenders before giving up.
	maxAppendRetries = 5
)

// Event is the caller-facing input to Record. The ledger fills in
// identity, timestamps and chain fields.
type Event struct {
	Type           contracts.AuditEventType
	ActorType      contracts.ActorType
	ActorID        string
	EntityType     string
	EntityID       string
	RiskCategory   contracts.RiskCategory
	Visibility     contracts.VisibilityLevel
	Summary        string
	Snapshot       map[string]any
	Evidence       []any
	EnvelopeID     string
	OrganizationID string
}

// Ledger appends and verifies hash-chained audit entries.
type Ledger struct {
	store    store.LedgerStore
	evidence EvidenceStore
	log      *slog.Logger
	clock    func() time.Time

	// Serializes local appenders; cross-process races are still
	// resolved by the store's compare-and-append.
	mu sync.Mutex
}

// New builds a Ledger. evidence may be nil, in which case all evidence
// stays inline regardless of size.
func New(s store.LedgerStore, evidence EvidenceStore, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, evidence: evidence, log: log, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Record redacts, externalizes oversized evidence, hashes and appends
// one entry. It returns the stored entry with its chain fields set.
func (l *Ledger) Record(ctx context.Context, ev Event) (*contracts.AuditEntry, error) {
	if ev.Visibility == "" {
		ev.Visibility = contracts.VisibilityOrg
	}

	snapshot, redacted := Redact(ev.Snapshot, ev.Visibility)

	pointers, err := l.externalize(ctx, ev.Evidence, ev.Visibility)
	if err != nil {
		return nil, err
	}

	entry := &contracts.AuditEntry{
		ID:               "aud_" + uuid.NewString(),
		EventType:        ev.Type,
		Timestamp:        l.clock().UTC().Truncate(time.Millisecond),
		ActorType:        ev.ActorType,
		ActorID:          ev.ActorID,
		EntityType:       ev.EntityType,
		EntityID:         ev.EntityID,
		RiskCategory:     ev.RiskCategory,
		Visibility:       ev.Visibility,
		Summary:          ev.Summary,
		Snapshot:         snapshot,
		EvidencePointers: pointers,
		RedactionApplied: len(redacted) > 0,
		RedactedFields:   redacted,
		SchemaVersion:    SchemaVersion,
		ChainHashVersion: ChainHashVersion,
		EnvelopeID:       ev.EnvelopeID,
		OrganizationID:   ev.OrganizationID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		head, err := l.store.Last(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: read chain head: %v", contracts.ErrLedgerAppend, err)
		}
		prev := ""
		if head != nil {
			prev = head.EntryHash
		}

		entry.PreviousEntryHash = prev
		entry.EntryHash, err = EntryHash(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: hash entry: %v", contracts.ErrLedgerAppend, err)
		}

		err = l.store.AppendCAS(ctx, entry, prev)
		if err == nil {
			return entry, nil
		}
		if errors.Is(err, contracts.ErrStaleVersion) {
			l.log.Debug("ledger append lost race, retrying",
				slog.String("entry_id", entry.ID), slog.Int("attempt", attempt+1))
			continue
		}
		return nil, fmt.Errorf("%w: %v", contracts.ErrLedgerAppend, err)
	}
	return nil, fmt.Errorf("%w: append contention after %d attempts", contracts.ErrLedgerAppend, maxAppendRetries)
}

// externalize serializes each evidence payload to canonical JSON and
// stores anything above the inline limit, keeping only a pointer.
func (l *Ledger) externalize(ctx context.Context, payloads []any, vis contracts.VisibilityLevel) ([]contracts.EvidencePointer, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	pointers := make([]contracts.EvidencePointer, 0, len(payloads))
	for i, p := range payloads {
		if m, ok := p.(map[string]any); ok {
			p, _ = Redact(m, vis)
		}
		raw, err := canonicalize.JCS(p)
		if err != nil {
			return nil, fmt.Errorf("canonicalize evidence %d: %w", i, err)
		}
		hash := canonicalize.HashBytes(raw)
		if l.evidence != nil && len(raw) > inlineEvidenceLimit {
			ref, err := l.evidence.Put(ctx, raw)
			if err != nil {
				return nil, fmt.Errorf("externalize evidence %d: %w", i, err)
			}
			pointers = append(pointers, contracts.EvidencePointer{
				Type: "pointer", Hash: hash, StorageRef: ref,
			})
			continue
		}
		pointers = append(pointers, contracts.EvidencePointer{
			Type: "inline", Hash: hash, Inline: p,
		})
	}
	return pointers, nil
}

// chainTuple is the deterministic field subset covered by EntryHash.
// Timestamps are hashed as fixed-precision strings so a round-trip
// through any store cannot change the hash input.
type chainTuple struct {
	ChainHashVersion  string                      `json:"chainHashVersion"`
	SchemaVersion     string                      `json:"schemaVersion"`
	ID                string                      `json:"id"`
	EventType         contracts.AuditEventType    `json:"eventType"`
	Timestamp         string                      `json:"timestamp"`
	ActorType         contracts.ActorType         `json:"actorType"`
	ActorID           string                      `json:"actorId"`
	EntityType        string                      `json:"entityType"`
	EntityID          string                      `json:"entityId"`
	RiskCategory      contracts.RiskCategory      `json:"riskCategory"`
	Snapshot          map[string]any              `json:"snapshot"`
	EvidencePointers  []contracts.EvidencePointer `json:"evidencePointers"`
	Summary           string                      `json:"summary"`
	PreviousEntryHash string                      `json:"previousEntryHash"`
}

const hashTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// EntryHash computes the chain hash for an entry from its current
// field values. PreviousEntryHash must already be set.
func EntryHash(e *contracts.AuditEntry) (string, error) {
	return canonicalize.CanonicalHash(chainTuple{
		ChainHashVersion:  e.ChainHashVersion,
		SchemaVersion:     e.SchemaVersion,
		ID:                e.ID,
		EventType:         e.EventType,
		Timestamp:         e.Timestamp.UTC().Format(hashTimeLayout),
		ActorType:         e.ActorType,
		ActorID:           e.ActorID,
		EntityType:        e.EntityType,
		EntityID:          e.EntityID,
		RiskCategory:      e.RiskCategory,
		Snapshot:          e.Snapshot,
		EvidencePointers:  e.EvidencePointers,
		Summary:           e.Summary,
		PreviousEntryHash: e.PreviousEntryHash,
	})
}

// Query returns entries matching the filter in chain order.
func (l *Ledger) Query(ctx context.Context, f store.AuditFilter) ([]*contracts.AuditEntry, error) {
	return l.store.Query(ctx, f)
}

// VerifyResult reports a chain scan. BrokenAt is the zero-based index
// of the first bad entry, -1 when the chain is intact.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain re-hashes every entry and checks predecessor links.
func (l *Ledger) VerifyChain(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.Query(ctx, store.AuditFilter{})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load chain: %w", err)
	}
	return verifyEntries(entries), nil
}

func verifyEntries(entries []*contracts.AuditEntry) VerifyResult {
	prev := ""
	for i, e := range entries {
		if e.PreviousEntryHash != prev {
			return VerifyResult{Entries: len(entries), BrokenAt: i,
				Reason: fmt.Sprintf("entry %d: previous hash mismatch", i)}
		}
		computed, err := EntryHash(e)
		if err != nil {
			return VerifyResult{Entries: len(entries), BrokenAt: i,
				Reason: fmt.Sprintf("entry %d: %v", i, err)}
		}
		if computed != e.EntryHash {
			return VerifyResult{Entries: len(entries), BrokenAt: i,
				Reason: fmt.Sprintf("entry %d: entry hash mismatch", i)}
		}
		prev = e.EntryHash
	}
	return VerifyResult{Valid: true, Entries: len(entries), BrokenAt: -1}
}

// DeepVerify runs VerifyChain and additionally fetches every
// externalized evidence blob, checking its content hash against the
// pointer. Slow; intended for scheduled runs and operator requests.
func (l *Ledger) DeepVerify(ctx context.Context) (VerifyResult, error) {
	entries, err := l.store.Query(ctx, store.AuditFilter{})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load chain: %w", err)
	}
	res := verifyEntries(entries)
	if !res.Valid {
		return res, nil
	}
	for i, e := range entries {
		for _, ptr := range e.EvidencePointers {
			if ptr.Type != "pointer" {
				continue
			}
			if l.evidence == nil {
				return VerifyResult{Entries: len(entries), BrokenAt: i,
					Reason: fmt.Sprintf("entry %d: no evidence store for ref %s", i, ptr.StorageRef)}, nil
			}
			raw, err := l.evidence.Get(ctx, ptr.StorageRef)
			if err != nil {
				return VerifyResult{Entries: len(entries), BrokenAt: i,
					Reason: fmt.Sprintf("entry %d: evidence fetch: %v", i, err)}, nil
			}
			if canonicalize.HashBytes(raw) != ptr.Hash {
				return VerifyResult{Entries: len(entries), BrokenAt: i,
					Reason: fmt.Sprintf("entry %d: evidence hash mismatch for %s", i, ptr.StorageRef)}, nil
			}
		}
	}
	return res, nil
}
