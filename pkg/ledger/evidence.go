package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/wardenhq/warden/pkg/contracts"
)

// Evidence payloads above this size are externalized to the evidence
// store; anything smaller stays inline in the audit entry.
const inlineEvidenceLimit = 10 << 10 // 10 KiB

// EvidenceStore persists externalized evidence content-addressed by the
// SHA-256 of its canonical bytes.
type EvidenceStore interface {
	// Put stores data and returns a storage ref resolvable by Get.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// evidenceKey converts content bytes to the hex key all backends share.
func evidenceKey(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FS backend: <root>/<hex[:2]>/<hex>.blob, sharded on the first hash
// byte to keep directories small.

var evidenceRefPattern = regexp.MustCompile(`^[0-9a-f]{2}/[0-9a-f]{64}\.blob$`)

// FSEvidenceStore stores evidence blobs under a root directory.
type FSEvidenceStore struct {
	root string
	mu   sync.Mutex
}

// NewFSEvidenceStore creates the root directory if needed.
func NewFSEvidenceStore(root string) (*FSEvidenceStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("%w: evidence root: %v", contracts.ErrStorage, err)
	}
	return &FSEvidenceStore{root: root}, nil
}

// Put is idempotent: identical content lands on the same path.
func (s *FSEvidenceStore) Put(_ context.Context, data []byte) (string, error) {
	key := evidenceKey(data)
	ref := key[:2] + "/" + key + ".blob"

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := filepath.Join(s.root, filepath.FromSlash(ref))
	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("%w: evidence dir: %v", contracts.ErrStorage, err)
	}
	// Write-then-rename so a crash never leaves a partial blob behind.
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("%w: evidence write: %v", contracts.ErrStorage, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("%w: evidence rename: %v", contracts.ErrStorage, err)
	}
	return ref, nil
}

// Get rejects any ref that is not a well-formed shard path, so a
// tampered storage ref can never escape the evidence root.
func (s *FSEvidenceStore) Get(_ context.Context, ref string) ([]byte, error) {
	if !evidenceRefPattern.MatchString(ref) {
		return nil, fmt.Errorf("invalid evidence ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("evidence %s: %w", ref, contracts.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: evidence read: %v", contracts.ErrStorage, err)
	}
	return data, nil
}

// MemoryEvidenceStore keeps blobs in process memory. Test use only.
type MemoryEvidenceStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryEvidenceStore returns an empty in-memory store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{blobs: make(map[string][]byte)}
}

func (s *MemoryEvidenceStore) Put(_ context.Context, data []byte) (string, error) {
	ref := evidenceKey(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[ref] = cp
	}
	return ref, nil
}

func (s *MemoryEvidenceStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", ref, contracts.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Corrupt overwrites a stored blob in place. Test hook for deep
// verification failure paths.
func (s *MemoryEvidenceStore) Corrupt(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = data
}
