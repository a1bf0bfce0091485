// Package cartridge hosts pluggable action modules. The registry gates
// registration on a compatible contract version and routes execution
// through an interceptor chain.
package cartridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/wardenhq/warden/pkg/contracts"
)

// ContractVersion is the cartridge contract this runtime implements.
const ContractVersion = "1.0.0"

// contractRange is the range of cartridge contract versions the runtime
// accepts. Majors are breaking.
const contractRange = ">= 1.0.0, < 2.0.0"

// Registry holds initialized cartridges keyed by ID.
type Registry struct {
	mu           sync.RWMutex
	cartridges   map[string]contracts.Cartridge
	constraint   *semver.Constraints
	interceptors []Interceptor
	log          *slog.Logger
}

// NewRegistry builds an empty registry. Interceptors wrap Execute for
// every registered cartridge, first interceptor outermost.
func NewRegistry(log *slog.Logger, interceptors ...Interceptor) (*Registry, error) {
	constraint, err := semver.NewConstraint(contractRange)
	if err != nil {
		return nil, fmt.Errorf("parse contract range: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cartridges:   make(map[string]contracts.Cartridge),
		constraint:   constraint,
		interceptors: interceptors,
		log:          log,
	}, nil
}

// Register validates the cartridge's contract version, initializes it,
// and makes it routable. Registering an ID twice is an error.
func (r *Registry) Register(ctx context.Context, c contracts.Cartridge, config map[string]any) error {
	v, err := semver.NewVersion(c.ContractVersion())
	if err != nil {
		return fmt.Errorf("cartridge %s: invalid contract version %q: %w", c.ID(), c.ContractVersion(), err)
	}
	if !r.constraint.Check(v) {
		return fmt.Errorf("cartridge %s: contract version %s outside supported range %s", c.ID(), v, contractRange)
	}

	r.mu.Lock()
	if _, exists := r.cartridges[c.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("cartridge %s already registered", c.ID())
	}
	r.mu.Unlock()

	if err := c.Initialize(ctx, config); err != nil {
		return fmt.Errorf("initialize cartridge %s: %w", c.ID(), err)
	}

	r.mu.Lock()
	r.cartridges[c.ID()] = c
	r.mu.Unlock()

	r.log.Info("cartridge registered",
		slog.String("cartridge_id", c.ID()),
		slog.String("contract_version", c.ContractVersion()))
	return nil
}

// Get returns a registered cartridge.
func (r *Registry) Get(id string) (contracts.Cartridge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cartridges[id]
	if !ok {
		return nil, fmt.Errorf("cartridge %s: %w", id, contracts.ErrNotFound)
	}
	return c, nil
}

// IDs returns the registered cartridge IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cartridges))
	for id := range r.cartridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute runs one action through the cartridge's Execute wrapped by the
// registry's interceptor chain.
func (r *Registry) Execute(ctx context.Context, cartridgeID, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
	c, err := r.Get(cartridgeID)
	if err != nil {
		return nil, nil, err
	}
	fn := c.Execute
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		fn = r.interceptors[i].Wrap(cartridgeID, fn)
	}
	return fn(ctx, actionType, params, ec)
}

// Resolver returns the cartridge's entity resolver, if it has one.
func (r *Registry) Resolver(id string) (contracts.EntityResolver, bool) {
	c, err := r.Get(id)
	if err != nil {
		return nil, false
	}
	res, ok := c.(contracts.EntityResolver)
	return res, ok
}

// Snapshotter returns the cartridge's snapshot provider, if it has one.
func (r *Registry) Snapshotter(id string) (contracts.SnapshotProvider, bool) {
	c, err := r.Get(id)
	if err != nil {
		return nil, false
	}
	sp, ok := c.(contracts.SnapshotProvider)
	return sp, ok
}

// Health runs every cartridge's health check and returns failures by ID.
func (r *Registry) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.Cartridge, len(r.cartridges))
	for id, c := range r.cartridges {
		snapshot[id] = c
	}
	r.mu.RUnlock()

	failures := make(map[string]error)
	for id, c := range snapshot {
		if err := c.HealthCheck(ctx); err != nil {
			failures[id] = err
		}
	}
	return failures
}
