// Package mcp exposes the governance runtime to agent frameworks over
// the Model Context Protocol. Every tool call routes through the full
// decision pipeline; an agent never reaches a cartridge directly.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ToolRef describes one callable tool in the catalog.
type ToolRef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CartridgeID string `json:"cartridge_id,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// Validate checks the minimum shape of a tool reference.
func (r ToolRef) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	return nil
}

// Catalog stores the tools the gateway advertises.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]ToolRef
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]ToolRef)}
}

// Register adds or replaces a tool.
func (c *Catalog) Register(ref ToolRef) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("invalid tool ref: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[ref.Name] = ref
	return nil
}

// Get returns one tool by name.
func (c *Catalog) Get(name string) (ToolRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.tools[name]
	return ref, ok
}

// Search returns tools whose name or description contains the query.
// An empty query returns everything.
func (c *Catalog) Search(ctx context.Context, query string) ([]ToolRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	query = strings.ToLower(query)
	results := make([]ToolRef, 0, len(c.tools))
	for _, ref := range c.tools {
		if query == "" ||
			strings.Contains(strings.ToLower(ref.Name), query) ||
			strings.Contains(strings.ToLower(ref.Description), query) {
			results = append(results, ref)
		}
	}
	return results, nil
}
