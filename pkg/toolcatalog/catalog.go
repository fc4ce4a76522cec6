// Package toolcatalog holds the registry of tools the orchestrator may
// propose to the kernel: name, description, a JSON Schema for arguments,
// and an optional risk hint the policy may defer to. Validating a
// candidate call's arguments here, before the call ever reaches the
// kernel, keeps malformed input out of the decision pipeline entirely.
package toolcatalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// Entry describes one tool available to the orchestrator.
type Entry struct {
	Name        string
	Description string
	Schema      string // JSON Schema document for Arguments, empty to skip validation
	RiskHint    contracts.RiskLevel
}

// ErrSchemaValidation is wrapped around jsonschema validation failures so
// callers can classify them as malformed_input without string matching.
var ErrSchemaValidation = fmt.Errorf("toolcatalog: arguments failed schema validation")

// ErrUnknownTool is returned when a call names a tool never registered.
var ErrUnknownTool = fmt.Errorf("toolcatalog: unknown tool")

// Catalog is a concurrency-safe registry of tool entries and their
// compiled schemas.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	schemas map[string]*jsonschema.Schema
}

func New() *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles entry's schema (if any) and adds it to the catalog.
func (c *Catalog) Register(entry Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("toolcatalog: entry name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Schema == "" {
		c.entries[entry.Name] = entry
		delete(c.schemas, entry.Name)
		return nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://twinops.local/toolcatalog/%s.schema.json", entry.Name)
	if err := compiler.AddResource(schemaURL, strings.NewReader(entry.Schema)); err != nil {
		return fmt.Errorf("toolcatalog: loading schema for %q: %w", entry.Name, err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("toolcatalog: compiling schema for %q: %w", entry.Name, err)
	}

	c.entries[entry.Name] = entry
	c.schemas[entry.Name] = compiled
	return nil
}

// Lookup returns the registered entry for name, if any.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Search returns entries whose name or description contains query
// (case-insensitive). An empty query returns every entry.
func (c *Catalog) Search(ctx context.Context, query string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query = strings.ToLower(query)
	var results []Entry
	for _, e := range c.entries {
		if query == "" || strings.Contains(strings.ToLower(e.Name), query) || strings.Contains(strings.ToLower(e.Description), query) {
			results = append(results, e)
		}
	}
	return results
}

// Validate checks call's arguments against the registered tool's schema.
// A tool with no registered schema is accepted without validation. An
// unregistered tool name is rejected with ErrUnknownTool.
func (c *Catalog) Validate(call contracts.ToolCall) error {
	c.mu.RLock()
	entry, known := c.entries[call.Name]
	schema, hasSchema := c.schemas[call.Name]
	c.mu.RUnlock()

	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	if !hasSchema {
		return nil
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("%w for %q: %v", ErrSchemaValidation, entry.Name, err)
	}
	return nil
}
