package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in agent capabilities.
const (
	TypeScout        NodeType = "SCOUT"
	TypeArchitect    NodeType = "ARCHITECT"
	TypeCritic       NodeType = "CRITIC"
	TypeSynthesizer  NodeType = "SYNTHESIZER"
	TypeAuditor      NodeType = "AUDITOR"
	TypeOrchestrator NodeType = "ORCHESTRATOR"
	TypeDebugger     NodeType = "DEBUGGER"
	TypeCreative     NodeType = "CREATIVE"
	TypeAnalyst      NodeType = "ANALYST"
)

// CatalogEntry describes one capability. Cost and Level are caller metadata;
// the engine carries them but never interprets them.
type CatalogEntry struct {
	Type         NodeType `json:"type" yaml:"type"`
	Description  string   `json:"description" yaml:"description"`
	Cost         int      `json:"cost" yaml:"cost"`
	Level        int      `json:"level" yaml:"level"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Catalog is the closed set of node types a graph may use.
type Catalog struct {
	entries map[NodeType]CatalogEntry
	order   []NodeType
}

// NewCatalog builds a catalog from entries. Types are normalised to upper
// case; duplicates and empty types are rejected.
func NewCatalog(entries []CatalogEntry) (*Catalog, error) {
	c := &Catalog{entries: make(map[NodeType]CatalogEntry, len(entries))}
	for _, e := range entries {
		e.Type = NodeType(strings.ToUpper(strings.TrimSpace(string(e.Type))))
		if e.Type == "" {
			return nil, fmt.Errorf("catalog entry with empty type")
		}
		if _, dup := c.entries[e.Type]; dup {
			return nil, fmt.Errorf("duplicate catalog type %q", e.Type)
		}
		c.entries[e.Type] = e
		c.order = append(c.order, e.Type)
	}
	return c, nil
}

// DefaultCatalog returns the built-in capability set.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(DefaultEntries())
	return c
}

// DefaultEntries returns the built-in catalog entries.
func DefaultEntries() []CatalogEntry {
	return []CatalogEntry{
		{Type: TypeScout, Description: "gathers information relevant to the task", Cost: 1, Level: 1},
		{Type: TypeArchitect, Description: "structures material into a plan or outline", Cost: 2, Level: 1},
		{Type: TypeCritic, Description: "critiques the input and lists weaknesses", Cost: 2, Level: 2},
		{Type: TypeSynthesizer, Description: "merges several inputs into one answer", Cost: 2, Level: 2},
		{Type: TypeAuditor, Description: "checks claims against the provided context", Cost: 3, Level: 3},
		{Type: TypeOrchestrator, Description: "breaks the task into delegated sub-tasks", Cost: 3, Level: 3},
		{Type: TypeDebugger, Description: "finds and explains defects", Cost: 2, Level: 2},
		{Type: TypeCreative, Description: "produces novel ideas and drafts", Cost: 1, Level: 1},
		{Type: TypeAnalyst, Description: "analyses data and draws conclusions", Cost: 2, Level: 2},
	}
}

// Has reports whether t is in the catalog.
func (c *Catalog) Has(t NodeType) bool {
	if c == nil {
		return false
	}
	_, ok := c.entries[t]
	return ok
}

// Lookup returns the entry for t.
func (c *Catalog) Lookup(t NodeType) (CatalogEntry, bool) {
	if c == nil {
		return CatalogEntry{}, false
	}
	e, ok := c.entries[t]
	return e, ok
}

// Entries returns the entries in declaration order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.entries[t])
	}
	return out
}

// Types returns the sorted type names.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
