// Package schemacache holds the persistent, in-memory map from server name
// to its discovered tool list. It is the proxy's single source of truth for
// "what tools exist" between cold-start discovery passes, and the document
// the BM25 index is built from.
package schemacache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	segjson "github.com/segmentio/encoding/json"
	"github.com/google/jsonschema-go/jsonschema"
)

// ToolSchema is one tool's name, description, and input-schema document, as
// discovered from a child's tools/list response. Identity within the cache
// is (server name, tool name); once stored it is treated as immutable.
type ToolSchema struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// serverEntry is the on-disk shape for one server's tool list, preserving
// the original-case name alongside the case-insensitive lookup key.
type serverEntry struct {
	Name  string       `json:"name"`
	Tools []ToolSchema `json:"tools"`
}

// snapshot is the full on-disk document written by [Cache.Flush].
type snapshot struct {
	Version int           `json:"version"`
	Servers []serverEntry `json:"servers"`
}

const currentVersion = 1

// Cache is the mapping from server name to its tool list. Readers and writers are
// serialized by a single RWMutex; a writer holds it for the duration of one
// server's update so readers never observe a partial snapshot.
type Cache struct {
	path string

	mu      sync.RWMutex
	servers map[string]serverEntry // keyed by lower-cased name
	dirty   bool
}

// New creates an empty cache backed by path. Call [Load] to populate it from
// disk, or [Update] to populate it from a fresh discovery pass.
func New(path string) *Cache {
	return &Cache{path: path, servers: make(map[string]serverEntry)}
}

// Load reads the snapshot file and rebuilds the in-memory maps. A missing
// file is not an error — it means this is a genuinely cold cache. A
// corrupted per-server entry is discarded and logged; the rest of the
// snapshot is kept (spec's cache_corrupt recovery policy).
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schemacache: read %s: %w", c.path, err)
	}

	var snap struct {
		Version int               `json:"version"`
		Servers []json.RawMessage `json:"servers"`
	}
	if err := segjson.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("schemacache: parse %s: %w", c.path, err)
	}

	servers := make(map[string]serverEntry, len(snap.Servers))
	for i, raw := range snap.Servers {
		var entry serverEntry
		if err := segjson.Unmarshal(raw, &entry); err != nil {
			slog.Warn("schemacache: discarding corrupt snapshot entry", "index", i, "err", err)
			continue
		}
		if entry.Name == "" {
			slog.Warn("schemacache: discarding snapshot entry with empty server name")
			continue
		}
		servers[strings.ToLower(entry.Name)] = entry
	}

	c.mu.Lock()
	c.servers = servers
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Update replaces the tool list for one server in memory and marks the
// on-disk snapshot dirty. Server lookup is case-insensitive; original case
// is preserved for display.
func (c *Cache) Update(server string, tools []ToolSchema) {
	entry := serverEntry{Name: server, Tools: tools}
	c.mu.Lock()
	c.servers[strings.ToLower(server)] = entry
	c.dirty = true
	c.mu.Unlock()
}

// Remove deletes a server's entry entirely, used when a hot reload removes
// or renames a server.
func (c *Cache) Remove(server string) {
	c.mu.Lock()
	delete(c.servers, strings.ToLower(server))
	c.dirty = true
	c.mu.Unlock()
}

// Flush writes the full snapshot to a sibling temp file and renames it into
// place, so a reader of the cache file on disk always sees either the
// previous complete snapshot or the new one, never a partial write.
func (c *Cache) Flush() error {
	c.mu.RLock()
	snap := snapshot{Version: currentVersion, Servers: make([]serverEntry, 0, len(c.servers))}
	for _, entry := range c.servers {
		snap.Servers = append(snap.Servers, entry)
	}
	c.mu.RUnlock()

	data, err := segjson.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("schemacache: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".schema-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("schemacache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("schemacache: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("schemacache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("schemacache: rename into place: %w", err)
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Dirty reports whether the in-memory state has changes not yet flushed.
func (c *Cache) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// Resolve performs a case-insensitive server lookup and returns the
// canonical (server, tool) pair for tool, or ok=false if no server or no
// matching tool name exists.
func (c *Cache) Resolve(server, tool string) (serverName string, schema ToolSchema, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, found := c.servers[strings.ToLower(server)]
	if !found {
		return "", ToolSchema{}, false
	}
	for _, t := range entry.Tools {
		if strings.EqualFold(t.Name, tool) {
			return entry.Name, t, true
		}
	}
	return "", ToolSchema{}, false
}

// Servers returns every known server name (original case), in arbitrary order.
func (c *Cache) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.servers))
	for _, entry := range c.servers {
		names = append(names, entry.Name)
	}
	return names
}

// Tools returns the tool list for server (original case lookup is
// case-insensitive), or nil if the server is unknown.
func (c *Cache) Tools(server string) []ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.servers[strings.ToLower(server)]
	if !ok {
		return nil
	}
	out := make([]ToolSchema, len(entry.Tools))
	copy(out, entry.Tools)
	return out
}

// All returns a snapshot of every (server, tools) pair currently cached,
// keyed by original-case server name. Used to build the BM25 index.
func (c *Cache) All() map[string][]ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]ToolSchema, len(c.servers))
	for _, entry := range c.servers {
		tools := make([]ToolSchema, len(entry.Tools))
		copy(tools, entry.Tools)
		out[entry.Name] = tools
	}
	return out
}

// Empty reports whether the cache holds no servers at all — the signal
// that triggers cold-cache generation at start.
func (c *Cache) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers) == 0
}

// MarshalForDebug renders the cache with the standard library encoder, for
// debugging output where a guaranteed-stable encoding matters more than the
// speed segmentio/encoding buys on the hot flush path.
func (c *Cache) MarshalForDebug() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := snapshot{Version: currentVersion, Servers: make([]serverEntry, 0, len(c.servers))}
	for _, entry := range c.servers {
		snap.Servers = append(snap.Servers, entry)
	}
	return json.MarshalIndent(snap, "", "  ")
}
