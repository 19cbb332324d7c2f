// Package proxycore dispatches JSON-RPC methods arriving from either
// transport to the schema cache, the BM25 search index, or the child
// manager, implementing the two operating modes (discover, passthrough)
// described for this proxy.
package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/observe"
	"github.com/onmcp/onmcp/internal/protocol"
	"github.com/onmcp/onmcp/internal/schemacache"
	"github.com/onmcp/onmcp/internal/search"
)

const (
	toolDiscover = "discover"
	toolExecute  = "execute"

	defaultResults = 10

	catalogCharBudget = 6000

	toolNameSeparator = "__"
)

// serverInfo identifies this proxy to clients during initialize.
var serverInfo = mcp.Implementation{Name: "onmcp", Version: "0.1.0"}

// Core dispatches MCP requests arriving from a transport. It owns no
// transport-level state (sessions, sockets); it only turns decoded
// [protocol.Message] requests into decoded responses, delegating to the
// schema cache, the BM25 index, and the child manager.
type Core struct {
	cache    *schemacache.Cache
	children *childmanager.Manager

	mu       sync.RWMutex
	settings config.Settings
	index    *search.Index

	cancelMu    sync.Mutex
	activeCalls map[string]*activeCall // client requestID -> dispatched call, for cancellation forwarding

	metrics *observe.Metrics
}

// New creates a Core bound to cache and children, initially configured with
// settings.
func New(cache *schemacache.Cache, children *childmanager.Manager, settings config.Settings) *Core {
	return &Core{
		cache:       cache,
		children:    children,
		settings:    settings,
		activeCalls: make(map[string]*activeCall),
	}
}

// SetMetrics attaches an observe.Metrics instance that subsequent dispatches
// record against. Nil disables recording (the zero value for *Core is a
// valid no-metrics configuration).
func (c *Core) SetMetrics(m *observe.Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

func (c *Core) currentMetrics() *observe.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// RebuildIndex recomputes the BM25 index from the current cache contents.
// Call this after every cache.Update pass: cold-cache generation, or a
// per-server refresh after a hot reload.
func (c *Core) RebuildIndex() {
	idx := search.Build(c.cache.All())
	c.mu.Lock()
	c.index = idx
	c.mu.Unlock()
}

// ApplySettings swaps in new settings, e.g. after a hot reload changes mode
// or log level.
func (c *Core) ApplySettings(settings config.Settings) {
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

func (c *Core) currentSettings() config.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Core) currentIndex() *search.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Search runs a BM25 query against the current index, for the "search" CLI
// subcommand. Returns an empty result set if the index has not been built
// yet (no cache contents, or Generate has not run).
func (c *Core) Search(query string, maxResults int) ([]search.Match, error) {
	idx := c.currentIndex()
	if idx == nil {
		return nil, nil
	}
	return idx.Search(query, maxResults)
}

// IndexStats reports the current BM25 index's document and token counts, for
// the "status" CLI subcommand. Returns zeros if no index has been built yet.
func (c *Core) IndexStats() (documents, tokens int) {
	idx := c.currentIndex()
	if idx == nil {
		return 0, 0
	}
	return idx.DocumentCount(), idx.TokenCount()
}

// Cache exposes the underlying schema cache for read-only CLI inspection
// (the "status" subcommand lists servers and cached tool counts).
func (c *Core) Cache() *schemacache.Cache {
	return c.cache
}

// Dispatch routes one decoded request or notification to its handler and
// returns the response to write back. It returns nil for notifications,
// which produce no reply, and for unroutable message shapes.
func (c *Core) Dispatch(ctx context.Context, msg protocol.Message) *protocol.Message {
	switch msg.Kind() {
	case protocol.KindNotification:
		c.handleNotification(msg)
		return nil
	case protocol.KindRequest:
		return c.handleRequest(ctx, msg)
	default:
		slog.Debug("proxycore: dropping message of unroutable shape")
		return nil
	}
}

func (c *Core) handleNotification(msg protocol.Message) {
	switch msg.Method {
	case "notifications/cancelled":
		c.handleCancelled(msg)
	default:
		slog.Debug("proxycore: ignoring unhandled notification", "method", msg.Method)
	}
}

func (c *Core) handleRequest(ctx context.Context, msg protocol.Message) *protocol.Message {
	var result json.RawMessage
	var err error

	switch msg.Method {
	case "initialize":
		result, err = c.handleInitialize()
	case "tools/list":
		result, err = c.handleToolsList()
	case "tools/call":
		result, err = c.handleToolsCall(ctx, msg.ID, msg.Params)
	case "resources/list":
		result, err = c.handleResourcesList(ctx)
	case "resources/read":
		result, err = c.handleResourcesRead(ctx, msg.Params)
	case "prompts/list":
		result, err = c.handlePromptsList(ctx)
	case "prompts/get":
		result, err = c.handlePromptsGet(ctx, msg.Params)
	case "ping":
		result, err = json.Marshal(map[string]any{})
	default:
		reply := protocol.NewError(msg.ID, protocol.CodeMethodNotFound, fmt.Sprintf("unknown method %q", msg.Method), nil)
		return &reply
	}

	if err != nil {
		rpcErr := protocol.ErrorFor(err)
		reply := protocol.NewError(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return &reply
	}
	reply := protocol.NewResult(msg.ID, result)
	return &reply
}

func (c *Core) handleInitialize() (json.RawMessage, error) {
	capabilities := map[string]any{"tools": map[string]any{}}
	for _, capability := range []string{"resources", "prompts", "logging"} {
		if c.children.AnyChildDeclares(capability) {
			capabilities[capability] = map[string]any{}
		}
	}
	return json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      serverInfo,
		"capabilities":    capabilities,
	})
}

func splitPrefixed(name string) (server, tool string, ok bool) {
	idx := strings.Index(name, toolNameSeparator)
	if idx <= 0 || idx+len(toolNameSeparator) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(toolNameSeparator):], true
}

func prefixedName(server, tool string) string {
	return server + toolNameSeparator + tool
}
