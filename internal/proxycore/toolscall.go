package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/protocol"
)

type discoverArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type executeArgs struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall routes a tools/call request. In discover mode, "discover"
// and "execute" are handled internally; any other name is tool_not_found.
// In passthrough mode the call name is resolved against the cache (undoing
// any collision prefix) and forwarded to the owning child verbatim.
func (c *Core) handleToolsCall(ctx context.Context, reqID json.RawMessage, params json.RawMessage) (json.RawMessage, error) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, fmt.Errorf("proxycore: %w: malformed tools/call params: %v", protocol.ErrToolNotFound, err)
	}

	active, done := c.trackCall(reqID)
	defer done()

	settings := c.currentSettings()
	if settings.ModeOrDefault() == config.ModeDiscover {
		switch call.Name {
		case toolDiscover:
			return c.callDiscover(call.Arguments)
		case toolExecute:
			return c.callExecute(ctx, active, call.Arguments)
		default:
			return nil, fmt.Errorf("proxycore: %w: %q is not a known tool in discover mode", protocol.ErrToolNotFound, call.Name)
		}
	}

	server, tool, ok := splitPrefixed(call.Name)
	if !ok {
		server, tool, ok = c.resolveUnprefixed(call.Name)
		if !ok {
			return nil, fmt.Errorf("proxycore: %w: %q", protocol.ErrToolNotFound, call.Name)
		}
	}
	return c.forwardCall(ctx, active, server, tool, call.Arguments)
}

// resolveUnprefixed looks up a bare tool name against the cache when
// passthrough mode did not need to prefix it (no collision, prefixTools
// unset). It scans every server for a case-insensitive name match.
func (c *Core) resolveUnprefixed(tool string) (server, resolvedTool string, ok bool) {
	for _, server := range c.cache.Servers() {
		if _, schema, found := c.cache.Resolve(server, tool); found {
			return server, schema.Name, true
		}
	}
	return "", "", false
}

func (c *Core) callDiscover(argsRaw json.RawMessage) (json.RawMessage, error) {
	var args discoverArgs
	if err := json.Unmarshal(argsRaw, &args); err != nil {
		return nil, fmt.Errorf("proxycore: %w: malformed discover arguments: %v", protocol.ErrToolNotFound, err)
	}
	idx := c.currentIndex()
	if idx == nil {
		return json.Marshal(map[string]any{"query": args.Query, "total": 0, "matches": []any{}})
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = defaultResults
	}

	start := time.Now()
	matches, total, err := idx.SearchWithTotal(args.Query, maxResults)
	if m := c.currentMetrics(); m != nil {
		m.SearchDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("proxycore: %w: %v", protocol.ErrToolNotFound, err)
	}
	if m := c.currentMetrics(); m != nil {
		m.RecordSearchQuery(context.Background(), "bm25")
	}

	type resultEntry struct {
		Server      string          `json:"server"`
		ToolName    string          `json:"tool_name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
		Relevance   float64         `json:"relevance"`
	}
	out := make([]resultEntry, len(matches))
	for i, m := range matches {
		out[i] = resultEntry{
			Server:      m.Server,
			ToolName:    m.Tool,
			Description: m.Description,
			Parameters:  schemaToRaw(m.Schema),
			Relevance:   m.Relevance,
		}
	}
	return json.Marshal(map[string]any{"query": args.Query, "total": total, "matches": out})
}

func (c *Core) callExecute(ctx context.Context, active *activeCall, argsRaw json.RawMessage) (json.RawMessage, error) {
	var args executeArgs
	if err := json.Unmarshal(argsRaw, &args); err != nil {
		return nil, fmt.Errorf("proxycore: %w: malformed execute arguments: %v", protocol.ErrToolNotFound, err)
	}
	if args.Server == "" || args.Tool == "" {
		return nil, fmt.Errorf("proxycore: %w: execute requires both server and tool", protocol.ErrToolNotFound)
	}
	resolvedServer, schema, ok := c.cache.Resolve(args.Server, args.Tool)
	if !ok {
		return nil, fmt.Errorf("proxycore: %w: %s/%s", protocol.ErrToolNotFound, args.Server, args.Tool)
	}
	return c.forwardCall(ctx, active, resolvedServer, schema.Name, args.Arguments)
}

func (c *Core) forwardCall(ctx context.Context, active *activeCall, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	if arguments == nil {
		arguments = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(map[string]any{"name": tool, "arguments": json.RawMessage(arguments)})
	if err != nil {
		return nil, fmt.Errorf("proxycore: encode forwarded call: %w", err)
	}

	track := func(slot *childmanager.ChildSlot, childID string) {
		if alreadyCancelled := active.set(slot, childID); alreadyCancelled {
			if cancelErr := slot.Cancel(childID); cancelErr != nil {
				slog.Warn("proxycore: failed to forward cancellation to child", "server", server, "err", cancelErr)
			}
		}
	}

	start := time.Now()
	result, err := c.children.CallCancellable(ctx, server, "tools/call", params, track)
	if m := c.currentMetrics(); m != nil {
		m.ToolCallDuration.Record(context.Background(), time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.RecordToolCall(ctx, tool, status)
	}
	return result, err
}
