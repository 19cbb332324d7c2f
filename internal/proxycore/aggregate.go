package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/onmcp/onmcp/internal/protocol"
)

// serverPrefixSeparator separates a server name from a resource URI or
// prompt name in an aggregated listing, e.g. "math-srv/formulas.txt".
const serverPrefixSeparator = "/"

func serverPrefixed(server, name string) string {
	return server + serverPrefixSeparator + name
}

func splitServerPrefix(name string) (server, rest string, ok bool) {
	idx := strings.Index(name, serverPrefixSeparator)
	if idx <= 0 || idx+1 >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// handleResourcesList fans resources/list out concurrently to every known
// server that is already running or marked persistent (see [Core.fanOut]) and merges the results, prefixing each resource's URI with
// its owning server so collisions across backends never alias. A single
// server failing does not fail the aggregate; its absence is logged.
func (c *Core) handleResourcesList(ctx context.Context) (json.RawMessage, error) {
	type resource struct {
		URI         string `json:"uri"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		MimeType    string `json:"mimeType,omitempty"`
	}

	raws, err := c.fanOut(ctx, "resources/list")
	if err != nil {
		return nil, err
	}

	var merged []resource
	for server, raw := range raws {
		var page struct {
			Resources []resource `json:"resources"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			slog.Warn("proxycore: malformed resources/list from server", "server", server, "err", err)
			continue
		}
		for _, r := range page.Resources {
			r.URI = serverPrefixed(server, r.URI)
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].URI < merged[j].URI })
	return json.Marshal(map[string]any{"resources": merged})
}

// handleResourcesRead expects a server-prefixed URI (server/originalURI)
// and forwards the read to that server with the prefix stripped.
func (c *Core) handleResourcesRead(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("proxycore: malformed resources/read params: %w", err)
	}
	server, uri, ok := splitServerPrefix(req.URI)
	if !ok {
		return nil, fmt.Errorf("proxycore: %w: resource uri %q has no server prefix", protocol.ErrToolNotFound, req.URI)
	}
	forwardParams, err := json.Marshal(map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	return c.children.Call(ctx, server, "resources/read", forwardParams)
}

// handlePromptsList fans prompts/list out the same way as resources/list,
// prefixing each prompt's name instead of a URI.
func (c *Core) handlePromptsList(ctx context.Context) (json.RawMessage, error) {
	type prompt struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}

	raws, err := c.fanOut(ctx, "prompts/list")
	if err != nil {
		return nil, err
	}

	var merged []prompt
	for server, raw := range raws {
		var page struct {
			Prompts []prompt `json:"prompts"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			slog.Warn("proxycore: malformed prompts/list from server", "server", server, "err", err)
			continue
		}
		for _, p := range page.Prompts {
			p.Name = serverPrefixed(server, p.Name)
			merged = append(merged, p)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return json.Marshal(map[string]any{"prompts": merged})
}

func (c *Core) handlePromptsGet(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("proxycore: malformed prompts/get params: %w", err)
	}
	server, name, ok := splitServerPrefix(req.Name)
	if !ok {
		return nil, fmt.Errorf("proxycore: %w: prompt %q has no server prefix", protocol.ErrToolNotFound, req.Name)
	}
	forwardParams, err := json.Marshal(map[string]any{"name": name, "arguments": req.Arguments})
	if err != nil {
		return nil, err
	}
	return c.children.Call(ctx, server, "prompts/get", forwardParams)
}

// fanOut calls method with empty params against each Ready or cheap-to-
// ensure (persistent) server concurrently via an errgroup, isolating any one
// server's failure so the rest of the aggregate still succeeds. A server
// that would need a cold spawn to answer is skipped instead, so a
// resources/list or prompts/list call never defeats on-demand laziness. The
// errgroup itself never returns an error from fanOut; per-server failures
// are logged and omitted.
func (c *Core) fanOut(ctx context.Context, method string) (map[string]json.RawMessage, error) {
	servers := c.cache.Servers()
	results := make(map[string]json.RawMessage, len(servers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		server := server
		if !c.children.FanOutEligible(server) {
			slog.Debug("proxycore: skipping not-ready server in aggregate fan-out", "server", server, "method", method)
			continue
		}
		g.Go(func() error {
			raw, err := c.children.Call(gctx, server, method, []byte(`{}`))
			if err != nil {
				slog.Warn("proxycore: aggregate fan-out call failed, excluding server", "server", server, "method", method, "err", err)
				return nil
			}
			mu.Lock()
			results[server] = raw
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-call errors are swallowed above; this only surfaces a caller-cancelled ctx
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
