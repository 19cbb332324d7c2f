package proxycore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/schemacache"
)

// GenerationResult summarizes one cold-cache generation pass, for the
// generate CLI command and for startup logging.
type GenerationResult struct {
	Succeeded []string
	Failed    map[string]error
}

// Generate starts every enabled server in turn, discovers its tools, records
// them in the cache, then stops it again, per the cold-start sequence:
// ensure -> tools/list -> cache update -> stop. Servers are processed
// sequentially so a slow or wedged server cannot starve the others of the
// shared startup window; a failure on one server is recorded and does not
// abort the rest of the pass. The cache is flushed once at the end, and the
// BM25 index rebuilt from the result.
func (c *Core) Generate(ctx context.Context, servers []config.ServerSpec) GenerationResult {
	result := GenerationResult{Failed: make(map[string]error)}

	for _, spec := range servers {
		if spec.Disabled {
			continue
		}
		if err := c.generateOne(ctx, spec); err != nil {
			slog.Warn("proxycore: cold-cache generation failed for server", "server", spec.Name, "err", err)
			result.Failed[spec.Name] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, spec.Name)
	}

	flushStart := time.Now()
	err := c.cache.Flush()
	if m := c.currentMetrics(); m != nil {
		m.CacheFlushDuration.Record(ctx, time.Since(flushStart).Seconds())
	}
	if err != nil {
		slog.Error("proxycore: failed to flush schema cache after generation", "err", err)
	}
	c.RebuildIndex()
	return result
}

func (c *Core) generateOne(ctx context.Context, spec config.ServerSpec) error {
	start := time.Now()
	err := c.children.Ensure(ctx, spec.Name)
	if m := c.currentMetrics(); m != nil {
		m.ChildStartupDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer c.children.Stop(spec.Name)

	raw, err := c.children.DiscoverTools(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var page struct {
		Tools []schemacache.ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}

	c.cache.Update(spec.Name, page.Tools)
	return nil
}
