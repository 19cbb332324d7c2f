package proxycore

import (
	"context"
	"log/slog"

	"github.com/onmcp/onmcp/internal/config"
)

// ApplyDiff reacts to a hot-reload diff from the config watcher: removed
// servers are stopped and evicted from the cache, changed servers are
// stopped so the next request respawns them with their new launch
// configuration, and added servers are registered lazily (nothing is
// spawned until first use). The BM25 index is rebuilt once at the end since
// any of these changes can alter the catalog.
func (c *Core) ApplyDiff(ctx context.Context, cfg *config.Config, diff config.ConfigDiff) {
	if !diff.ServersChanged() && !diff.LogLevelChanged {
		return
	}

	for _, name := range diff.Removed {
		slog.Info("proxycore: hot reload removing server", "server", name)
		c.children.RemoveServer(ctx, name)
		c.cache.Remove(name)
	}

	for _, name := range diff.Changed {
		slog.Info("proxycore: hot reload restarting changed server", "server", name)
		if spec, ok := cfg.Servers[name]; ok {
			spec.Name = name
			c.children.RemoveServer(ctx, name)
			c.children.AddServer(spec)
		}
		c.cache.Remove(name)
	}

	for _, name := range diff.Added {
		slog.Info("proxycore: hot reload adding server", "server", name)
		if spec, ok := cfg.Servers[name]; ok {
			spec.Name = name
			c.children.AddServer(spec)
		}
	}

	if diff.LogLevelChanged {
		settings := c.currentSettings()
		settings.LogLevel = diff.NewLogLevel
		c.ApplySettings(settings)
	}

	if diff.ServersChanged() {
		c.RebuildIndex()
	}
}
