// Package app wires the proxy's subsystems — schema cache, child manager,
// proxy core, transports, health checks, and metrics — into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, RunStdio/RunSSE drive a transport until its context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject alternate subsystems via functional options
// (WithMetrics, WithStderrDir, ...). When an option is not provided, New
// creates the real implementation from cfg.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/health"
	"github.com/onmcp/onmcp/internal/observe"
	"github.com/onmcp/onmcp/internal/proxycore"
	"github.com/onmcp/onmcp/internal/schemacache"
	"github.com/onmcp/onmcp/internal/sseserver"
	"github.com/onmcp/onmcp/internal/stdiotransport"
)

// App owns every subsystem's lifetime and dispatches requests arriving on
// whichever transport the caller starts (stdio, SSE, or both).
type App struct {
	cfg   *config.Config
	cache *schemacache.Cache

	children *childmanager.Manager
	core     *proxycore.Core
	health   *health.Handler
	metrics  *observe.Metrics
	logBus   *observe.LogBus

	watcher *config.Watcher

	stderrDir string
	watchPath string

	// closers are called in reverse-registration order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles or
// override defaults derived from cfg.
type Option func(*App)

// WithMetrics attaches an observe.Metrics instance. When omitted, New uses
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStderrDir directs each child's stderr to <dir>/<server>.stderr.log
// instead of discarding it.
func WithStderrDir(dir string) Option {
	return func(a *App) { a.stderrDir = dir }
}

// WithConfigWatch enables hot-reload: a background poller that re-applies
// config.Diff results to the running childmanager/proxycore whenever path
// changes on disk.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// New wires an App from cfg: a schema cache rooted at cachePath, a child
// manager for every enabled server, and a proxy core bound to both. Actual
// child processes are not started here — New only prepares the machinery;
// RunStdio, RunSSE, or Generate start children on demand.
func New(ctx context.Context, cfg *config.Config, cachePath string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.cache = schemacache.New(cachePath)
	if err := a.cache.Load(); err != nil {
		slog.Warn("app: schema cache failed to load, starting empty", "path", cachePath, "err", err)
	}

	a.logBus = observe.NewLogBus()

	childOpts := []childmanager.Option{
		childmanager.WithIdleTimeout(cfg.Settings.IdleTimeout()),
		childmanager.WithStartupTimeout(cfg.Settings.StartupTimeout()),
		childmanager.WithMetrics(a.metrics),
		childmanager.WithChildLogFunc(func(server, level, logger string, data json.RawMessage) {
			a.logBus.Publish(observe.ChildLogEntry{Server: server, Level: level, Logger: logger, Data: data})
		}),
	}
	if a.stderrDir != "" {
		childOpts = append(childOpts, childmanager.WithStderrDir(a.stderrDir))
	}
	a.children = childmanager.New(cfg.EnabledServers(), childOpts...)
	a.closers = append(a.closers, func() error {
		a.children.StopAll()
		return nil
	})

	a.core = proxycore.New(a.cache, a.children, cfg.Settings)
	a.core.SetMetrics(a.metrics)
	a.core.RebuildIndex()

	a.health = health.New(
		health.Checker{Name: "schema-cache", Check: a.checkCache},
		health.Checker{Name: "child-manager", Check: a.checkChildren},
	)

	if a.watchPath != "" {
		watcher, err := config.NewWatcher(a.watchPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: start config watcher: %w", err)
		}
		a.watcher = watcher
		a.closers = append(a.closers, func() error {
			watcher.Stop()
			return nil
		})
	}

	a.children.StartReaper()
	a.closers = append(a.closers, func() error {
		a.children.StopReaper()
		return nil
	})

	return a, nil
}

func (a *App) checkCache(ctx context.Context) error {
	_ = ctx
	if a.cache == nil {
		return fmt.Errorf("cache not initialised")
	}
	return nil
}

func (a *App) checkChildren(ctx context.Context) error {
	_ = ctx
	if a.children == nil {
		return fmt.Errorf("child manager not initialised")
	}
	return nil
}

// onConfigChange reacts to a config file change detected by the watcher,
// applying the diff to the running child manager and proxy core.
func (a *App) onConfigChange(old, newCfg *config.Config) {
	diff := config.Diff(old, newCfg)
	a.cfg = newCfg
	a.core.ApplyDiff(context.Background(), newCfg, diff)
}

// Core exposes the proxy core for CLI subcommands that need direct read
// access (search, status) without starting a transport.
func (a *App) Core() *proxycore.Core {
	return a.core
}

// ChildStatus exposes a point-in-time snapshot of every child pool's state
// for the "status" CLI subcommand.
func (a *App) ChildStatus() []childmanager.ServerStatus {
	return a.children.Status()
}

// LogBus exposes the child notifications/message bus so an out-of-scope
// collaborator (a dashboard, a log viewer) can subscribe via
// [observe.LogSubscriber] without depending on childmanager directly.
func (a *App) LogBus() *observe.LogBus {
	return a.logBus
}

// Generate runs a cold-cache generation pass over every enabled server and
// flushes the result, without starting either transport. Used by the
// "generate" CLI subcommand and by --regenerate on the default/serve
// entrypoints.
func (a *App) Generate(ctx context.Context) proxycore.GenerationResult {
	return a.core.Generate(ctx, a.cfg.EnabledServers())
}

// RunStdio drives the stdio transport against stdin/stdout until ctx is
// cancelled or the peer's input stream closes.
func (a *App) RunStdio(ctx context.Context) error {
	srv := stdiotransport.New(a.core, os.Stdin, os.Stdout)
	return srv.Run(ctx)
}

// RunSSE starts the SSE transport's HTTP listener on addr, along with the
// /healthz and /readyz routes, and blocks until ctx is cancelled. No
// /metrics route is mounted on this listener.
func (a *App) RunSSE(ctx context.Context, addr, tokenPath string) error {
	var token string
	if tokenPath != "" {
		t, err := sseserver.LoadOrCreateToken(tokenPath)
		if err != nil {
			return fmt.Errorf("app: load sse auth token: %w", err)
		}
		token = t
	}

	sse := sseserver.New(a.core, token, sseserver.WithMetrics(a.metrics))
	sse.StartReaper()
	defer sse.StopReaper()

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.Handler())
	mux.Handle("/message", sse.Handler())
	a.health.Register(mux)

	handler := observe.Middleware(a.metrics)(mux)

	ln, err := sseserver.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", addr, err)
	}

	httpSrv := &http.Server{Handler: handler}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		if err := a.cache.Flush(); err != nil {
			slog.Warn("app: final cache flush failed", "err", err)
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
