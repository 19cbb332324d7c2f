// Command onmcp is the on-demand MCP multiplexing proxy. By default it
// speaks the stdio transport against its own stdin/stdout, suitable for
// direct registration as a single "mcpServers" entry in an editor's MCP
// client config. The "serve" subcommand instead exposes the SSE transport
// over HTTP for clients that connect over the network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onmcp/onmcp/internal/app"
	"github.com/onmcp/onmcp/internal/childmanager"
	"github.com/onmcp/onmcp/internal/config"
	"github.com/onmcp/onmcp/internal/proxycore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// Exit codes: 0 success, 1 runtime failure, 2 usage/config error.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsageBad = 2
)

func run(args []string) int {
	if len(args) == 0 {
		return runDefault(args)
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "generate":
		return runGenerate(args[1:])
	case "search":
		return runSearch(args[1:])
	case "status":
		return runStatus(args[1:])
	default:
		return runDefault(args)
	}
}

// commonFlags are shared across every subcommand and the default entrypoint.
type commonFlags struct {
	configPath string
	cachePath  string
	regenerate bool
	watch      bool
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", envOr("MCP_ON_DEMAND_CONFIG", "mcp-proxy.json"), "path to the proxy's JSON configuration file")
	fs.StringVar(&cf.cachePath, "cache", envOr("MCP_ON_DEMAND_CACHE", "mcp-proxy-cache.json"), "path to the schema cache snapshot")
	fs.BoolVar(&cf.regenerate, "regenerate", envBoolOr("MCP_ON_DEMAND_PRELOAD", false), "run cold-cache generation before serving")
	fs.BoolVar(&cf.watch, "watch", true, "hot-reload the config file on change")
	return cf
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if envBoolOr("MCP_ON_DEMAND_DEBUG", false) {
		level = slog.LevelDebug
	}
	// The stdio transport owns stdout for JSON-RPC frames; all logging goes
	// to stderr regardless of mode, matching spec 4.3's diagnostics rule.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// applyLogLevel replaces the default logger according to the config's log
// level: silent discards all output, and debug, warn and error install a
// stderr handler at that level. Info leaves the logger that setupLogging
// installed (from MCP_ON_DEMAND_DEBUG) unchanged.
func applyLogLevel(level config.LogLevel) {
	switch level {
	case config.LogLevelSilent:
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	case config.LogLevelDebug:
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	case config.LogLevelWarn:
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	case config.LogLevelError:
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	}
}

func loadConfig(path string) (*config.Config, int) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "onmcp: config file %q not found\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "onmcp: %v\n", err)
		}
		return nil, exitUsageBad
	}
	applyModeOverride(cfg)
	return cfg, exitOK
}

// applyModeOverride lets MCP_ON_DEMAND_MODE override settings.mode from the
// config file, e.g. to force passthrough in a client that cannot call the
// discover/execute meta-tools.
func applyModeOverride(cfg *config.Config) {
	mode := config.Mode(os.Getenv("MCP_ON_DEMAND_MODE"))
	if mode == "" {
		return
	}
	if !mode.IsValid() {
		slog.Warn("onmcp: ignoring invalid MCP_ON_DEMAND_MODE", "mode", mode)
		return
	}
	cfg.Settings.Mode = mode
}

// runDefault runs the stdio transport: the mode used when onmcp is
// registered directly as an editor's MCP server entry.
func runDefault(args []string) int {
	fs := flag.NewFlagSet("onmcp", flag.ContinueOnError)
	cf := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageBad
	}

	setupLogging()
	cfg, code := loadConfig(cf.configPath)
	if cfg == nil {
		return code
	}
	applyLogLevel(cfg.Settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if cf.watch {
		opts = append(opts, app.WithConfigWatch(cf.configPath))
	}
	application, err := app.New(ctx, cfg, cf.cachePath, opts...)
	if err != nil {
		slog.Error("onmcp: failed to initialise", "err", err)
		return exitFailure
	}

	if cf.regenerate {
		logGenerationResult(application.Generate(ctx))
	}

	runErr := application.RunStdio(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("onmcp: shutdown error", "err", err)
		return exitFailure
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("onmcp: stdio transport error", "err", runErr)
		return exitFailure
	}
	return exitOK
}

// runServe runs the SSE transport over HTTP, for clients connecting over
// the network rather than as a spawned subprocess.
func runServe(args []string) int {
	fs := flag.NewFlagSet("onmcp serve", flag.ContinueOnError)
	cf := registerCommonFlags(fs)
	addr := fs.String("addr", envOr("MCP_ON_DEMAND_ADDR", ":8787"), "address to listen on for the SSE transport")
	tokenPath := fs.String("token-file", envOr("MCP_ON_DEMAND_TOKEN_FILE", ""), "path to persist the bearer auth token (empty disables auth)")
	if err := fs.Parse(args); err != nil {
		return exitUsageBad
	}

	setupLogging()
	cfg, code := loadConfig(cf.configPath)
	if cfg == nil {
		return code
	}
	applyLogLevel(cfg.Settings.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if cf.watch {
		opts = append(opts, app.WithConfigWatch(cf.configPath))
	}
	application, err := app.New(ctx, cfg, cf.cachePath, opts...)
	if err != nil {
		slog.Error("onmcp: failed to initialise", "err", err)
		return exitFailure
	}

	if cf.regenerate {
		logGenerationResult(application.Generate(ctx))
	}

	slog.Info("onmcp: serving SSE transport", "addr", *addr)
	runErr := application.RunSSE(ctx, *addr, *tokenPath)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("onmcp: shutdown error", "err", err)
		return exitFailure
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, http.ErrServerClosed) {
		slog.Error("onmcp: sse transport error", "err", runErr)
		return exitFailure
	}
	return exitOK
}

// runGenerate runs a single cold-cache generation pass to completion and
// exits, without starting either transport.
func runGenerate(args []string) int {
	fs := flag.NewFlagSet("onmcp generate", flag.ContinueOnError)
	cf := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageBad
	}

	setupLogging()
	cfg, code := loadConfig(cf.configPath)
	if cfg == nil {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, cf.cachePath)
	if err != nil {
		slog.Error("onmcp: failed to initialise", "err", err)
		return exitFailure
	}

	result := application.Generate(ctx)
	logGenerationResult(result)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = application.Shutdown(shutdownCtx)

	if len(result.Failed) > 0 {
		return exitFailure
	}
	return exitOK
}

func logGenerationResult(result proxycore.GenerationResult) {
	for _, name := range result.Succeeded {
		slog.Info("onmcp: generation succeeded", "server", name)
	}
	for name, err := range result.Failed {
		slog.Warn("onmcp: generation failed", "server", name, "err", err)
	}
}

// runSearch prints the BM25 discover results for a single query, running
// cold-cache generation first when the schema cache is empty.
func runSearch(args []string) int {
	fs := flag.NewFlagSet("onmcp search", flag.ContinueOnError)
	cf := registerCommonFlags(fs)
	maxResults := fs.Int("max-results", 10, "maximum number of matches to print")
	if err := fs.Parse(args); err != nil {
		return exitUsageBad
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "onmcp search: a query argument is required")
		return exitUsageBad
	}
	query := fs.Arg(0)

	setupLogging()
	cfg, code := loadConfig(cf.configPath)
	if cfg == nil {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, cf.cachePath)
	if err != nil {
		slog.Error("onmcp: failed to initialise", "err", err)
		return exitFailure
	}
	if application.Core().Cache().Empty() {
		logGenerationResult(application.Generate(ctx))
	}

	matches, err := application.Core().Search(query, *maxResults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "onmcp search: %v\n", err)
		return exitFailure
	}

	out, _ := yaml.Marshal(matches)
	fmt.Print(string(out))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = application.Shutdown(shutdownCtx)
	return exitOK
}

// statusReport is the YAML shape printed by the "status" subcommand.
type statusReport struct {
	Servers   []statusServer `yaml:"servers"`
	IndexDocs int            `yaml:"index_documents"`
	IndexToks int            `yaml:"index_tokens"`
}

type statusServer struct {
	Name        string       `yaml:"name"`
	Disabled    bool         `yaml:"disabled"`
	Cached      int          `yaml:"cached_tools"`
	Persistent  bool         `yaml:"persistent,omitempty"`
	BreakerOpen bool         `yaml:"breaker_open,omitempty"`
	Pool        []statusSlot `yaml:"pool,omitempty"`
}

type statusSlot struct {
	State     string `yaml:"state"`
	InFlight  int    `yaml:"in_flight"`
	LastError string `yaml:"last_error,omitempty"`
}

// runStatus prints the configured servers, their cached tool counts, and
// BM25 index statistics as YAML, without starting either transport.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("onmcp status", flag.ContinueOnError)
	cf := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsageBad
	}

	setupLogging()
	cfg, code := loadConfig(cf.configPath)
	if cfg == nil {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, cf.cachePath)
	if err != nil {
		slog.Error("onmcp: failed to initialise", "err", err)
		return exitFailure
	}

	pools := make(map[string]childmanager.ServerStatus, len(cfg.AllServers()))
	for _, ps := range application.ChildStatus() {
		pools[ps.Server] = ps
	}

	report := statusReport{}
	for _, spec := range cfg.AllServers() {
		srv := statusServer{
			Name:     spec.Name,
			Disabled: spec.Disabled,
			Cached:   len(application.Core().Cache().Tools(spec.Name)),
		}
		if ps, ok := pools[spec.Name]; ok {
			srv.Persistent = ps.Persistent
			srv.BreakerOpen = ps.BreakerOpen
			for _, slot := range ps.Slots {
				srv.Pool = append(srv.Pool, statusSlot{
					State:     slot.State,
					InFlight:  slot.InFlight,
					LastError: slot.LastError,
				})
			}
		}
		report.Servers = append(report.Servers, srv)
	}
	report.IndexDocs, report.IndexToks = application.Core().IndexStats()

	out, _ := yaml.Marshal(report)
	fmt.Print(string(out))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = application.Shutdown(shutdownCtx)
	return exitOK
}
